package sendmail

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/synqronlabs/sendmail/utils"
)

// DefaultSubject is used when no subject is supplied on the command line.
const DefaultSubject = "(no subject)"

// maxLineLength is the RFC 5322 limit on a line, excluding CRLF.
const maxLineLength = 998

// foldWidth is the recommended header line width (RFC 5322 Section 2.1.1).
const foldWidth = 78

// ContentKind selects the MIME subtype of the message body.
type ContentKind int

const (
	// KindPlain renders the body as text/plain.
	KindPlain ContentKind = iota
	// KindHTML renders the body as text/html.
	KindHTML
)

// Subtype returns the MIME subtype for the kind.
func (k ContentKind) Subtype() string {
	if k == KindHTML {
		return "html"
	}
	return "plain"
}

// String implements fmt.Stringer.
func (k ContentKind) String() string {
	return k.Subtype()
}

// ContentTransferEncoding represents the encoding used for the body (RFC 2045).
type ContentTransferEncoding string

const (
	// Encoding7Bit is for 7-bit ASCII data with lines of at most 998 octets.
	Encoding7Bit ContentTransferEncoding = "7bit"
	// EncodingQuotedPrintable is used for everything else.
	EncodingQuotedPrintable ContentTransferEncoding = "quoted-printable"
)

// Message is the single message the tool sends. It is built once and
// not modified after Build.
type Message struct {
	// From is the sender, used verbatim for the From header.
	From string

	// To holds one or more recipients in the order supplied.
	To []string

	Subject string

	// Body is the raw UTF-8 text of the message body.
	Body string

	Kind ContentKind

	// Date is written to the Date header. Zero means the time of Build.
	Date time.Time
}

// Envelope is the SMTP envelope derived from a Message (RFC 5321 Section 2.3.1).
type Envelope struct {
	// From is the reverse-path address, without angle brackets.
	From string

	// To contains one forward-path address per RCPT TO command.
	To []string

	// SMTPUTF8 is set when an envelope address or header needs RFC 6531.
	SMTPUTF8 bool
}

// Mail is a rendered message ready to be transmitted.
type Mail struct {
	// ID is the unique identifier also used in the Message-ID header.
	ID string

	Envelope Envelope

	// Content is the full RFC 5322 message with CRLF line endings.
	Content []byte

	// Encoding is the Content-Transfer-Encoding applied to the body.
	Encoding ContentTransferEncoding
}

// Build renders the message and derives its envelope.
func (m *Message) Build() (*Mail, error) {
	if len(m.To) == 0 {
		return nil, ErrNoRecipients
	}
	if strings.TrimSpace(m.From) == "" {
		return nil, ErrNoSender
	}

	id := utils.GenerateID()
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	env := Envelope{From: envelopeAddress(m.From)}
	for _, to := range m.To {
		env.To = append(env.To, envelopeAddresses(to)...)
	}
	if len(env.To) == 0 {
		return nil, ErrNoRecipients
	}

	encoding, body := encodeBody(m.Body)

	var buf bytes.Buffer
	writeHeader(&buf, "From", formatAddressList([]string{m.From}))
	writeHeader(&buf, "To", formatAddressList(m.To))
	writeHeader(&buf, "Subject", encodeHeaderText(m.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", id, messageIDDomain(env.From)))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", fmt.Sprintf("text/%s; charset=\"utf-8\"", m.Kind.Subtype()))
	writeHeader(&buf, "Content-Transfer-Encoding", string(encoding))

	env.SMTPUTF8 = utils.ContainsNonASCII(buf.String()) || utils.ContainsNonASCII(env.From)
	for _, rcpt := range env.To {
		if utils.ContainsNonASCII(rcpt) {
			env.SMTPUTF8 = true
		}
	}

	buf.WriteString("\r\n")
	buf.Write(body)
	content := buf.Bytes()

	return &Mail{
		ID:       id,
		Envelope: env,
		Content:  content,
		Encoding: encoding,
	}, nil
}

// envelopeAddress returns the addr-spec of a single address. Anything
// net/mail cannot parse is used as given.
func envelopeAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return strings.Trim(strings.TrimSpace(s), "<>")
}

// envelopeAddresses expands one --to value into RCPT targets.
func envelopeAddresses(s string) []string {
	list, err := mail.ParseAddressList(s)
	if err != nil || len(list) == 0 {
		if a := strings.Trim(strings.TrimSpace(s), "<>"); a != "" {
			return []string{a}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

func messageIDDomain(from string) string {
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		if domain, err := utils.ASCIIHost(from[i+1:]); err == nil {
			return domain
		}
	}
	return "localhost"
}

// formatAddressList joins addresses with ", ". ASCII entries are written as
// given; entries with non-ASCII display names are re-encoded per RFC 2047.
func formatAddressList(addrs []string) string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		a = sanitizeHeader(a)
		if utils.ContainsNonASCII(a) {
			if parsed, err := mail.ParseAddress(a); err == nil && parsed.Name != "" && !utils.ContainsNonASCII(parsed.Address) {
				a = parsed.String()
			}
		}
		out[i] = a
	}
	return strings.Join(out, ", ")
}

func encodeHeaderText(s string) string {
	s = sanitizeHeader(s)
	if utils.ContainsNonASCII(s) {
		return mime.BEncoding.Encode("utf-8", s)
	}
	return s
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

// writeHeader writes a header field, folding at spaces when the line
// would exceed foldWidth.
func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteByte(':')
	lineLen := len(name) + 1
	for i, w := range strings.Split(value, " ") {
		if i > 0 && lineLen+1+len(w) > foldWidth {
			buf.WriteString("\r\n")
			lineLen = 0
		}
		buf.WriteByte(' ')
		buf.WriteString(w)
		lineLen += 1 + len(w)
	}
	buf.WriteString("\r\n")
}

// encodeBody normalises line endings to CRLF, guarantees a final CRLF and
// picks the transfer encoding.
func encodeBody(body string) (ContentTransferEncoding, []byte) {
	normalized := normalizeLineEndings(body)
	if !strings.HasSuffix(normalized, "\r\n") {
		normalized += "\r\n"
	}

	if !utils.ContainsNonASCII(normalized) && !hasLongLine(normalized) {
		return Encoding7Bit, []byte(normalized)
	}

	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Binary = false
	// Write never fails on a bytes.Buffer.
	_, _ = w.Write([]byte(normalized))
	_ = w.Close()

	encoded := normalizeLineEndings(buf.String())
	if !strings.HasSuffix(encoded, "\r\n") {
		encoded += "\r\n"
	}
	return EncodingQuotedPrintable, []byte(encoded)
}

func hasLongLine(s string) bool {
	for _, line := range strings.Split(s, "\r\n") {
		if len(line) > maxLineLength {
			return true
		}
	}
	return false
}

// normalizeLineEndings converts all line endings to CRLF.
// Handles LF, CR, and CRLF inputs.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
