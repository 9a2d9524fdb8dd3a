package sendmail

import "strings"

// Extension is an SMTP service extension keyword advertised in the EHLO reply.
type Extension string

// Extensions the client looks for.
const (
	ExtSTARTTLS            Extension = "STARTTLS"            // RFC 3207
	ExtAuth                Extension = "AUTH"                // RFC 4954
	ExtSize                Extension = "SIZE"                // RFC 1870
	Ext8BitMIME            Extension = "8BITMIME"            // RFC 6152
	ExtSMTPUTF8            Extension = "SMTPUTF8"            // RFC 6531
	ExtPipelining          Extension = "PIPELINING"          // RFC 2920
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES" // RFC 2034
)

// parseExtensions parses the lines of an EHLO reply. The first line is the
// server greeting and carries no extension.
func parseExtensions(lines []string) map[Extension]string {
	extensions := make(map[Extension]string)
	if len(lines) < 2 {
		return extensions
	}
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(line, " ")
		// Some servers still advertise the pre-standard "AUTH=LOGIN PLAIN" form.
		if n, p, ok := strings.Cut(name, "="); ok && strings.EqualFold(n, string(ExtAuth)) {
			name, params = n, strings.TrimSpace(p+" "+params)
		}
		ext := Extension(strings.ToUpper(name))
		if existing, ok := extensions[ext]; ok && existing != "" && params != "" {
			params = existing + " " + params
		}
		extensions[ext] = params
	}
	return extensions
}
