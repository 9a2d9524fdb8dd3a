package sendmail

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// SendResult contains the result of a mail transaction.
type SendResult struct {
	// MessageID is the server-assigned queue ID, if the reply carried one.
	MessageID string

	// Response is the final reply to the end-of-data marker.
	Response *ClientResponse

	// RecipientResults contains per-recipient acceptance status, in
	// envelope order.
	RecipientResults []RecipientResult
}

// RecipientResult contains the result for a single recipient.
type RecipientResult struct {
	Address  string
	Accepted bool
	Response *ClientResponse
	Error    error
}

// Send runs one mail transaction: MAIL FROM, RCPT TO for every envelope
// recipient, then DATA. Every recipient is offered. The message goes to the
// accepted ones; refused recipients are reported in RecipientResults. If
// no recipient is accepted the transaction is reset and Send fails with
// ErrRecipientRejected.
func (c *Client) Send(mail *Mail) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}
	if mail == nil || len(mail.Envelope.To) == 0 {
		return nil, ErrNoRecipients
	}

	result := &SendResult{
		RecipientResults: make([]RecipientResult, 0, len(mail.Envelope.To)),
	}

	if err := c.sendMailFrom(mail); err != nil {
		return nil, err
	}

	refused, accepted := -1, 0
	for _, rcpt := range mail.Envelope.To {
		rr := c.sendRcptTo(rcpt)
		result.RecipientResults = append(result.RecipientResults, rr)
		if rr.Response == nil {
			// No reply: the connection is unusable.
			return result, rr.Error
		}
		if rr.Accepted {
			accepted++
			continue
		}
		c.logger.Warn("recipient refused", slog.String("rcpt", rcpt), slog.Any("error", rr.Error))
		if refused < 0 {
			refused = len(result.RecipientResults) - 1
		}
	}
	if accepted == 0 {
		_ = c.reset()
		rr := result.RecipientResults[refused]
		return result, fmt.Errorf("%w: %s: %w", ErrRecipientRejected, rr.Address, rr.Error)
	}

	resp, err := c.sendWithDATA(mail.Content)
	if err != nil {
		return result, err
	}
	result.Response = resp
	result.MessageID = extractMessageID(resp.Message)

	c.logger.Debug("message accepted",
		slog.String("id", mail.ID),
		slog.Int("recipients", accepted),
		slog.String("queue_id", result.MessageID),
	)
	return result, nil
}

// sendMailFrom sends MAIL FROM with the parameters the server supports.
func (c *Client) sendMailFrom(mail *Mail) error {
	cmd := "MAIL FROM:<" + mail.Envelope.From + ">"

	if _, ok := c.extensions[ExtSize]; ok {
		// RFC 1870 Section 6: do not send what the server has declared too big.
		caps := capabilitiesOf(c.isESMTP, c.greeting, c.extensions)
		if caps.MaxSize > 0 && int64(len(mail.Content)) > caps.MaxSize {
			return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(mail.Content), caps.MaxSize)
		}
		cmd += " SIZE=" + strconv.Itoa(len(mail.Content))
	}

	// UTF-8 header fields are 8-bit content (RFC 6531 Section 3.1).
	if mail.Envelope.SMTPUTF8 {
		if _, ok := c.extensions[Ext8BitMIME]; ok {
			cmd += " BODY=8BITMIME"
		}
		if _, ok := c.extensions[ExtSMTPUTF8]; ok {
			cmd += " SMTPUTF8"
		}
	}

	resp, err := c.cmd("%s", cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %w", ErrSenderRejected, resp.Error())
	}
	return nil
}

func (c *Client) sendRcptTo(addr string) RecipientResult {
	result := RecipientResult{Address: addr}

	resp, err := c.cmd("RCPT TO:<%s>", addr)
	if err != nil {
		result.Error = err
		return result
	}

	result.Response = resp
	if resp.IsSuccess() {
		result.Accepted = true
	} else if err := resp.Error(); err != nil {
		result.Error = err
	} else {
		result.Error = fmt.Errorf("%w: RCPT %d", ErrUnexpectedResponse, resp.Code)
	}
	return result
}

// sendWithDATA transmits content after DATA (RFC 5321 Section 4.1.1.4).
func (c *Client) sendWithDATA(data []byte) (*ClientResponse, error) {
	resp, err := c.cmd("DATA")
	if err != nil {
		return nil, err
	}
	if resp.Code != 354 {
		if smtpErr := resp.Error(); smtpErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataFailed, smtpErr)
		}
		return nil, fmt.Errorf("%w: expected 354, got %d", ErrDataFailed, resp.Code)
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return nil, err
		}
	}

	stuffed := dotStuff(data)
	if _, err := c.writer.Write(stuffed); err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(stuffed, []byte("\r\n")) {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return nil, err
		}
	}
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	c.logger.Debug("C: <message data>", slog.Int("bytes", len(stuffed)))

	resp, err = c.readResponse()
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, fmt.Errorf("%w: %w", ErrDataFailed, resp.Error())
	}
	return resp, nil
}

// dotStuff doubles a leading '.' on every line (RFC 5321 Section 4.5.2).
func dotStuff(data []byte) []byte {
	count := 0
	if len(data) > 0 && data[0] == '.' {
		count++
	}
	count += bytes.Count(data, []byte("\n."))
	if count == 0 {
		return data
	}

	out := make([]byte, 0, len(data)+count)
	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			out = append(out, '.')
		}
		out = append(out, b)
		atLineStart = b == '\n'
	}
	return out
}

// extractMessageID pulls a queue identifier out of a 250 reply, as in
// "250 2.0.0 Ok: queued as 4F3K2" or "250 OK id=1abcD".
func extractMessageID(msg string) string {
	msg = strings.TrimSpace(msg)

	if start := strings.Index(msg, "<"); start != -1 {
		if end := strings.Index(msg[start:], ">"); end != -1 {
			return msg[start : start+end+1]
		}
	}

	lower := strings.ToLower(msg)
	for _, marker := range []string{"queued as ", "id="} {
		if idx := strings.Index(lower, marker); idx != -1 {
			if parts := strings.Fields(msg[idx+len(marker):]); len(parts) > 0 {
				return parts[0]
			}
		}
	}
	return ""
}
