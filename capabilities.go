package sendmail

import (
	"log/slog"
	"maps"
	"strconv"
	"strings"
)

// ServerCapabilities summarises what the server advertised in its last
// EHLO reply.
type ServerCapabilities struct {
	IsESMTP             bool
	Greeting            string
	Extensions          map[Extension]string
	TLS                 bool
	Auth                []string
	MaxSize             int64 // 0 when SIZE carries no limit
	Pipelining          bool
	EightBitMIME        bool
	SMTPUTF8            bool
	EnhancedStatusCodes bool
}

// SupportsAuth checks if a specific auth mechanism is supported.
func (s *ServerCapabilities) SupportsAuth(mechanism string) bool {
	for _, m := range s.Auth {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// LogValue implements slog.LogValuer.
func (s *ServerCapabilities) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("esmtp", s.IsESMTP),
		slog.Bool("starttls", s.TLS),
	}
	if len(s.Auth) > 0 {
		attrs = append(attrs, slog.String("auth", strings.Join(s.Auth, " ")))
	}
	if s.MaxSize > 0 {
		attrs = append(attrs, slog.Int64("max_size", s.MaxSize))
	}
	attrs = append(attrs,
		slog.Bool("8bitmime", s.EightBitMIME),
		slog.Bool("smtputf8", s.SMTPUTF8),
	)
	return slog.GroupValue(attrs...)
}

// Capabilities returns the server's capabilities. Hello must be called first.
func (c *Client) Capabilities() *ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capabilitiesOf(c.isESMTP, c.greeting, c.extensions)
}

func capabilitiesOf(esmtp bool, greeting string, extensions map[Extension]string) *ServerCapabilities {
	caps := &ServerCapabilities{
		IsESMTP:    esmtp,
		Greeting:   greeting,
		Extensions: maps.Clone(extensions),
	}

	for ext, param := range extensions {
		switch ext {
		case ExtSTARTTLS:
			caps.TLS = true
		case ExtAuth:
			caps.Auth = strings.Fields(param)
		case ExtSize:
			if n, err := strconv.ParseInt(strings.TrimSpace(param), 10, 64); err == nil && n > 0 {
				caps.MaxSize = n
			}
		case ExtPipelining:
			caps.Pipelining = true
		case Ext8BitMIME:
			caps.EightBitMIME = true
		case ExtSMTPUTF8:
			caps.SMTPUTF8 = true
		case ExtEnhancedStatusCodes:
			caps.EnhancedStatusCodes = true
		}
	}
	return caps
}
