package sendmail

import "crypto/tls"

// NewTLSConfig returns the client TLS configuration used for STARTTLS.
// insecure disables certificate and host name verification.
func NewTLSConfig(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in via --insecure
	}
}
