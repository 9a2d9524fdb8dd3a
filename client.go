package sendmail

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/sendmail/sasl"
)

// ClientConfig holds configuration for the SMTP client.
type ClientConfig struct {
	LocalName    string // Hostname for EHLO/HELO (default: "localhost")
	TLSConfig    *tls.Config
	Auth         *ClientAuth
	ReadTimeout  time.Duration // 0 = no per-response deadline
	WriteTimeout time.Duration // 0 = no per-command deadline
	Logger       *slog.Logger
}

// ClientAuth holds authentication credentials.
type ClientAuth struct {
	Username   string
	Password   string
	Mechanisms []string // Preferred SASL mechanisms (auto-select if empty)
}

// usable reports whether both halves of the credentials are present.
func (a *ClientAuth) usable() bool {
	return a != nil && a.Username != "" && a.Password != ""
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
// No timeouts are set: a silent server blocks the client until the
// connection deadline, if any, expires.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		LocalName: "localhost",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Client is an SMTP client bound to one connection.
type Client struct {
	config        *ClientConfig
	logger        *slog.Logger
	conn          net.Conn
	reader        *bufio.Reader
	writer        *bufio.Writer
	mu            sync.Mutex
	serverName    string
	extensions    map[Extension]string
	greeting      string
	isTLS         bool
	isESMTP       bool
	authenticated bool
	closed        bool
	lastResponse  *ClientResponse
}

// ClientResponse represents a parsed SMTP server response.
type ClientResponse struct {
	Code         int
	Message      string
	Lines        []string
	EnhancedCode string
}

// IsSuccess returns true if the response indicates success (2xx).
func (r *ClientResponse) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true if the response is intermediate (3xx).
func (r *ClientResponse) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// Error returns the response as an error if it indicates failure.
func (r *ClientResponse) Error() error {
	if r.IsSuccess() || r.IsIntermediate() {
		return nil
	}
	msg := r.Message
	if r.EnhancedCode != "" {
		msg = strings.TrimSpace(strings.TrimPrefix(msg, r.EnhancedCode))
	}
	return &SMTPError{
		Code:         r.Code,
		EnhancedCode: r.EnhancedCode,
		Message:      msg,
	}
}

// SMTPError represents an SMTP protocol error reply.
type SMTPError struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *SMTPError) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("SMTP %d %s: %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("SMTP %d: %s", e.Code, e.Message)
}

// IsPermanent returns true if this is a permanent failure (5xx).
func (e *SMTPError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTransient returns true if this is a transient failure (4xx).
func (e *SMTPError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

// NewClient wraps an established connection. serverName is used as the
// TLS server name when the TLS configuration does not set one.
func NewClient(conn net.Conn, serverName string, config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.LocalName == "" {
		config.LocalName = "localhost"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		config:     config,
		logger:     logger.With(slog.String("server", serverName)),
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		serverName: serverName,
		extensions: make(map[Extension]string),
	}
}

// Greet reads the server greeting (RFC 5321 Section 4.2: 220 reply).
func (c *Client) Greet() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	resp, err := c.readResponse()
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		if err := resp.Error(); err != nil {
			return err
		}
		return fmt.Errorf("%w: greeting %d", ErrUnexpectedResponse, resp.Code)
	}

	c.greeting = resp.Message
	return nil
}

// Hello sends EHLO, falling back to HELO for servers without ESMTP.
func (c *Client) Hello() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	resp, err := c.cmd("EHLO %s", c.config.LocalName)
	if err != nil {
		return err
	}

	if resp.IsSuccess() {
		c.isESMTP = true
		c.extensions = parseExtensions(resp.Lines)
		return nil
	}

	resp, err = c.cmd("HELO %s", c.config.LocalName)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Error()
	}

	c.isESMTP = false
	c.extensions = make(map[Extension]string)
	return nil
}

// StartTLS upgrades the connection to TLS (RFC 3207). The caller must
// issue Hello again afterwards; advertised extensions are discarded.
func (c *Client) StartTLS() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if c.isTLS {
		return ErrTLSAlreadyActive
	}
	if _, ok := c.extensions[ExtSTARTTLS]; !ok {
		return ErrTLSNotSupported
	}

	resp, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if resp.Code != 220 {
		if err := resp.Error(); err != nil {
			return err
		}
		return fmt.Errorf("%w: STARTTLS %d", ErrUnexpectedResponse, resp.Code)
	}

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = NewTLSConfig(c.serverName, false)
	}
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = c.serverName
	}

	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	state := tlsConn.ConnectionState()
	c.logger.Debug("tls established",
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
		slog.Bool("verified", !tlsConfig.InsecureSkipVerify),
	)

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS = true

	// Must re-send EHLO after STARTTLS
	c.extensions = make(map[Extension]string)
	c.isESMTP = false

	return nil
}

// Auth authenticates with the configured credentials using the best
// mechanism the server advertises.
func (c *Client) Auth() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if c.config.Auth == nil {
		return errors.New("smtp: no authentication credentials configured")
	}

	authExt, ok := c.extensions[ExtAuth]
	if !ok {
		return fmt.Errorf("%w: AUTH", ErrExtensionNotSupported)
	}

	mechanism := c.selectAuthMechanism(strings.Fields(authExt))
	if mechanism == "" {
		return ErrNoAuthMechanism
	}

	return c.authenticate(c.newSASLClient(mechanism))
}

// AuthWithMechanism authenticates using a specific SASL mechanism.
func (c *Client) AuthWithMechanism(mechanism string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if c.config.Auth == nil {
		return errors.New("smtp: no authentication credentials configured")
	}

	saslClient := c.newSASLClient(strings.ToUpper(mechanism))
	if saslClient == nil {
		return fmt.Errorf("smtp: unsupported authentication mechanism: %s", mechanism)
	}
	return c.authenticate(saslClient)
}

func (c *Client) newSASLClient(mechanism string) sasl.Client {
	switch mechanism {
	case "PLAIN":
		return sasl.NewPlainClient("", c.config.Auth.Username, c.config.Auth.Password)
	case "LOGIN":
		return sasl.NewLoginClient(c.config.Auth.Username, c.config.Auth.Password)
	default:
		return nil
	}
}

func (c *Client) selectAuthMechanism(serverMechanisms []string) string {
	preference := c.config.Auth.Mechanisms
	if len(preference) == 0 {
		preference = []string{"PLAIN", "LOGIN"}
	}

	for _, pref := range preference {
		for _, srv := range serverMechanisms {
			if strings.EqualFold(pref, srv) {
				return strings.ToUpper(pref)
			}
		}
	}
	return ""
}

// authenticate drives a SASL exchange (RFC 4954 Section 4).
func (c *Client) authenticate(saslClient sasl.Client) error {
	mech, ir, err := saslClient.Start()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	cmd := "AUTH " + mech
	if ir != nil {
		encoded := base64.StdEncoding.EncodeToString(ir)
		if encoded == "" {
			encoded = "="
		}
		cmd += " " + encoded
	}
	if err := c.writeLine(cmd, "AUTH "+mech+" <redacted>"); err != nil {
		return err
	}

	for {
		resp, err := c.readResponse()
		if err != nil {
			return err
		}

		switch {
		case resp.Code == 235:
			c.authenticated = true
			c.logger.Debug("authenticated", slog.String("mechanism", mech))
			return nil

		case resp.Code == 334:
			challenge, err := base64.StdEncoding.DecodeString(resp.Message)
			if err != nil {
				c.cancelAuth()
				return fmt.Errorf("%w: malformed challenge: %w", ErrAuthFailed, err)
			}
			reply, err := saslClient.Next(challenge)
			if err != nil {
				c.cancelAuth()
				return fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			if err := c.writeLine(base64.StdEncoding.EncodeToString(reply), "<redacted>"); err != nil {
				return err
			}

		default:
			if smtpErr := resp.Error(); smtpErr != nil {
				return fmt.Errorf("%w: %w", ErrAuthFailed, smtpErr)
			}
			return fmt.Errorf("%w: unexpected response %d", ErrAuthFailed, resp.Code)
		}
	}
}

// cancelAuth aborts a SASL exchange with "*" and drains the reply.
func (c *Client) cancelAuth() {
	if err := c.writeLine("*", ""); err == nil {
		_, _ = c.readResponse()
	}
}

// Reset sends the RSET command.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	return c.reset()
}

func (c *Client) reset() error {
	resp, err := c.cmd("RSET")
	if err != nil {
		return err
	}
	return resp.Error()
}

// Noop sends the NOOP command.
func (c *Client) Noop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	resp, err := c.cmd("NOOP")
	if err != nil {
		return err
	}
	return resp.Error()
}

// Quit sends the QUIT command and closes the connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	resp, err := c.cmd("QUIT")
	closeErr := c.close()
	if err != nil {
		return err
	}
	if err := resp.Error(); err != nil {
		return err
	}
	return closeErr
}

// Close closes the connection without sending QUIT. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.close()
}

func (c *Client) close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.conn.Close()
	c.reader = nil
	c.writer = nil
	return err
}

func (c *Client) check() error {
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		return ErrNoConnection
	}
	return nil
}

// HasExtension reports whether the server advertised ext in its last EHLO reply.
func (c *Client) HasExtension(ext Extension) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.extensions[ext]
	return ok
}

// Extensions returns a copy of the advertised extensions and their parameters.
func (c *Client) Extensions() map[Extension]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[Extension]string, len(c.extensions))
	maps.Copy(result, c.extensions)
	return result
}

// IsTLS reports whether the connection has been upgraded to TLS.
func (c *Client) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

// IsESMTP reports whether the server accepted EHLO.
func (c *Client) IsESMTP() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isESMTP
}

// IsAuthenticated reports whether AUTH succeeded.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Greeting returns the text of the server's 220 greeting.
func (c *Client) Greeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// LastResponse returns the most recent server response.
func (c *Client) LastResponse() *ClientResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// cmd writes a command and reads its response.
func (c *Client) cmd(format string, args ...any) (*ClientResponse, error) {
	line := fmt.Sprintf(format, args...)
	if err := c.writeLine(line, line); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// writeLine sends one line to the server. logged is what appears in the
// debug log; an empty string suppresses the entry.
func (c *Client) writeLine(line, logged string) error {
	if logged != "" {
		c.logger.Debug("C: " + logged)
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readResponse reads and parses a possibly multi-line server response.
func (c *Client) readResponse() (*ClientResponse, error) {
	if c.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return nil, err
		}
	}

	var lines []string
	var code int

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: connection closed by server", ErrUnexpectedResponse)
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		c.logger.Debug("S: " + line)

		if len(line) < 3 {
			return nil, fmt.Errorf("%w: line too short: %q", ErrUnexpectedResponse, line)
		}

		lineCode, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid code: %q", ErrUnexpectedResponse, line)
		}

		if code == 0 {
			code = lineCode
		} else if lineCode != code {
			return nil, fmt.Errorf("%w: inconsistent codes", ErrUnexpectedResponse)
		}

		message := ""
		if len(line) > 4 {
			message = line[4:]
		}
		lines = append(lines, message)

		// "250 " ends a reply, "250-" continues it
		if len(line) == 3 || line[3] == ' ' {
			break
		}
	}

	resp := &ClientResponse{
		Code:    code,
		Message: strings.Join(lines, "\n"),
		Lines:   lines,
	}
	if len(lines) > 0 {
		resp.EnhancedCode = parseEnhancedCode(lines[0])
	}

	c.lastResponse = resp
	return resp, nil
}

// parseEnhancedCode extracts an RFC 3463 status code ("X.Y.Z") from a
// response message.
func parseEnhancedCode(msg string) string {
	code, _, _ := strings.Cut(msg, " ")
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return ""
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return ""
		}
	}
	return code
}
