// Package smtptest provides an in-process SMTP submission server for tests.
//
// The server speaks enough ESMTP to exercise a submission client end to
// end: STARTTLS with a generated certificate, AUTH PLAIN and LOGIN,
// MAIL/RCPT/DATA with dot-unstuffing, RSET, NOOP and QUIT. Every command
// and every accepted message is recorded for later inspection.
package smtptest

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/synqronlabs/sendmail/sasl"
)

// Message is one message accepted by the server.
type Message struct {
	From       string
	MailParams []string
	To         []string
	Data       []byte

	// TLS and AuthIdentity describe the session the message arrived on.
	TLS          bool
	AuthIdentity string
}

// Option configures a Server.
type Option func(*Server)

// WithoutSTARTTLS stops the server from advertising STARTTLS.
func WithoutSTARTTLS() Option {
	return func(s *Server) { s.noTLS = true }
}

// WithCredentials enables AUTH and requires it before MAIL FROM.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithAuthMechanisms limits the advertised SASL mechanisms.
// The default is PLAIN and LOGIN.
func WithAuthMechanisms(mechanisms ...string) Option {
	return func(s *Server) { s.mechanisms = mechanisms }
}

// WithRejectedRecipients makes RCPT TO fail with 550 for the given addresses.
func WithRejectedRecipients(addrs ...string) Option {
	return func(s *Server) {
		for _, a := range addrs {
			s.rejectRcpt[strings.ToLower(a)] = true
		}
	}
}

// WithRejectSender makes every MAIL FROM fail with 550.
func WithRejectSender() Option {
	return func(s *Server) { s.rejectMail = true }
}

// WithRejectData makes the server refuse message content after DATA.
func WithRejectData() Option {
	return func(s *Server) { s.rejectData = true }
}

// WithCertificate replaces the generated certificate.
func WithCertificate(cert tls.Certificate) Option {
	return func(s *Server) { s.cert = &cert }
}

// WithHostname sets the name used in the greeting and EHLO reply.
func WithHostname(hostname string) Option {
	return func(s *Server) { s.hostname = hostname }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is a running test SMTP server.
type Server struct {
	hostname   string
	username   string
	password   string
	mechanisms []string
	noTLS      bool
	rejectMail bool
	rejectData bool
	rejectRcpt map[string]bool
	cert       *tls.Certificate
	certPool   *x509.CertPool
	tlsConfig  *tls.Config
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string
	messages []Message
	closed   bool
}

// Start listens on 127.0.0.1 with an ephemeral port and serves in the
// background until Close.
func Start(opts ...Option) (*Server, error) {
	s := &Server{
		hostname:   "localhost",
		mechanisms: []string{"PLAIN", "LOGIN"},
		rejectRcpt: make(map[string]bool),
		conns:      make(map[net.Conn]struct{}),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !s.noTLS {
		if s.cert == nil {
			cert, pool, err := GenerateCertificate("localhost", "127.0.0.1")
			if err != nil {
				return nil, err
			}
			s.cert = &cert
			s.certPool = pool
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*s.cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the listening address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// CertPool returns a pool trusting the generated certificate, or nil if
// the certificate was supplied with WithCertificate or TLS is disabled.
func (s *Server) CertPool() *x509.CertPool {
	return s.certPool
}

// Commands returns every command line received, in order. SASL
// continuation lines are not included.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Verbs returns the upper-cased command verbs received, in order.
func (s *Server) Verbs() []string {
	cmds := s.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		verb, _, _ := strings.Cut(c, " ")
		out[i] = strings.ToUpper(verb)
	}
	return out
}

// Messages returns the accepted messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Close stops the listener, drops open sessions and waits for them to end.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// session is the per-connection protocol state.
type session struct {
	s        *Server
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	logger   *slog.Logger
	greeted  bool
	tls      bool
	identity string
	authed   bool
	from     *string
	params   []string
	rcpts    []string
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sess := &session{
		s:      s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: s.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}

	if err := sess.reply(220, s.hostname+" ESMTP smtptest"); err != nil {
		return
	}

	for {
		line, err := readLine(sess.reader, commandLineLimit)
		if err != nil {
			if errors.Is(err, errLineTooLong) || errors.Is(err, errBadLineEnding) {
				if sess.reply(500, "5.5.2 "+err.Error()) == nil {
					continue
				}
			}
			sess.logger.Debug("session ended", slog.Any("error", err))
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()
		sess.logger.Debug("C: " + line)

		verb, args, _ := strings.Cut(line, " ")
		if quit := sess.dispatch(strings.ToUpper(verb), strings.TrimSpace(args)); quit {
			return
		}
	}
}

// dispatch runs one command and reports whether the session is over.
func (ss *session) dispatch(verb, args string) bool {
	var err error
	switch verb {
	case "EHLO":
		err = ss.ehlo()
	case "HELO":
		ss.greeted = true
		ss.resetTransaction()
		err = ss.reply(250, ss.s.hostname)
	case "STARTTLS":
		return ss.startTLS() != nil
	case "AUTH":
		err = ss.auth(args)
	case "MAIL":
		err = ss.mail(args)
	case "RCPT":
		err = ss.rcpt(args)
	case "DATA":
		err = ss.data()
	case "RSET":
		ss.resetTransaction()
		err = ss.reply(250, "2.0.0 Ok")
	case "NOOP":
		err = ss.reply(250, "2.0.0 Ok")
	case "QUIT":
		_ = ss.reply(221, "2.0.0 Bye")
		return true
	default:
		err = ss.reply(500, "5.5.1 Command not recognized")
	}
	return err != nil
}

func (ss *session) ehlo() error {
	ss.greeted = true
	ss.resetTransaction()

	lines := []string{ss.s.hostname + " greets you"}
	if ss.s.tlsConfig != nil && !ss.tls {
		lines = append(lines, "STARTTLS")
	}
	if ss.s.authEnabled() && ss.tls {
		lines = append(lines, "AUTH "+strings.Join(ss.s.mechanisms, " "))
	}
	lines = append(lines, "SIZE 10485760", "8BITMIME", "SMTPUTF8", "ENHANCEDSTATUSCODES")
	return ss.replyLines(250, lines)
}

func (ss *session) startTLS() error {
	if ss.s.tlsConfig == nil || ss.tls {
		return ss.reply(502, "5.5.1 STARTTLS not available")
	}
	if err := ss.reply(220, "2.0.0 Ready to start TLS"); err != nil {
		return err
	}

	tlsConn := tls.Server(ss.conn, ss.s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		ss.logger.Debug("tls handshake failed", slog.Any("error", err))
		return err
	}

	ss.conn = tlsConn
	ss.reader = bufio.NewReader(tlsConn)
	ss.writer = bufio.NewWriter(tlsConn)
	ss.tls = true
	// RFC 3207 Section 4.2: forget everything learned before TLS.
	ss.greeted = false
	ss.authed = false
	ss.identity = ""
	ss.resetTransaction()
	return nil
}

func (s *Server) authEnabled() bool {
	return s.username != "" || s.password != ""
}

func (ss *session) auth(args string) error {
	if !ss.greeted {
		return ss.reply(503, "5.5.1 Send EHLO first")
	}
	if !ss.s.authEnabled() || !ss.tls {
		return ss.reply(502, "5.5.1 AUTH not available")
	}
	if ss.authed {
		return ss.reply(503, "5.5.1 Already authenticated")
	}

	name, ir, _ := strings.Cut(args, " ")
	name = strings.ToUpper(name)
	if !slices.Contains(ss.s.mechanisms, name) {
		return ss.reply(504, "5.5.4 Mechanism not supported")
	}

	var mech sasl.Mechanism
	switch name {
	case "PLAIN":
		mech = sasl.NewPlain()
	case "LOGIN":
		mech = sasl.NewLogin()
	default:
		return ss.reply(504, "5.5.4 Mechanism not supported")
	}

	challenge, done, err := mech.Start(ir)
	for err == nil && !done {
		if err = ss.reply(334, challenge); err != nil {
			return err
		}
		var resp string
		if resp, err = readLine(ss.reader, commandLineLimit); err != nil {
			return err
		}
		challenge, done, err = mech.Next(resp)
	}
	if errors.Is(err, sasl.ErrAuthenticationCancelled) {
		return ss.reply(501, "5.7.0 Authentication cancelled")
	}
	if err != nil {
		return ss.reply(535, "5.7.8 Authentication failed: "+err.Error())
	}

	creds := mech.Credentials()
	if creds.AuthenticationID != ss.s.username || creds.Password != ss.s.password {
		return ss.reply(535, "5.7.8 Authentication credentials invalid")
	}

	ss.authed = true
	ss.identity = creds.Identity()
	return ss.reply(235, "2.7.0 Authentication successful")
}

func (ss *session) mail(args string) error {
	if !ss.greeted {
		return ss.reply(503, "5.5.1 Send EHLO first")
	}
	if ss.from != nil {
		return ss.reply(503, "5.5.1 Sender already specified")
	}
	if ss.s.authEnabled() && !ss.authed {
		return ss.reply(530, "5.7.0 Authentication required")
	}

	addr, params, ok := parsePath(args, "FROM:")
	if !ok {
		return ss.reply(501, "5.5.4 Syntax: MAIL FROM:<address>")
	}
	if ss.s.rejectMail {
		return ss.reply(550, "5.7.1 Sender rejected")
	}

	ss.from = &addr
	ss.params = params
	return ss.reply(250, "2.1.0 Ok")
}

func (ss *session) rcpt(args string) error {
	if ss.from == nil {
		return ss.reply(503, "5.5.1 Need MAIL command")
	}

	addr, _, ok := parsePath(args, "TO:")
	if !ok || addr == "" {
		return ss.reply(501, "5.5.4 Syntax: RCPT TO:<address>")
	}
	if ss.s.rejectRcpt[strings.ToLower(addr)] {
		return ss.reply(550, "5.1.1 Recipient address rejected: User unknown")
	}

	ss.rcpts = append(ss.rcpts, addr)
	return ss.reply(250, "2.1.5 Ok")
}

func (ss *session) data() error {
	if len(ss.rcpts) == 0 {
		return ss.reply(503, "5.5.1 Need RCPT command")
	}
	if err := ss.reply(354, "End data with <CR><LF>.<CR><LF>"); err != nil {
		return err
	}

	var buf bytes.Buffer
	for {
		line, err := readLine(ss.reader, textLineLimit)
		if err != nil {
			return err
		}
		if line == "." {
			break
		}
		// RFC 5321 Section 4.5.2
		line = strings.TrimPrefix(line, ".")
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if ss.s.rejectData {
		ss.resetTransaction()
		return ss.reply(554, "5.6.0 Message content rejected")
	}

	msg := Message{
		From:         *ss.from,
		MailParams:   ss.params,
		To:           ss.rcpts,
		Data:         buf.Bytes(),
		TLS:          ss.tls,
		AuthIdentity: ss.identity,
	}

	ss.s.mu.Lock()
	ss.s.messages = append(ss.s.messages, msg)
	n := len(ss.s.messages)
	ss.s.mu.Unlock()

	ss.resetTransaction()
	return ss.reply(250, fmt.Sprintf("2.0.0 Ok: queued as SMTPTEST%d", n))
}

func (ss *session) resetTransaction() {
	ss.from = nil
	ss.params = nil
	ss.rcpts = nil
}

func (ss *session) reply(code int, msg string) error {
	return ss.replyLines(code, []string{msg})
}

func (ss *session) replyLines(code int, lines []string) error {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := ss.writer.WriteString(strconv.Itoa(code) + sep + l + "\r\n"); err != nil {
			return err
		}
	}
	return ss.writer.Flush()
}

// parsePath splits "FROM:<addr> PARAM..." into the address and parameters.
func parsePath(args, prefix string) (string, []string, bool) {
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(args[len(prefix):])
	if !strings.HasPrefix(rest, "<") {
		return "", nil, false
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, false
	}
	var params []string
	if fields := strings.Fields(rest[end+1:]); len(fields) > 0 {
		params = fields
	}
	return rest[1:end], params, true
}
