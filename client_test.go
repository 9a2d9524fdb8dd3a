package sendmail

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/sendmail/smtptest"
)

func TestClientConfig_Defaults(t *testing.T) {
	config := DefaultClientConfig()

	if config.LocalName != "localhost" {
		t.Errorf("Expected LocalName 'localhost', got %q", config.LocalName)
	}
	if config.ReadTimeout != 0 || config.WriteTimeout != 0 {
		t.Error("Expected no timeouts by default")
	}
	if config.Logger == nil {
		t.Error("Expected a default logger")
	}
}

func TestClientResponse_Status(t *testing.T) {
	tests := []struct {
		code           int
		isSuccess      bool
		isIntermediate bool
		isError        bool
	}{
		{220, true, false, false},
		{250, true, false, false},
		{334, false, true, false},
		{354, false, true, false},
		{421, false, false, true},
		{550, false, false, true},
	}

	for _, tt := range tests {
		resp := &ClientResponse{Code: tt.code}

		if resp.IsSuccess() != tt.isSuccess {
			t.Errorf("Code %d: IsSuccess() = %v, want %v", tt.code, resp.IsSuccess(), tt.isSuccess)
		}
		if resp.IsIntermediate() != tt.isIntermediate {
			t.Errorf("Code %d: IsIntermediate() = %v, want %v", tt.code, resp.IsIntermediate(), tt.isIntermediate)
		}
		if (resp.Error() != nil) != tt.isError {
			t.Errorf("Code %d: Error() = %v, want error %v", tt.code, resp.Error(), tt.isError)
		}
	}
}

func TestSMTPError(t *testing.T) {
	err := &SMTPError{Code: 550, EnhancedCode: "5.1.1", Message: "Mailbox not found"}

	if !err.IsPermanent() {
		t.Error("Expected permanent error")
	}
	if err.IsTransient() {
		t.Error("Expected not transient")
	}
	if got := err.Error(); got != "SMTP 550 5.1.1: Mailbox not found" {
		t.Errorf("Error() = %q", got)
	}

	transient := &SMTPError{Code: 451, Message: "try later"}
	if !transient.IsTransient() || transient.IsPermanent() {
		t.Error("Expected transient error")
	}
	if got := transient.Error(); got != "SMTP 451: try later" {
		t.Errorf("Error() = %q", got)
	}
}

func TestClientResponse_ErrorStripsEnhancedCode(t *testing.T) {
	resp := &ClientResponse{Code: 550, EnhancedCode: "5.1.1", Message: "5.1.1 Recipient address rejected"}

	var smtpErr *SMTPError
	if !errors.As(resp.Error(), &smtpErr) {
		t.Fatalf("Expected *SMTPError, got %v", resp.Error())
	}
	if smtpErr.Message != "Recipient address rejected" {
		t.Errorf("Message = %q", smtpErr.Message)
	}
	if got := smtpErr.Error(); got != "SMTP 550 5.1.1: Recipient address rejected" {
		t.Errorf("Error() = %q", got)
	}

	plain := &ClientResponse{Code: 451, Message: "try later"}
	if got := plain.Error().Error(); got != "SMTP 451: try later" {
		t.Errorf("Error() = %q", got)
	}
}

func TestParseEnhancedCode(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"2.1.0 Ok", "2.1.0"},
		{"5.7.8 Authentication credentials invalid", "5.7.8"},
		{"4.4.2", "4.4.2"},
		{"Ok", ""},
		{"2.1 Ok", ""},
		{"a.b.c Ok", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseEnhancedCode(tt.msg); got != tt.want {
			t.Errorf("parseEnhancedCode(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestParseExtensions(t *testing.T) {
	exts := parseExtensions([]string{
		"mail.example.com greets you",
		"STARTTLS",
		"auth PLAIN LOGIN",
		"AUTH=LOGIN",
		"SIZE 10485760",
		"8BITMIME",
	})

	if _, ok := exts[ExtSTARTTLS]; !ok {
		t.Error("Expected STARTTLS")
	}
	if got := exts[ExtAuth]; got != "PLAIN LOGIN LOGIN" {
		t.Errorf("AUTH params = %q", got)
	}
	if got := exts[ExtSize]; got != "10485760" {
		t.Errorf("SIZE params = %q", got)
	}
	if _, ok := exts[Extension("MAIL.EXAMPLE.COM")]; ok {
		t.Error("Greeting line must not be parsed as an extension")
	}
	if len(parseExtensions([]string{"only greeting"})) != 0 {
		t.Error("Expected no extensions")
	}
}

func TestDotStuff(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello\r\n", "Hello\r\n"},
		{".hidden\r\n", "..hidden\r\n"},
		{"Hello\r\n.World\r\n", "Hello\r\n..World\r\n"},
		{"..already\r\n", "...already\r\n"},
		{".\r\n", "..\r\n"},
		{".line1\r\n.line2\r\n", "..line1\r\n..line2\r\n"},
		{"mid.dle\r\n", "mid.dle\r\n"},
	}

	for _, tt := range tests {
		result := dotStuff([]byte(tt.input))
		if string(result) != tt.expected {
			t.Errorf("dotStuff(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestExtractMessageID(t *testing.T) {
	tests := []struct {
		msg      string
		expected string
	}{
		{"queued as ABC123", "ABC123"},
		{"2.0.0 Ok: queued as DEF456", "DEF456"},
		{"Message accepted <123@server.com>", "<123@server.com>"},
		{"OK id=XYZ789 accepted", "XYZ789"},
		{"", ""},
		{"No id here", ""},
	}

	for _, tt := range tests {
		result := extractMessageID(tt.msg)
		if result != tt.expected {
			t.Errorf("extractMessageID(%q) = %q, want %q", tt.msg, result, tt.expected)
		}
	}
}

func TestClient_SelectAuthMechanism_PrefersPLAIN(t *testing.T) {
	config := DefaultClientConfig()
	config.Auth = &ClientAuth{Username: "user", Password: "pass"}
	client := &Client{config: config}

	tests := []struct {
		name         string
		serverMechs  []string
		expectedMech string
	}{
		{"PLAIN and LOGIN offered", []string{"PLAIN", "LOGIN"}, "PLAIN"},
		{"LOGIN listed first", []string{"LOGIN", "PLAIN"}, "PLAIN"},
		{"only LOGIN", []string{"LOGIN"}, "LOGIN"},
		{"lower case", []string{"login"}, "LOGIN"},
		{"neither supported", []string{"XOAUTH2", "CRAM-MD5"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if selected := client.selectAuthMechanism(tt.serverMechs); selected != tt.expectedMech {
				t.Errorf("Expected %q, got %q", tt.expectedMech, selected)
			}
		})
	}
}

func TestClient_SelectAuthMechanism_RespectsClientPreference(t *testing.T) {
	config := DefaultClientConfig()
	config.Auth = &ClientAuth{Username: "user", Password: "pass", Mechanisms: []string{"LOGIN", "PLAIN"}}
	client := &Client{config: config}

	if selected := client.selectAuthMechanism([]string{"PLAIN", "LOGIN"}); selected != "LOGIN" {
		t.Errorf("Expected LOGIN (client preference), got %q", selected)
	}
}

// scriptedServer answers client commands from a fixed script over a pipe.
// Each entry is the reply to send after reading one line; the first entry
// is sent unprompted.
func scriptedServer(t *testing.T, replies ...string) (net.Conn, <-chan []string) {
	t.Helper()
	client, server := net.Pipe()
	received := make(chan []string, 1)

	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		var lines []string
		for i, reply := range replies {
			if i > 0 {
				line, err := r.ReadString('\n')
				if err != nil {
					break
				}
				lines = append(lines, strings.TrimRight(line, "\r\n"))
			}
			if _, err := server.Write([]byte(reply)); err != nil {
				break
			}
		}
		received <- lines
	}()

	t.Cleanup(func() { _ = client.Close() })
	return client, received
}

func TestClient_MultilineResponse(t *testing.T) {
	conn, received := scriptedServer(t,
		"220 mx.test ESMTP\r\n",
		"250-mx.test\r\n250-SIZE 1000\r\n250 AUTH PLAIN\r\n",
		"221 2.0.0 Bye\r\n",
	)

	c := NewClient(conn, "mx.test", nil)
	require.NoError(t, c.Greet())
	assert.Equal(t, "mx.test ESMTP", c.Greeting())

	require.NoError(t, c.Hello())
	assert.True(t, c.IsESMTP())
	assert.True(t, c.HasExtension(ExtSize))
	assert.Equal(t, "PLAIN", c.Extensions()[ExtAuth])
	assert.Equal(t, []string{"mx.test", "SIZE 1000", "AUTH PLAIN"}, c.LastResponse().Lines)

	require.NoError(t, c.Quit())
	assert.Equal(t, []string{"EHLO localhost", "QUIT"}, <-received)

	assert.ErrorIs(t, c.Noop(), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestClient_HeloFallback(t *testing.T) {
	conn, received := scriptedServer(t,
		"220 old.test\r\n",
		"502 5.5.2 Command not recognized\r\n",
		"250 old.test\r\n",
	)

	c := NewClient(conn, "old.test", &ClientConfig{LocalName: "client.test"})
	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())
	assert.False(t, c.IsESMTP())
	assert.Empty(t, c.Extensions())
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"EHLO client.test", "HELO client.test"}, <-received)
}

func TestClient_GreetingRejected(t *testing.T) {
	conn, _ := scriptedServer(t, "554 5.3.2 No service\r\n")

	c := NewClient(conn, "mx.test", nil)
	err := c.Greet()

	var smtpErr *SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 554, smtpErr.Code)
	assert.Equal(t, "5.3.2", smtpErr.EnhancedCode)
	assert.Equal(t, "No service", smtpErr.Message)
}

func TestClient_MalformedResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"too short", "22\r\n"},
		{"not a number", "abc hello\r\n"},
		{"inconsistent codes", "250-first\r\n251 second\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := scriptedServer(t, tt.reply)
			c := NewClient(conn, "mx.test", nil)
			assert.ErrorIs(t, c.Greet(), ErrUnexpectedResponse)
		})
	}
}

func TestClient_ConnectionClosedByServer(t *testing.T) {
	client, server := net.Pipe()
	require.NoError(t, server.Close())

	c := NewClient(client, "mx.test", nil)
	assert.Error(t, c.Greet())
}

func TestClient_StartTLSNotAdvertised(t *testing.T) {
	conn, _ := scriptedServer(t,
		"220 mx.test\r\n",
		"250 mx.test\r\n",
	)

	c := NewClient(conn, "mx.test", nil)
	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())
	assert.ErrorIs(t, c.StartTLS(), ErrTLSNotSupported)
}

func TestClient_AuthCancelledOnBadChallenge(t *testing.T) {
	conn, received := scriptedServer(t,
		"220 mx.test\r\n",
		"250-mx.test\r\n250 AUTH LOGIN\r\n",
		"334 VXNlcm5hbWU6\r\n",
		"334 UGFzc3dvcmQ6\r\n",
		"334 RXh0cmE=\r\n",
		"501 5.7.0 Cancelled\r\n",
	)

	config := DefaultClientConfig()
	config.Auth = &ClientAuth{Username: "alice", Password: "secret"}
	c := NewClient(conn, "mx.test", config)
	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())

	err := c.Auth()
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, c.IsAuthenticated())
	require.NoError(t, c.Close())

	lines := <-received
	require.Len(t, lines, 5)
	assert.Equal(t, "AUTH LOGIN", lines[1])
	assert.Equal(t, "*", lines[4])
}

func TestClient_AuthRequiresCredentials(t *testing.T) {
	conn, _ := scriptedServer(t, "220 mx.test\r\n")
	c := NewClient(conn, "mx.test", nil)
	assert.Error(t, c.Auth())
}

func TestClient_SendOverSession(t *testing.T) {
	s, err := smtptest.Start(smtptest.WithCredentials("alice", "secret"))
	require.NoError(t, err)
	defer s.Close()

	conn, err := net.DialTimeout("tcp", s.Addr(), 5*time.Second)
	require.NoError(t, err)

	config := DefaultClientConfig()
	config.TLSConfig = NewTLSConfig("", false)
	config.TLSConfig.RootCAs = s.CertPool()
	config.Auth = &ClientAuth{Username: "alice", Password: "secret"}
	config.ReadTimeout = 5 * time.Second
	config.WriteTimeout = 5 * time.Second

	c := NewClient(conn, s.Host(), config)
	defer c.Close()

	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())
	require.NoError(t, c.StartTLS())
	assert.True(t, c.IsTLS())
	assert.Empty(t, c.Extensions(), "extensions must be cleared after STARTTLS")
	assert.ErrorIs(t, c.StartTLS(), ErrTLSAlreadyActive)
	require.NoError(t, c.Hello())
	require.NoError(t, c.Auth())
	assert.True(t, c.IsAuthenticated())

	mail, err := (&Message{
		From: "alice@example.com",
		To:   []string{"bob@example.org"},
		Body: ".starts with a dot\n..two dots\n.",
	}).Build()
	require.NoError(t, err)

	result, err := c.Send(mail)
	require.NoError(t, err)
	assert.Equal(t, "SMTPTEST1", result.MessageID)
	require.Len(t, result.RecipientResults, 1)
	assert.True(t, result.RecipientResults[0].Accepted)

	require.NoError(t, c.Noop())
	require.NoError(t, c.Reset())
	require.NoError(t, c.Quit())

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, string(mail.Content), string(msgs[0].Data))
	assert.Contains(t, msgs[0].MailParams, "SIZE="+strconv.Itoa(len(mail.Content)))
}

func plainClient(t *testing.T, s *smtptest.Server) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 5*time.Second)
	require.NoError(t, err)
	c := NewClient(conn, s.Host(), nil)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())
	return c
}

func TestClient_SendSkipsRefusedRecipients(t *testing.T) {
	s, err := smtptest.Start(smtptest.WithoutSTARTTLS(), smtptest.WithRejectedRecipients("carol@example.org"))
	require.NoError(t, err)
	defer s.Close()

	c := plainClient(t, s)

	mail, err := (&Message{
		From: "alice@example.com",
		To:   []string{"bob@example.org", "carol@example.org", "dave@example.net"},
		Body: "x",
	}).Build()
	require.NoError(t, err)

	result, err := c.Send(mail)
	require.NoError(t, err)

	require.Len(t, result.RecipientResults, 3)
	assert.True(t, result.RecipientResults[0].Accepted)
	assert.False(t, result.RecipientResults[1].Accepted)
	assert.True(t, result.RecipientResults[2].Accepted)

	var smtpErr *SMTPError
	require.ErrorAs(t, result.RecipientResults[1].Error, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	require.NoError(t, c.Quit())
	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "RCPT", "RCPT", "DATA", "QUIT"}, s.Verbs())

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"bob@example.org", "dave@example.net"}, msgs[0].To)
}

func TestClient_SendFailsWhenAllRecipientsRefused(t *testing.T) {
	s, err := smtptest.Start(smtptest.WithoutSTARTTLS(),
		smtptest.WithRejectedRecipients("bob@example.org", "carol@example.org"))
	require.NoError(t, err)
	defer s.Close()

	c := plainClient(t, s)

	mail, err := (&Message{From: "alice@example.com", To: []string{"bob@example.org", "carol@example.org"}, Body: "x"}).Build()
	require.NoError(t, err)

	result, err := c.Send(mail)
	require.ErrorIs(t, err, ErrRecipientRejected)
	assert.Contains(t, err.Error(), "bob@example.org")

	var smtpErr *SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 550, smtpErr.Code)

	require.Len(t, result.RecipientResults, 2)
	assert.False(t, result.RecipientResults[0].Accepted)
	assert.False(t, result.RecipientResults[1].Accepted)

	require.NoError(t, c.Quit())
	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "RCPT", "RSET", "QUIT"}, s.Verbs())
	assert.Empty(t, s.Messages())
}

func TestClient_SendSMTPUTF8(t *testing.T) {
	s, err := smtptest.Start(smtptest.WithoutSTARTTLS())
	require.NoError(t, err)
	defer s.Close()

	conn, err := net.DialTimeout("tcp", s.Addr(), 5*time.Second)
	require.NoError(t, err)
	c := NewClient(conn, s.Host(), nil)
	defer c.Close()

	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())

	mail, err := (&Message{From: "jürgen@example.de", To: []string{"bob@example.org"}, Body: "x"}).Build()
	require.NoError(t, err)

	_, err = c.Send(mail)
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "jürgen@example.de", msgs[0].From)
	assert.Contains(t, msgs[0].MailParams, "SMTPUTF8")
	assert.Contains(t, msgs[0].MailParams, "BODY=8BITMIME")
}

func TestClient_Capabilities(t *testing.T) {
	conn, _ := scriptedServer(t,
		"220 mx.test ESMTP\r\n",
		"250-mx.test\r\n250-STARTTLS\r\n250-AUTH PLAIN LOGIN\r\n250-SIZE 2048\r\n250-PIPELINING\r\n250 SMTPUTF8\r\n",
	)

	c := NewClient(conn, "mx.test", nil)
	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())

	caps := c.Capabilities()
	assert.True(t, caps.IsESMTP)
	assert.True(t, caps.TLS)
	assert.True(t, caps.Pipelining)
	assert.True(t, caps.SMTPUTF8)
	assert.False(t, caps.EightBitMIME)
	assert.Equal(t, int64(2048), caps.MaxSize)
	assert.True(t, caps.SupportsAuth("login"))
	assert.False(t, caps.SupportsAuth("CRAM-MD5"))
	assert.Equal(t, "mx.test ESMTP", caps.Greeting)
}

func TestClient_SendRefusesOversizedMessage(t *testing.T) {
	conn, received := scriptedServer(t,
		"220 mx.test ESMTP\r\n",
		"250-mx.test\r\n250 SIZE 10\r\n",
	)

	c := NewClient(conn, "mx.test", nil)
	require.NoError(t, c.Greet())
	require.NoError(t, c.Hello())

	_, err := c.Send(testMail(t))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"EHLO localhost"}, <-received)
}
