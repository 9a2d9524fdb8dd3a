// Package sendmail submits a single message to an SMTP server over a
// STARTTLS-protected connection.
//
// # Building a message
//
// A Message is rendered once into a Mail, which carries the SMTP envelope
// and the RFC 5322 content with CRLF line endings:
//
//	mail, err := (&sendmail.Message{
//	    From:    "Alice <alice@example.com>",
//	    To:      []string{"bob@example.org"},
//	    Subject: "Report",
//	    Body:    "<p>done</p>",
//	    Kind:    sendmail.KindHTML,
//	}).Build()
//
// # Sending
//
// A Dialer runs the whole exchange: greeting, EHLO, STARTTLS, EHLO again,
// AUTH when credentials are set, MAIL/RCPT/DATA and QUIT:
//
//	d := sendmail.NewDialer("smtp.example.com", 587)
//	d.TLSConfig = sendmail.NewTLSConfig("smtp.example.com", false)
//	d.Auth = &sendmail.ClientAuth{Username: "alice", Password: "secret"}
//	result, err := d.DialAndSend(ctx, mail)
//
// Servers that do not advertise STARTTLS are refused. Every recipient is
// offered; the message is delivered to those the server accepts, and the
// send fails only when all of them are refused.
//
// For finer control, wrap an existing connection with NewClient and drive
// Greet, Hello, StartTLS, Auth, Send and Quit directly.
package sendmail
