package sendmail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/synqronlabs/sendmail/utils"
)

// quitTimeout bounds the QUIT sent after a refused transaction.
const quitTimeout = 5 * time.Second

// ContextDialer opens network connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer runs a complete submission against one server: connect, STARTTLS,
// optional AUTH, one transaction, QUIT.
type Dialer struct {
	Host      string
	Port      int
	LocalName string // EHLO name (default: "localhost")

	// TLSConfig is used for STARTTLS. Nil verifies the server
	// certificate against the system roots for Host.
	TLSConfig *tls.Config

	// Auth is only used when both Username and Password are non-empty.
	Auth *ClientAuth

	// Timeout bounds the whole exchange. Zero waits indefinitely.
	Timeout time.Duration

	Logger    *slog.Logger
	NetDialer ContextDialer
}

// NewDialer creates a Dialer for host:port.
func NewDialer(host string, port int) *Dialer {
	return &Dialer{
		Host:      host,
		Port:      port,
		LocalName: "localhost",
		NetDialer: &net.Dialer{},
	}
}

// DialAndSend connects, upgrades to TLS, authenticates when credentials are
// configured, sends mail and quits. The connection is closed on every path.
func (d *Dialer) DialAndSend(ctx context.Context, mail *Mail) (*SendResult, error) {
	if mail == nil {
		return nil, ErrNoRecipients
	}

	host, err := utils.ASCIIHost(d.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", d.Host, err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	netDialer := d.NetDialer
	if netDialer == nil {
		netDialer = &net.Dialer{}
	}

	address := net.JoinHostPort(host, strconv.Itoa(d.Port))
	logger.Debug("dialing", slog.String("address", address))

	conn, err := netDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}

	// Unblock any pending read or write once the context is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	client := NewClient(conn, host, &ClientConfig{
		LocalName: d.LocalName,
		TLSConfig: d.TLSConfig,
		Auth:      d.Auth,
		Logger:    logger,
	})
	defer client.Close()

	result, err := d.session(client, mail)
	if err != nil {
		if ctx.Err() == nil && conversing(err) {
			// Still in step with the server: say goodbye, but do not wait long.
			quitBy := time.Now().Add(quitTimeout)
			if deadline, ok := ctx.Deadline(); ok && deadline.Before(quitBy) {
				quitBy = deadline
			}
			_ = conn.SetDeadline(quitBy)
			_ = client.Quit()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return result, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return result, err
	}
	return result, nil
}

// conversing reports whether err is a refusal the server replied with, so
// the session can still be ended with QUIT.
func conversing(err error) bool {
	var smtpErr *SMTPError
	return errors.As(err, &smtpErr) ||
		errors.Is(err, ErrTLSNotSupported) ||
		errors.Is(err, ErrExtensionNotSupported) ||
		errors.Is(err, ErrNoAuthMechanism) ||
		errors.Is(err, ErrMessageTooLarge)
}

func (d *Dialer) session(client *Client, mail *Mail) (*SendResult, error) {
	if err := client.Greet(); err != nil {
		return nil, err
	}
	if err := client.Hello(); err != nil {
		return nil, err
	}

	if !client.HasExtension(ExtSTARTTLS) {
		return nil, ErrTLSNotSupported
	}
	if err := client.StartTLS(); err != nil {
		return nil, err
	}
	if err := client.Hello(); err != nil {
		return nil, err
	}
	client.logger.Debug("server capabilities", slog.Any("caps", client.Capabilities()))

	if d.Auth.usable() {
		if err := client.Auth(); err != nil {
			return nil, err
		}
	}

	result, err := client.Send(mail)
	if err != nil {
		return result, err
	}

	// The message is already accepted; a failed QUIT does not undo that.
	_ = client.Quit()
	return result, nil
}
