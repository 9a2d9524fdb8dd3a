package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/synqronlabs/sendmail"
)

// Exit codes.
const (
	exitOK          = 0
	exitNoBodyFile  = 1
	exitFailed      = 2
	exitBadBodyFile = 3
)

const envPrefix = "SENDMAIL"

// exitError carries the process exit code and the line written to stderr.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// usageError is reported with the command usage and exit code 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type options struct {
	server    string
	port      int
	username  string
	password  string
	from      string
	to        []string
	subject   string
	bodyFile  string
	html      bool
	insecure  bool
	timeout   time.Duration
	localName string
	verbose   bool
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	// netDialer and rootCAs are replaced in tests.
	netDialer sendmail.ContextDialer
	rootCAs   *x509.CertPool
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// run executes the command line and returns the process exit code.
func (a *app) run(args []string) int {
	cmd, err := a.command()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitFailed
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	args, err = expandRecipients(args)
	if err == nil {
		cmd.SetArgs(args)
		err = cmd.ExecuteContext(context.Background())
	}
	if err == nil {
		return exitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(a.stderr, exitErr.msg)
		return exitErr.code
	}

	// Anything else comes from flag parsing or validation.
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	fmt.Fprint(a.stderr, cmd.UsageString())
	return exitFailed
}

func (a *app) command() (*cobra.Command, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "sendmail --server HOST --from ADDR --to ADDR [ADDR...] --body-file PATH",
		Short:         "Send one email over SMTP with STARTTLS",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := resolveOptions(v, cmd.Flags())
			if err != nil {
				return &usageError{err: err}
			}
			return a.send(cmd.Context(), opts)
		},
	}

	localName, err := os.Hostname()
	if err != nil || localName == "" {
		localName = "localhost"
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.String("server", "", "SMTP server host (required)")
	f.Int("port", 587, "SMTP server port")
	f.String("username", "", "username for SMTP AUTH")
	f.String("password", "", "password for SMTP AUTH")
	f.String("from", "", "sender address (required)")
	f.StringArray("to", nil, "recipient address; repeat or list several (required)")
	f.String("subject", sendmail.DefaultSubject, "message subject")
	f.String("body-file", "", "file holding the message body (required)")
	f.Bool("html", false, "send the body as text/html")
	f.Bool("insecure", false, "skip TLS certificate and host name verification")
	f.Duration("timeout", 0, "limit for the whole send, 0 waits indefinitely")
	f.String("local-name", localName, "name sent with EHLO")
	f.BoolP("verbose", "v", false, "log the SMTP exchange to stderr")

	// --to is read from the flag itself so repeated values keep their order.
	var bindErr error
	f.VisitAll(func(fl *pflag.Flag) {
		if fl.Name != "to" && bindErr == nil {
			bindErr = v.BindPFlag(fl.Name, fl)
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("binding flags: %w", bindErr)
	}
	if err := v.BindEnv("to"); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	return cmd, nil
}

// expandRecipients lets --to take several values: every bare word after a
// --to value becomes another --to, until the next flag.
func expandRecipients(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	inTo := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(out, args[i:]...), nil
		case arg == "--to":
			if i+1 == len(args) || isFlag(args[i+1]) {
				return nil, errors.New("flag needs an argument: --to")
			}
			i++
			out = append(out, arg, args[i])
			inTo = true
		case strings.HasPrefix(arg, "--to="):
			out = append(out, arg)
			inTo = true
		case inTo && !isFlag(arg):
			out = append(out, "--to", arg)
		default:
			out = append(out, arg)
			inTo = false
		}
	}
	return out, nil
}

func isFlag(arg string) bool {
	return len(arg) > 1 && arg[0] == '-'
}

func resolveOptions(v *viper.Viper, flags *pflag.FlagSet) (*options, error) {
	port, err := cast.ToIntE(v.Get("port"))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", port)
	}

	timeout, err := cast.ToDurationE(v.Get("timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("invalid timeout: %s", timeout)
	}

	to, err := flags.GetStringArray("to")
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		to = strings.Fields(v.GetString("to"))
	}

	opts := &options{
		server:    strings.TrimSpace(v.GetString("server")),
		port:      port,
		username:  v.GetString("username"),
		password:  v.GetString("password"),
		from:      v.GetString("from"),
		to:        to,
		subject:   v.GetString("subject"),
		bodyFile:  v.GetString("body-file"),
		html:      v.GetBool("html"),
		insecure:  v.GetBool("insecure"),
		timeout:   timeout,
		localName: v.GetString("local-name"),
		verbose:   v.GetBool("verbose"),
	}

	var missing []string
	if opts.server == "" {
		missing = append(missing, "server")
	}
	if opts.from == "" {
		missing = append(missing, "from")
	}
	if len(opts.to) == 0 {
		missing = append(missing, "to")
	}
	if opts.bodyFile == "" {
		missing = append(missing, "body-file")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required flag(s) %q not set", missing)
	}
	return opts, nil
}

// send reads the body, builds the message and delivers it.
func (a *app) send(ctx context.Context, opts *options) error {
	body, err := readBody(opts.bodyFile)
	if err != nil {
		return err
	}

	kind := sendmail.KindPlain
	if opts.html {
		kind = sendmail.KindHTML
	}

	mail, err := (&sendmail.Message{
		From:    opts.from,
		To:      opts.to,
		Subject: opts.subject,
		Body:    body,
		Kind:    kind,
	}).Build()
	if err != nil {
		return &exitError{code: exitFailed, msg: "failed to send: " + err.Error()}
	}

	logger := a.logger(opts.verbose)

	tlsConfig := sendmail.NewTLSConfig("", opts.insecure)
	tlsConfig.RootCAs = a.rootCAs

	d := sendmail.NewDialer(opts.server, opts.port)
	d.LocalName = opts.localName
	d.TLSConfig = tlsConfig
	d.Timeout = opts.timeout
	d.Logger = logger
	if opts.username != "" && opts.password != "" {
		d.Auth = &sendmail.ClientAuth{Username: opts.username, Password: opts.password}
	}
	if a.netDialer != nil {
		d.NetDialer = a.netDialer
	}

	result, err := d.DialAndSend(ctx, mail)
	if err != nil {
		return &exitError{code: exitFailed, msg: "failed to send: " + err.Error()}
	}

	logger.Debug("send complete",
		slog.String("message_id", mail.ID),
		slog.String("queue_id", result.MessageID),
		slog.Int("recipients", len(result.RecipientResults)),
	)
	fmt.Fprintln(a.stdout, "send success")
	return nil
}

// readBody returns the body file as UTF-8 text.
func readBody(path string) (string, error) {
	shown := displayPath(path)
	data, err := os.ReadFile(path)
	if notFound(err) {
		return "", &exitError{code: exitNoBodyFile, msg: "Error: Body file not found: " + shown}
	}
	if err != nil {
		return "", &exitError{code: exitBadBodyFile, msg: fmt.Sprintf("Error: Cannot read body file: %s: %v", shown, err)}
	}
	if !utf8.Valid(data) {
		return "", &exitError{code: exitBadBodyFile, msg: fmt.Sprintf("Error: Cannot read body file: %s: invalid UTF-8", shown)}
	}
	return string(data), nil
}

// notFound reports errors meaning nothing exists at the path, including a
// path that runs through a regular file or a symlink loop.
func notFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ELOOP)
}

// displayPath drops empty and "." segments: "./a//b/" becomes "a/b".
// ".." is kept since it cannot be resolved without the file system.
func displayPath(path string) string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && seg != "." {
			segs = append(segs, seg)
		}
	}
	out := strings.Join(segs, "/")
	if strings.HasPrefix(path, "/") {
		return "/" + out
	}
	if out == "" {
		return "."
	}
	return out
}

func (a *app) logger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}
