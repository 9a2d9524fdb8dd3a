package sendmail

import "errors"

// Message errors.
var (
	ErrNoRecipients = errors.New("smtp: no recipients specified")
	ErrNoSender     = errors.New("smtp: no sender specified")
)

// Client errors.
var (
	ErrClientClosed          = errors.New("smtp: client closed")
	ErrNoConnection          = errors.New("smtp: no connection established")
	ErrExtensionNotSupported = errors.New("smtp: extension not supported by server")
	ErrAuthFailed            = errors.New("smtp: authentication failed")
	ErrNoAuthMechanism       = errors.New("smtp: no supported authentication mechanism available")
	ErrTLSAlreadyActive      = errors.New("smtp: TLS already active")
	ErrTLSNotSupported       = errors.New("smtp: STARTTLS not supported by server")
	ErrUnexpectedResponse    = errors.New("smtp: unexpected server response")
)

// Transaction errors.
var (
	ErrSenderRejected    = errors.New("smtp: sender rejected")
	ErrRecipientRejected = errors.New("smtp: recipient rejected")
	ErrDataFailed        = errors.New("smtp: DATA command failed")
	ErrMessageTooLarge   = errors.New("smtp: message exceeds server size limit")
)
