package sasl

import (
	"encoding/base64"
)

const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// Base64-encoded challenge strings for LOGIN mechanism
const (
	// LoginChallengeUsername is "Username:" encoded in base64
	LoginChallengeUsername = "VXNlcm5hbWU6"
	// LoginChallengePassword is "Password:" encoded in base64
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

type loginClient struct {
	username string
	password string
	step     int
}

// NewLoginClient returns a LOGIN client. The server's prompts are not
// interpreted: the first challenge is answered with the username and the
// second with the password.
func NewLoginClient(username, password string) Client {
	return &loginClient{username: username, password: password}
}

func (c *loginClient) Start() (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (c *loginClient) Next(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return []byte(c.username), nil
	case 2:
		return []byte(c.password), nil
	default:
		return nil, ErrUnexpectedChallenge
	}
}

// Login decodes LOGIN responses on the server side.
// Deprecated by PLAIN; kept for legacy client compatibility.
type Login struct {
	state    int
	username string
	creds    *Credentials
}

// NewLogin creates a new LOGIN mechanism handler.
func NewLogin() *Login {
	return &Login{state: loginStateInitial}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// Start begins the exchange. An initial response, if any, is taken as the
// username (RFC 4954 allows "AUTH LOGIN <base64 user>").
func (l *Login) Start(initialResponse string) (challenge string, done bool, err error) {
	l.state = loginStateUsername
	if initialResponse != "" {
		return l.Next(initialResponse)
	}
	return LoginChallengeUsername, false, nil
}

// Next processes the client's response to a challenge.
func (l *Login) Next(response string) (challenge string, done bool, err error) {
	if response == "*" {
		l.state = loginStateDone
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		l.state = loginStateDone
		return "", true, ErrInvalidBase64
	}

	switch l.state {
	case loginStateUsername:
		l.username = string(decoded)
		l.state = loginStatePassword
		return LoginChallengePassword, false, nil

	case loginStatePassword:
		// LOGIN has no authzid
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.state = loginStateDone
		return "", true, nil

	default:
		l.state = loginStateDone
		return "", true, ErrInvalidFormat
	}
}

// Credentials returns the extracted credentials.
func (l *Login) Credentials() *Credentials {
	return l.creds
}
