package sasl

import (
	"bytes"
	"encoding/base64"
)

type plainClient struct {
	identity string
	username string
	password string
}

// NewPlainClient returns a PLAIN client. identity is the optional
// authorization identity and is usually empty.
// Use only over TLS - passwords are transmitted in clear text.
func NewPlainClient(identity, username, password string) Client {
	return &plainClient{identity: identity, username: username, password: password}
}

func (c *plainClient) Start() (string, []byte, error) {
	ir := make([]byte, 0, len(c.identity)+len(c.username)+len(c.password)+2)
	ir = append(ir, c.identity...)
	ir = append(ir, 0)
	ir = append(ir, c.username...)
	ir = append(ir, 0)
	ir = append(ir, c.password...)
	return "PLAIN", ir, nil
}

func (c *plainClient) Next(challenge []byte) ([]byte, error) {
	return nil, ErrUnexpectedChallenge
}

// Plain decodes PLAIN responses on the server side.
type Plain struct {
	creds *Credentials
	done  bool
}

// NewPlain creates a new PLAIN mechanism handler.
func NewPlain() *Plain {
	return &Plain{}
}

// Name returns "PLAIN".
func (p *Plain) Name() string {
	return "PLAIN"
}

// Start processes the initial response or requests credentials.
func (p *Plain) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		// Empty challenge per RFC 4954
		return "", false, nil
	}
	return p.processResponse(initialResponse)
}

// Next processes the client's response to the challenge.
func (p *Plain) Next(response string) (challenge string, done bool, err error) {
	return p.processResponse(response)
}

func (p *Plain) processResponse(response string) (challenge string, done bool, err error) {
	p.done = true
	if response == "*" {
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	// authzid NUL authcid NUL passwd
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

// Credentials returns the extracted credentials.
func (p *Plain) Credentials() *Credentials {
	return p.creds
}
