// Package sasl implements the SASL mechanisms used for SMTP authentication
// (RFC 4954): PLAIN (RFC 4616) and LOGIN.
//
// Client types produce the responses a submitting client sends; Mechanism
// types decode those responses on the receiving side.
package sasl

import (
	"errors"
)

var (
	// ErrAuthenticationCancelled is returned when the client sends "*" to cancel authentication.
	ErrAuthenticationCancelled = errors.New("authentication cancelled")

	// ErrInvalidFormat is returned when the authentication data format is invalid.
	ErrInvalidFormat = errors.New("invalid authentication format")

	// ErrInvalidBase64 is returned when base64 decoding fails.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")

	// ErrUnexpectedChallenge is returned by a Client when the server keeps
	// challenging after the mechanism has nothing left to send.
	ErrUnexpectedChallenge = errors.New("unexpected server challenge")
)

// Client is the client half of a SASL exchange.
//
// Start returns the mechanism name and an optional initial response.
// Next is called with every decoded 334 challenge and returns the raw
// (not yet base64-encoded) reply.
type Client interface {
	Start() (mech string, ir []byte, err error)
	Next(challenge []byte) (response []byte, err error)
}

// Credentials represents authentication credentials from a SASL exchange.
type Credentials struct {
	AuthorizationID  string // Identity to act as (authzid)
	AuthenticationID string // Identity being authenticated (authcid)
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is the server half of a SASL exchange. Responses and
// challenges are base64 text as they appear on the SMTP wire.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}
