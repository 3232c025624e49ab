package sharing

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout is returned when a handshake step did not finish
	// within its bound
	ErrHandshakeTimeout = errors.New("sharing: handshake timed out")

	// ErrVerificationFailed is the generic "could not verify" failure. It
	// covers a bad signature, a replayed challenge, an identity mismatch and
	// a negative confirmation alike.
	ErrVerificationFailed = errors.New("sharing: could not verify peer")

	// ErrDeclined is returned when the sharer refused the request
	ErrDeclined = errors.New("sharing: request declined")

	// ErrPeerClosed is returned when the peer went away mid-handshake
	ErrPeerClosed = errors.New("sharing: peer closed the session")

	// ErrMalformedMessage is returned for messages that cannot be decoded
	ErrMalformedMessage = errors.New("sharing: malformed message")

	// ErrSessionUsed is returned when a Sharer or Receiver is run twice
	ErrSessionUsed = errors.New("sharing: session already used")
)

// HandshakeError records where a handshake ended. Err is one of the
// sentinels above or a transport/storage error.
type HandshakeError struct {
	Role  string
	State State
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake failed in state %s: %v", e.Role, e.State, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsHandshakeError checks if an error is a handshake error
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}
