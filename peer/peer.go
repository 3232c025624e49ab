// Package peer establishes a direct, encrypted, message-oriented connection
// between two clients that first meet on a signaling channel.
//
// The initiator listens on a QUIC endpoint with a fresh self-signed
// certificate and publishes an offer (candidate addresses and the SHA-256
// fingerprint of its public key) through the signaling channel. The
// responder answers with its own fingerprint and dials. Each side pins the
// other's certificate to the fingerprint it received, so the relay can
// observe negotiation but cannot sit between the peers. Application
// messages then travel as length-prefixed frames on a single stream.
package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Conn is an ordered, reliable message connection to one peer
type Conn interface {
	// Send delivers one message
	Send(ctx context.Context, msg []byte) error

	// Receive blocks for the next message. After ctx expires during a
	// Receive the connection should be closed.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. The peer's Receive returns ErrClosed.
	Close() error
}

// Signaler carries negotiation payloads to the other peer. A
// *signaling.Client satisfies it.
type Signaler interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

var (
	// ErrClosed is returned once either side closed the connection
	ErrClosed = errors.New("peer: connection closed")

	// ErrFrameTooLarge is returned for messages above MaxFrameSize
	ErrFrameTooLarge = errors.New("peer: frame too large")

	// ErrFingerprintMismatch is returned when the remote certificate does
	// not match the fingerprint exchanged over signaling
	ErrFingerprintMismatch = errors.New("peer: certificate fingerprint mismatch")

	// ErrNoCandidates is returned when an offer carries no usable address
	ErrNoCandidates = errors.New("peer: no reachable candidate address")
)

const (
	alpnProtocol     = "credvault-peer/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 60 * time.Second
)

// Config configures both sides of a connection
type Config struct {
	// ListenAddr is the initiator's UDP listen address. Defaults to
	// "0.0.0.0:0".
	ListenAddr string

	// AdvertiseAddrs overrides the candidate addresses put in the offer.
	// By default the listener's address is advertised, expanded to every
	// local interface address when bound to an unspecified IP.
	AdvertiseAddrs []string

	// NegotiationTimeout bounds offer/answer exchange and connection setup.
	// Defaults to 30 seconds.
	NegotiationTimeout time.Duration

	// DialTimeout bounds a single dial attempt. Defaults to 5 seconds.
	DialTimeout time.Duration

	// CloseGrace is how long Close waits for the peer to close its side so
	// that a final message is not cut off. Defaults to 500ms.
	CloseGrace time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:0"
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}
