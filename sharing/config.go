package sharing

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/absfs/credvault"
)

// Default step bounds
const (
	DefaultPeerJoinTimeout     = 2 * time.Minute
	DefaultConnectTimeout      = 30 * time.Second
	DefaultApprovalTimeout     = 2 * time.Minute
	DefaultVerificationTimeout = 30 * time.Second
	DefaultConfirmationTimeout = 30 * time.Second

	defaultChallengeTTL = 10 * time.Minute
)

// Config bounds each handshake step and wires optional hooks
type Config struct {
	// PeerJoinTimeout bounds waiting for the other side in the room
	PeerJoinTimeout time.Duration

	// ConnectTimeout bounds direct connection setup
	ConnectTimeout time.Duration

	// ApprovalTimeout bounds the time from connecting until the key
	// arrives, including the sharer's Approve callback
	ApprovalTimeout time.Duration

	// VerificationTimeout bounds the sharer's wait for the verification
	VerificationTimeout time.Duration

	// ConfirmationTimeout bounds the receiver's wait for the confirmation
	ConfirmationTimeout time.Duration

	// Approve is asked by the sharer whether identity may receive the key.
	// Nil approves everyone.
	Approve func(ctx context.Context, identity string) (bool, error)

	// Challenges rejects reused challenges across sessions. Sharers create
	// a private cache when nil, so replays are only caught within that
	// one Sharer. Share a cache between Sharers to widen the window; it
	// lives in memory and does not survive the process.
	Challenges *ChallengeCache

	// Vault configures the receiver's MasterKeyVault and grant envelope
	// format. Nil uses credvault.DefaultConfig.
	Vault *credvault.Config

	// OnStateChange observes every transition. It runs on the handshake
	// goroutine and must not block.
	OnStateChange func(State)

	Logger *slog.Logger
}

// DefaultConfig returns the default step bounds
func DefaultConfig() Config {
	return Config{
		PeerJoinTimeout:     DefaultPeerJoinTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		ApprovalTimeout:     DefaultApprovalTimeout,
		VerificationTimeout: DefaultVerificationTimeout,
		ConfirmationTimeout: DefaultConfirmationTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PeerJoinTimeout <= 0 {
		c.PeerJoinTimeout = d.PeerJoinTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.VerificationTimeout <= 0 {
		c.VerificationTimeout = d.VerificationTimeout
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.Vault == nil {
		c.Vault = credvault.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}
