// Package sharing hands a vault's master key to a second device.
//
// A Sharer holds the unlocked key. It opens a room on the signaling relay
// and waits for a Receiver, which joins with the room id obtained out of
// band. Once the two are directly connected:
//
//	receiver -> userInfo{identity}
//	sharer   -> masterKey{key}                    (after Approve)
//	receiver -> verification{challenge, HMAC(key, challenge), grant, identity}
//	sharer   -> sharingConfirmation{success}
//
// The grant is the key wrapped under the receiver's password; the sharer
// stores it only after the signature checks out. Every step is bounded by a
// timeout and any failure ends in Rejected. Each side runs its handshake on
// a single goroutine; messages arriving in the wrong state are logged and
// dropped.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absfs/credvault/peer"
	"github.com/awnumar/memguard"
)

// inbound is one decoded message or the error that ended the connection
type inbound struct {
	msg Message
	err error
}

// machine holds the state shared by Sharer and Receiver
type machine struct {
	role string
	cfg  Config
	log  *slog.Logger

	mu    sync.Mutex
	state State
}

func newMachine(role string, cfg Config) *machine {
	return &machine{
		role: role,
		cfg:  cfg,
		log:  cfg.Logger.With("component", "sharing", "role", role),
	}
}

// State returns the current handshake state
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// begin moves from want to next, failing if the session was used already
func (m *machine) begin(want, next State) error {
	m.mu.Lock()
	if m.state != want {
		m.mu.Unlock()
		return ErrSessionUsed
	}
	m.state = next
	m.mu.Unlock()
	m.notify(want, next)
	return nil
}

func (m *machine) transition(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev != next {
		m.notify(prev, next)
	}
}

func (m *machine) notify(prev, next State) {
	m.log.Info("state changed", "from", prev, "to", next)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next)
	}
}

// fail moves to Rejected and wraps err with the state it happened in
func (m *machine) fail(err error) error {
	state := m.State()
	m.transition(Rejected)
	m.log.Warn("handshake failed", "state", state, "error", err)
	return &HandshakeError{Role: m.role, State: state, Err: err}
}

// stepErr turns an expired step deadline into ErrHandshakeTimeout while
// passing the caller's own cancellation through
func stepErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return ErrHandshakeTimeout
	}
	return err
}

// receive starts the reader for conn. It stops when ctx is done or the
// connection fails. Undecodable messages are dropped.
func (m *machine) receive(ctx context.Context, conn peer.Conn) <-chan inbound {
	ch := make(chan inbound, 4)
	go func() {
		for {
			data, err := conn.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					err = fmt.Errorf("%w: %v", ErrPeerClosed, err)
				}
				select {
				case ch <- inbound{err: err}:
				case <-ctx.Done():
				}
				return
			}

			msg, err := Decode(data)
			memguard.WipeBytes(data)
			if err != nil {
				m.log.Warn("dropping undecodable message", "size", len(data), "error", err)
				continue
			}
			select {
			case ch <- inbound{msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// send encodes msg onto conn and wipes the encoded bytes afterwards
func (m *machine) send(ctx context.Context, conn peer.Conn, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(data)
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Action(), err)
	}
	m.log.Debug("sent", "action", msg.Action())
	return nil
}

func (m *machine) ignore(msg Message) {
	m.log.Warn("ignoring message out of state", "action", msg.Action(), "state", m.State())
}
