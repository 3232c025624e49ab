package sharing

import (
	"context"
	"errors"
	"time"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/peer"
	"github.com/awnumar/memguard"
)

// SharerResult describes a completed share
type SharerResult struct {
	// Identity is the receiver whose grant was stored
	Identity string
}

// Sharer is the side that owns the master key. A Sharer runs one handshake.
type Sharer struct {
	*machine
	keys       *credvault.MasterKeyVault
	grants     credvault.GrantStore
	transport  Transport
	challenges *ChallengeCache
	room       string
}

// NewSharer prepares a handshake for the unlocked keys. Grants accepted
// during the handshake are written to grants.
func NewSharer(keys *credvault.MasterKeyVault, grants credvault.GrantStore, transport Transport, cfg Config) (*Sharer, error) {
	if keys == nil || keys.State() != credvault.Unlocked {
		return nil, credvault.ErrLocked
	}
	if grants == nil {
		return nil, credvault.ErrNilStore
	}
	if transport == nil {
		return nil, errors.New("sharing: transport is required")
	}
	cfg = cfg.withDefaults()
	challenges := cfg.Challenges
	if challenges == nil {
		challenges = NewChallengeCache(defaultChallengeTTL, nil)
	}
	return &Sharer{
		machine:    newMachine("sharer", cfg),
		keys:       keys,
		grants:     grants,
		transport:  transport,
		challenges: challenges,
	}, nil
}

// Open creates the room and returns its id for the receiver
func (s *Sharer) Open(ctx context.Context) (string, error) {
	if err := s.begin(Idle, AwaitingPeer); err != nil {
		return "", err
	}
	room, err := s.transport.CreateRoom(ctx)
	if err != nil {
		_ = s.transport.Close()
		return "", s.fail(err)
	}
	s.room = room
	s.log.Info("waiting for receiver", "room", room)
	return room, nil
}

// Room returns the id returned by Open
func (s *Sharer) Room() string {
	return s.room
}

// Wait runs the handshake after Open until the receiver was granted or
// rejected. The transport is closed on return.
func (s *Sharer) Wait(ctx context.Context) (*SharerResult, error) {
	if s.State() != AwaitingPeer {
		return nil, ErrSessionUsed
	}
	defer s.transport.Close()

	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.PeerJoinTimeout)
	err := s.transport.WaitPeer(joinCtx)
	cancel()
	if err != nil {
		return nil, s.fail(stepErr(ctx, err))
	}

	connCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.transport.Connect(connCtx, true)
	cancel()
	if err != nil {
		return nil, s.fail(stepErr(ctx, err))
	}
	defer conn.Close()
	s.transition(Connected)

	key, err := s.keys.ExportKey()
	if err != nil {
		return nil, s.fail(err)
	}
	defer memguard.WipeBytes(key)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	in := s.receive(loopCtx, conn)

	approvalDeadline := time.Now().Add(s.cfg.ApprovalTimeout)
	timer := time.NewTimer(s.cfg.ApprovalTimeout)
	defer timer.Stop()

	var identity string
	for {
		select {
		case <-ctx.Done():
			return nil, s.fail(ctx.Err())

		case <-timer.C:
			return nil, s.fail(ErrHandshakeTimeout)

		case ev := <-in:
			if ev.err != nil {
				return nil, s.fail(ev.err)
			}

			switch m := ev.msg.(type) {
			case UserInfo:
				if s.State() != Connected {
					s.ignore(m)
					continue
				}
				if err := credvault.ValidateIdentity(m.Identity); err != nil {
					s.reject(ctx, conn)
					return nil, s.fail(err)
				}
				ok, err := s.approve(ctx, m.Identity, approvalDeadline, timer)
				if err != nil {
					return nil, s.fail(err)
				}
				if !ok {
					s.reject(ctx, conn)
					return nil, s.fail(ErrDeclined)
				}
				identity = m.Identity
				if err := s.send(ctx, conn, MasterKey{Key: key}); err != nil {
					return nil, s.fail(err)
				}
				s.transition(Verifying)
				resetTimer(timer, s.cfg.VerificationTimeout)

			case Verification:
				if s.State() != Verifying {
					s.ignore(m)
					continue
				}
				if !s.verify(key, identity, m) {
					s.reject(ctx, conn)
					return nil, s.fail(ErrVerificationFailed)
				}
				grant := &credvault.SharingGrant{
					ReceiverIdentity: identity,
					Envelope:         m.Grant,
					CreatedAt:        time.Now().UTC(),
				}
				if err := s.grants.PutSharingGrant(ctx, grant); err != nil {
					s.reject(ctx, conn)
					return nil, s.fail(err)
				}
				if err := s.send(ctx, conn, Confirmation{Success: true}); err != nil {
					// the grant is stored; the receiver will learn of it on next login
					s.log.Warn("confirmation not delivered", "error", err)
				}
				s.transition(Granted)
				s.log.Info("grant stored", "receiver", identity)
				return &SharerResult{Identity: identity}, nil

			case MasterKey, Confirmation:
				s.ignore(m)
			}
		}
	}
}

// approve asks the Approve hook. The hook's ctx expires at deadline, the
// end of the approval step that timer also fires at.
func (s *Sharer) approve(ctx context.Context, identity string, deadline time.Time, timer *time.Timer) (bool, error) {
	if s.cfg.Approve == nil {
		return true, nil
	}
	approveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	done := make(chan answer, 1)
	go func() {
		ok, err := s.cfg.Approve(approveCtx, identity)
		done <- answer{ok, err}
	}()

	select {
	case a := <-done:
		return a.ok, a.err
	case <-timer.C:
		return false, ErrHandshakeTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// verify checks identity, signature and challenge freshness. Challenge and
// signature are wiped afterwards.
func (s *Sharer) verify(key []byte, identity string, m Verification) bool {
	defer memguard.WipeBytes(m.Challenge)
	defer memguard.WipeBytes(m.Signature)

	if m.Identity != identity {
		s.log.Warn("verification identity mismatch")
		return false
	}
	if len(m.Challenge) != ChallengeSize || !Verify(key, m.Challenge, m.Signature) {
		s.log.Warn("verification signature mismatch", "challenge_len", len(m.Challenge))
		return false
	}
	if !s.challenges.Record(m.Challenge) {
		s.log.Warn("verification challenge replayed")
		return false
	}
	if err := m.Grant.Validate(); err != nil {
		s.log.Warn("verification carried a malformed grant", "error", err)
		return false
	}
	return true
}

// reject tells the receiver the handshake failed; delivery is best effort
func (s *Sharer) reject(ctx context.Context, conn peer.Conn) {
	data, err := Encode(Confirmation{Success: false})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = conn.Send(sendCtx, data)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
