package sharing

import (
	"context"
	"errors"
	"time"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/peer"
	"github.com/awnumar/memguard"
)

// ReceiverResult is the outcome of a successful handshake
type ReceiverResult struct {
	// Grant is the received key wrapped under the receiver's password, as
	// stored by the sharer
	Grant *credvault.SharingGrant

	// Keys holds the received master key, unlocked
	Keys *credvault.MasterKeyVault
}

// Receiver is the side asking for the key. A Receiver runs one handshake.
type Receiver struct {
	*machine
	identity  string
	password  []byte
	transport Transport

	newChallenge func() ([]byte, error)
	sign         func(key, challenge []byte) []byte

	// discarded sees the received keys once a failed handshake locked them
	discarded func(keys *credvault.MasterKeyVault)
}

// NewReceiver prepares a handshake for identity. The received key will be
// wrapped under password; the caller keeps ownership of password.
func NewReceiver(identity string, password []byte, transport Transport, cfg Config) (*Receiver, error) {
	if err := credvault.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if err := credvault.ValidatePassword(password); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("sharing: transport is required")
	}
	return &Receiver{
		machine:      newMachine("receiver", cfg.withDefaults()),
		identity:     identity,
		password:     password,
		transport:    transport,
		newChallenge: NewChallenge,
		sign:         Sign,
	}, nil
}

// Join enters room and runs the handshake until the grant is confirmed or
// rejected. The transport is closed on return.
func (r *Receiver) Join(ctx context.Context, room string) (*ReceiverResult, error) {
	if err := r.begin(Idle, AwaitingPeer); err != nil {
		return nil, err
	}
	defer r.transport.Close()

	joinCtx, cancel := context.WithTimeout(ctx, r.cfg.PeerJoinTimeout)
	err := r.transport.JoinRoom(joinCtx, room)
	cancel()
	if err != nil {
		return nil, r.fail(stepErr(ctx, err))
	}
	r.log.Info("joined room", "room", room)

	connCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	conn, err := r.transport.Connect(connCtx, false)
	cancel()
	if err != nil {
		return nil, r.fail(stepErr(ctx, err))
	}
	defer conn.Close()
	r.transition(Connected)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	in := r.receive(loopCtx, conn)

	if err := r.send(ctx, conn, UserInfo{Identity: r.identity}); err != nil {
		return nil, r.fail(err)
	}

	timer := time.NewTimer(r.cfg.ApprovalTimeout)
	defer timer.Stop()

	// keys holds the received key from masterKey until the handshake ends
	var keys *credvault.MasterKeyVault
	var grant *credvault.SharingGrant
	failed := func(err error) (*ReceiverResult, error) {
		if keys != nil {
			keys.Lock()
			if r.discarded != nil {
				r.discarded(keys)
			}
		}
		return nil, r.fail(err)
	}

	for {
		select {
		case <-ctx.Done():
			return failed(ctx.Err())

		case <-timer.C:
			return failed(ErrHandshakeTimeout)

		case ev := <-in:
			if ev.err != nil {
				return failed(ev.err)
			}

			switch m := ev.msg.(type) {
			case MasterKey:
				if r.State() != Connected {
					memguard.WipeBytes(m.Key)
					r.ignore(m)
					continue
				}
				var err error
				keys, grant, err = r.accept(ctx, conn, m.Key)
				if err != nil {
					return failed(err)
				}
				r.transition(Verifying)
				resetTimer(timer, r.cfg.ConfirmationTimeout)

			case Confirmation:
				switch r.State() {
				case Connected:
					if m.Success {
						r.ignore(m)
						continue
					}
					return failed(ErrDeclined)
				case Verifying:
					if !m.Success {
						return failed(ErrVerificationFailed)
					}
					r.transition(Granted)
					r.log.Info("grant confirmed")
					return &ReceiverResult{Grant: grant, Keys: keys}, nil
				}

			case UserInfo, Verification:
				r.ignore(m)
			}
		}
	}
}

// accept signs a fresh challenge with the received key, wraps the key under
// the receiver's password and sends the verification. key is wiped.
func (r *Receiver) accept(ctx context.Context, conn peer.Conn, key []byte) (*credvault.MasterKeyVault, *credvault.SharingGrant, error) {
	defer memguard.WipeBytes(key)

	challenge, err := r.newChallenge()
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(challenge)
	signature := r.sign(key, challenge)
	defer memguard.WipeBytes(signature)

	keys, err := credvault.NewMasterKeyVault(r.cfg.Vault)
	if err != nil {
		return nil, nil, err
	}
	if err := keys.Import(key); err != nil {
		return nil, nil, err
	}
	env, err := keys.WrapFor(r.password)
	if err != nil {
		keys.Lock()
		return nil, nil, err
	}

	grant := &credvault.SharingGrant{ReceiverIdentity: r.identity, Envelope: *env}
	err = r.send(ctx, conn, Verification{
		Challenge: challenge,
		Signature: signature,
		Identity:  r.identity,
		Grant:     *env,
	})
	if err != nil {
		keys.Lock()
		return nil, nil, err
	}
	return keys, grant, nil
}
