package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{{}, []byte("a"), bytes.Repeat([]byte{0xff}, 70000)}
	for _, m := range msgs {
		require.NoError(t, writeFrame(&buf, m))
	}
	for _, want := range msgs {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}
}

func TestFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// a forged header must not trigger a huge allocation
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = readFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := readFrame(truncated)
	require.Error(t, err)
}

func TestPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, b := Pipe()
	require.NoError(t, a.Send(ctx, []byte("ping")))
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))

	require.NoError(t, b.Send(ctx, []byte("pong")))
	require.NoError(t, b.Close())

	// queued messages survive close
	msg, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	_, err = a.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Send(ctx, []byte("x")), ErrClosed)
}

func TestPipe_SendCopies(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	defer a.Close()

	msg := []byte("secret")
	require.NoError(t, a.Send(ctx, msg))
	msg[0] = 'X'

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got))
}

// memSignaler is one end of an in-memory signaling channel
type memSignaler struct {
	in  <-chan []byte
	out chan<- []byte
}

func (s *memSignaler) Send(ctx context.Context, payload []byte) error {
	select {
	case s.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSignaler) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.in:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func signalerPair() (*memSignaler, *memSignaler) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	return &memSignaler{in: ba, out: ab}, &memSignaler{in: ab, out: ba}
}

func loopbackConfig() Config {
	return Config{
		ListenAddr:         "127.0.0.1:0",
		NegotiationTimeout: 10 * time.Second,
		CloseGrace:         50 * time.Millisecond,
	}
}

func TestQUIC_Loopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sigA, sigB := signalerPair()

	type result struct {
		conn Conn
		err  error
	}
	initiator := make(chan result, 1)
	go func() {
		c, err := Listen(ctx, sigA, loopbackConfig())
		initiator <- result{c, err}
	}()

	b, err := Dial(ctx, sigB, loopbackConfig())
	require.NoError(t, err)
	defer b.Close()

	r := <-initiator
	require.NoError(t, r.err)
	a := r.conn
	defer a.Close()

	require.NoError(t, a.Send(ctx, []byte("hello responder")))
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello responder", string(msg))

	big := bytes.Repeat([]byte{7}, 200000)
	require.NoError(t, b.Send(ctx, big))
	msg, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, msg))

	// a final message sent right before Close still arrives
	require.NoError(t, a.Send(ctx, []byte("bye")))
	go a.Close()
	msg, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(msg))

	_, err = b.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestQUIC_FingerprintMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sigA, sigB := signalerPair()

	// the relay swaps the initiator's fingerprint on the way through
	tampered := make(chan []byte, 8)
	forwarded := make(chan []byte, 8)
	sigA.out = tampered
	sigB.in = forwarded
	go func() {
		for {
			select {
			case p := <-tampered:
				var n negotiation
				if json.Unmarshal(p, &n) == nil && n.Kind == kindOffer {
					n.Fingerprint = strings.Repeat("0", len(n.Fingerprint))
					p, _ = json.Marshal(n)
				}
				forwarded <- p
			case <-ctx.Done():
				return
			}
		}
	}()

	listenCtx, listenCancel := context.WithCancel(ctx)
	defer listenCancel()
	go func() {
		c, err := Listen(listenCtx, sigA, loopbackConfig())
		if err == nil {
			_ = c.Close()
		}
	}()

	cfg := loopbackConfig()
	cfg.DialTimeout = 3 * time.Second
	_, err := Dial(ctx, sigB, cfg)
	require.Error(t, err)
}

func TestListen_SignalingFailure(t *testing.T) {
	conn, err := Listen(context.Background(), failingSignaler{}, Config{ListenAddr: "127.0.0.1:0"})
	require.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, conn)
}

func TestDial_NoCandidates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sigA, sigB := signalerPair()
	require.NoError(t, sendNegotiation(ctx, sigA, negotiation{Kind: kindOffer, Fingerprint: "ab"}))

	_, err := Dial(ctx, sigB, loopbackConfig())
	require.ErrorIs(t, err, ErrNoCandidates)
}

// failingSignaler refuses every send
type failingSignaler struct{}

func (failingSignaler) Send(context.Context, []byte) error { return ErrClosed }

func (failingSignaler) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
