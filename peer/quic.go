package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// hello is the first frame on the stream; QUIC only announces a stream to
// the acceptor once data was written on it
var hello = []byte(alpnProtocol)

type negotiationKind string

const (
	kindOffer  negotiationKind = "offer"
	kindAnswer negotiationKind = "answer"
)

// negotiation is the payload carried by the signaling channel
type negotiation struct {
	Kind        negotiationKind `json:"kind"`
	Addrs       []string        `json:"addrs,omitempty"`
	Fingerprint string          `json:"fingerprint"`
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      idleTimeout / 3,
	}
}

// Listen is the initiator side. It opens a QUIC endpoint, publishes an offer
// through sig and returns once the responder has connected with the
// certificate it announced in its answer.
func Listen(ctx context.Context, sig Signaler, cfg Config) (Conn, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "peer", "role", "initiator")

	ctx, cancel := context.WithTimeout(ctx, cfg.NegotiationTimeout)
	defer cancel()

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ln, err := quic.ListenAddr(cfg.ListenAddr, serverTLSConfig(cert), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	success := false
	defer func() {
		if !success {
			_ = ln.Close()
		}
	}()

	addrs := cfg.AdvertiseAddrs
	if len(addrs) == 0 {
		addrs = candidateAddrs(ln.Addr())
	}
	if err := sendNegotiation(ctx, sig, negotiation{
		Kind:        kindOffer,
		Addrs:       addrs,
		Fingerprint: Fingerprint(cert.Leaf),
	}); err != nil {
		return nil, err
	}
	log.Debug("offer sent", "candidates", len(addrs))

	answer, err := awaitNegotiation(ctx, sig, kindAnswer, log)
	if err != nil {
		return nil, err
	}

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}

		certs := conn.ConnectionState().TLS.PeerCertificates
		if len(certs) == 0 || fingerprintMatches(certs[0].Raw, answer.Fingerprint) != nil {
			log.Warn("rejecting peer with unexpected certificate", "remote", conn.RemoteAddr().String())
			_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "fingerprint mismatch")
			continue
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, fmt.Errorf("accept stream: %w", err)
		}
		first, err := readFrame(stream)
		if err != nil || string(first) != string(hello) {
			_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "bad hello")
			return nil, fmt.Errorf("peer: unexpected opening frame")
		}

		success = true
		log.Info("peer connected", "remote", conn.RemoteAddr().String())
		return newQuicConn(conn, stream, ln, cfg), nil
	}
}

// Dial is the responder side. It waits for the initiator's offer on sig,
// answers with its own fingerprint and connects to the first reachable
// candidate address.
func Dial(ctx context.Context, sig Signaler, cfg Config) (Conn, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "peer", "role", "responder")

	ctx, cancel := context.WithTimeout(ctx, cfg.NegotiationTimeout)
	defer cancel()

	offer, err := awaitNegotiation(ctx, sig, kindOffer, log)
	if err != nil {
		return nil, err
	}
	if len(offer.Addrs) == 0 {
		return nil, ErrNoCandidates
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	if err := sendNegotiation(ctx, sig, negotiation{
		Kind:        kindAnswer,
		Fingerprint: Fingerprint(cert.Leaf),
	}); err != nil {
		return nil, err
	}

	tlsConf := clientTLSConfig(cert, offer.Fingerprint)
	var lastErr error
	for _, addr := range offer.Addrs {
		dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, err := quic.DialAddr(dialCtx, addr, tlsConf, quicConfig())
		dialCancel()
		if err != nil {
			log.Debug("candidate unreachable", "addr", addr, "error", err)
			lastErr = err
			continue
		}

		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, fmt.Errorf("open stream: %w", err)
		}
		if err := writeFrame(stream, hello); err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, err
		}

		log.Info("peer connected", "remote", addr)
		return newQuicConn(conn, stream, nil, cfg), nil
	}

	if errors.Is(lastErr, ErrFingerprintMismatch) {
		return nil, ErrFingerprintMismatch
	}
	return nil, fmt.Errorf("%w: %v", ErrNoCandidates, lastErr)
}

func sendNegotiation(ctx context.Context, sig Signaler, n negotiation) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := sig.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %s: %w", n.Kind, err)
	}
	return nil
}

// awaitNegotiation reads signals until one of the wanted kind arrives.
// Anything else is skipped.
func awaitNegotiation(ctx context.Context, sig Signaler, want negotiationKind, log *slog.Logger) (*negotiation, error) {
	for {
		payload, err := sig.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", want, err)
		}
		var n negotiation
		if err := json.Unmarshal(payload, &n); err != nil || n.Kind != want {
			log.Debug("ignoring signal", "want", want)
			continue
		}
		if n.Fingerprint == "" {
			return nil, fmt.Errorf("peer: %s without fingerprint", want)
		}
		return &n, nil
	}
}

// candidateAddrs lists where the responder may reach a listener bound to addr
func candidateAddrs(addr net.Addr) []string {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return []string{addr.String()}
	}
	if !udp.IP.IsUnspecified() {
		return []string{udp.String()}
	}

	port := strconv.Itoa(udp.Port)
	var out []string
	ifaceAddrs, _ := net.InterfaceAddrs()
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, net.JoinHostPort(ipNet.IP.String(), port))
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", port))
	}
	return out
}

// quicConn is a Conn over one bidirectional QUIC stream
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	ln     *quic.Listener // owned by the initiator, nil otherwise
	grace  time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newQuicConn(conn *quic.Conn, stream *quic.Stream, ln *quic.Listener, cfg Config) *quicConn {
	return &quicConn{conn: conn, stream: stream, ln: ln, grace: cfg.CloseGrace}
}

func (c *quicConn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.stream.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := writeFrame(c.stream, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.mapErr(err)
	}
	return nil
}

func (c *quicConn) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	_ = c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := readFrame(c.stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.mapErr(err)
	}
	return msg, nil
}

// Close finishes the stream, gives the peer a moment to drain it and then
// closes the connection
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
		select {
		case <-c.conn.Context().Done():
		case <-time.After(c.grace):
		}
		c.closeErr = c.conn.CloseWithError(0, "")
		if c.ln != nil {
			if err := c.ln.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

func (c *quicConn) mapErr(err error) error {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &appErr),
		errors.As(err, &idleErr):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
