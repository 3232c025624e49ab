package sharing

import (
	"context"

	"github.com/absfs/credvault/peer"
	"github.com/absfs/credvault/signaling"
)

// Transport brings two devices into a room and connects them directly
type Transport interface {
	// CreateRoom opens a room and returns its id for out-of-band sharing
	CreateRoom(ctx context.Context) (string, error)

	// JoinRoom enters the room created by the other side
	JoinRoom(ctx context.Context, room string) error

	// WaitPeer blocks until the other side joined
	WaitPeer(ctx context.Context) error

	// Connect negotiates the direct connection. The room creator is the
	// initiator.
	Connect(ctx context.Context, initiator bool) (peer.Conn, error)

	// Close leaves the room
	Close() error
}

// SignalingTransport negotiates a QUIC peer connection through a signaling
// relay
type SignalingTransport struct {
	client *signaling.Client
	peer   peer.Config
}

var _ Transport = (*SignalingTransport)(nil)

// NewSignalingTransport wraps a connected relay client
func NewSignalingTransport(client *signaling.Client, cfg peer.Config) *SignalingTransport {
	return &SignalingTransport{client: client, peer: cfg}
}

func (t *SignalingTransport) CreateRoom(ctx context.Context) (string, error) {
	return t.client.CreateRoom(ctx)
}

func (t *SignalingTransport) JoinRoom(ctx context.Context, room string) error {
	return t.client.JoinRoom(ctx, room)
}

func (t *SignalingTransport) WaitPeer(ctx context.Context) error {
	return t.client.WaitPeer(ctx)
}

func (t *SignalingTransport) Connect(ctx context.Context, initiator bool) (peer.Conn, error) {
	if initiator {
		return peer.Listen(ctx, t.client, t.peer)
	}
	return peer.Dial(ctx, t.client, t.peer)
}

func (t *SignalingTransport) Close() error {
	return t.client.Close()
}
