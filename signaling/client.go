package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// DialOptions configures a Client connection
type DialOptions struct {
	// Token is sent as a bearer token
	Token string

	// Origin is the websocket origin header. Defaults to http://localhost.
	Origin string

	Logger *slog.Logger
}

// Client is one member's connection to a Relay
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	replies chan Frame      // room_created and error frames
	signals chan Frame      // deduplicated signal frames
	joined  chan struct{}   // closed when the room has two members
	left    chan struct{}   // closed when the other member disconnected
	done    chan struct{}   // closed when the reader exits
	seen    map[string]bool // signal ids already delivered

	mu        sync.Mutex
	room      string
	joinOnce  sync.Once
	leftOnce  sync.Once
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the relay at url (ws:// or wss://)
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	origin := opts.Origin
	if origin == "" {
		origin = "http://localhost"
	}
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("signaling: %w", err)
	}
	if opts.Token != "" {
		cfg.Header = http.Header{}
		cfg.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		var derr *websocket.DialError
		if errors.As(err, &derr) && errors.Is(derr.Err, websocket.ErrBadStatus) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		conn:    conn,
		log:     logger.With("component", "signaling_client"),
		replies: make(chan Frame, 4),
		signals: make(chan Frame, 64),
		joined:  make(chan struct{}),
		left:    make(chan struct{}),
		done:    make(chan struct{}),
		seen:    make(map[string]bool),
	}
	go c.read()
	return c, nil
}

// Room returns the current room id, empty before CreateRoom or JoinRoom
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// CreateRoom opens a new room and returns its id
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	if err := c.write(ctx, Frame{Type: FrameCreateRoom}); err != nil {
		return "", err
	}
	f, err := c.reply(ctx)
	if err != nil {
		return "", err
	}
	if f.Type != FrameRoomCreated {
		return "", fmt.Errorf("signaling: unexpected %s frame", f.Type)
	}

	c.mu.Lock()
	c.room = f.Room
	c.mu.Unlock()
	c.log.Info("room created", "room", f.Room)
	return f.Room, nil
}

// JoinRoom joins an existing room and returns once both members are present
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if err := c.write(ctx, Frame{Type: FrameJoinRoom, Room: roomID}); err != nil {
		return err
	}
	select {
	case <-c.joined:
		c.mu.Lock()
		c.room = roomID
		c.mu.Unlock()
		return nil
	case f := <-c.replies:
		return frameError(f)
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitPeer blocks until a second member joined the room
func (c *Client) WaitPeer(ctx context.Context) error {
	select {
	case <-c.joined:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send relays payload to the other member. A fresh id is attached so the
// receiver can drop duplicates.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.SendWithID(ctx, uuid.NewString(), payload)
}

// SendWithID relays payload under a caller-chosen id. Resending the same
// id is delivered at most once.
func (c *Client) SendWithID(ctx context.Context, id string, payload []byte) error {
	if !json.Valid(payload) {
		return errors.New("signaling: payload must be valid JSON")
	}
	return c.write(ctx, Frame{Type: FrameSignal, ID: id, Payload: payload})
}

// Receive returns the next signal payload from the other member
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.signals:
		return f.Payload, nil
	case <-c.left:
		// deliver anything that arrived before the peer left
		select {
		case f := <-c.signals:
			return f.Payload, nil
		default:
			return nil, ErrPeerLeft
		}
	case <-c.done:
		select {
		case f := <-c.signals:
			return f.Payload, nil
		default:
			return nil, c.closedErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects from the relay. The room is closed for the other member.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) reply(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.replies:
		if f.Type == FrameError {
			return Frame{}, frameError(f)
		}
		return f, nil
	case <-c.done:
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := websocket.JSON.Send(c.conn, f); err != nil {
		return fmt.Errorf("signaling: send %s: %w", f.Type, err)
	}
	return nil
}

// read dispatches incoming frames until the connection closes
func (c *Client) read() {
	defer close(c.done)

	for {
		var f Frame
		if err := websocket.JSON.Receive(c.conn, &f); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		switch f.Type {
		case FrameRoomCreated, FrameError:
			select {
			case c.replies <- f:
			default:
				c.log.Warn("dropping unsolicited relay reply", "type", f.Type)
			}
		case FramePeerJoined:
			c.joinOnce.Do(func() { close(c.joined) })
		case FramePeerLeft:
			c.leftOnce.Do(func() { close(c.left) })
		case FrameSignal:
			if c.seen[f.ID] {
				c.log.Debug("dropping duplicate signal", "id", f.ID)
				continue
			}
			c.seen[f.ID] = true
			select {
			case c.signals <- f:
			default:
				c.log.Warn("signal buffer full, dropping", "id", f.ID)
			}
		default:
			c.log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) closedErr() error {
	select {
	case <-c.left:
		return ErrPeerLeft
	default:
	}
	return ErrClosed
}
