package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// RelayConfig configures a Relay
type RelayConfig struct {
	// Authenticate validates the bearer token of a connecting client.
	// If nil, every client is accepted.
	Authenticate func(token string) bool

	// MaxPendingSignals bounds the signals queued for a member that has
	// not joined yet. Defaults to 64.
	MaxPendingSignals int

	// ReadTimeout closes idle connections. Defaults to 5 minutes.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// member is one websocket connection
type member struct {
	id     string
	conn   *websocket.Conn
	sendCh chan Frame
}

// room holds at most two members and the signals waiting for the second
type room struct {
	id      string
	members []*member
	pending []Frame
}

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evFrame
)

type event struct {
	kind   eventKind
	member *member
	frame  Frame
}

// Relay is the signaling server. It uses a channel-based design with a
// single goroutine owning the rooms map.
type Relay struct {
	cfg    RelayConfig
	log    *slog.Logger
	events chan event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRelay creates a Relay. Call Start before serving.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.MaxPendingSignals <= 0 {
		cfg.MaxPendingSignals = 64
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		cfg:    cfg,
		log:    logger.With("component", "signaling_relay"),
		events: make(chan event, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the relay's event loop
func (r *Relay) Start() {
	go r.run()
}

// Stop shuts down the relay and disconnects every member
func (r *Relay) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// ServeHTTP authenticates the request and upgrades it to a websocket
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Authenticate != nil && !r.cfg.Authenticate(bearerToken(req)) {
		r.log.Warn("rejected unauthenticated client", "remote", req.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	websocket.Handler(r.serve).ServeHTTP(w, req)
}

func bearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return req.URL.Query().Get("token")
}

// serve handles a single websocket connection
func (r *Relay) serve(conn *websocket.Conn) {
	m := &member{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan Frame, 64),
	}

	if !r.post(event{kind: evRegister, member: m}) {
		_ = conn.Close()
		return
	}
	defer func() {
		r.post(event{kind: evUnregister, member: m})
		_ = conn.Close()
	}()

	go r.writer(m)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		var f Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			return
		}
		if !r.post(event{kind: evFrame, member: m, frame: f}) {
			return
		}
	}
}

// post hands an event to the loop; false once the relay stopped
func (r *Relay) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.stopCh:
		return false
	}
}

// writer sends frames from the member's channel to its websocket
func (r *Relay) writer(m *member) {
	for f := range m.sendCh {
		_ = m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := websocket.JSON.Send(m.conn, f); err != nil {
			_ = m.conn.Close()
			// drain so the loop never blocks on this member
			for range m.sendCh {
			}
			return
		}
	}
}

// run is the main event loop - single owner of rooms
func (r *Relay) run() {
	defer close(r.doneCh)

	members := make(map[*member]*room)
	rooms := make(map[string]*room)

	for {
		select {
		case ev := <-r.events:
			switch ev.kind {
			case evRegister:
				members[ev.member] = nil
			case evUnregister:
				r.leave(ev.member, members, rooms)
				delete(members, ev.member)
				close(ev.member.sendCh)
			case evFrame:
				r.handle(ev.member, ev.frame, members, rooms)
			}

		case <-r.stopCh:
			for m := range members {
				close(m.sendCh)
				_ = m.conn.Close()
			}
			return
		}
	}
}

func (r *Relay) handle(m *member, f Frame, members map[*member]*room, rooms map[string]*room) {
	current, ok := members[m]
	if !ok {
		return
	}

	switch f.Type {
	case FrameCreateRoom:
		if current != nil {
			r.leave(m, members, rooms)
		}
		rm := &room{id: uuid.NewString(), members: []*member{m}}
		rooms[rm.id] = rm
		members[m] = rm
		r.send(m, Frame{Type: FrameRoomCreated, Room: rm.id})
		r.log.Info("room created", "room", rm.id)

	case FrameJoinRoom:
		rm, ok := rooms[f.Room]
		if !ok {
			r.send(m, Frame{Type: FrameError, Room: f.Room, Message: ErrRoomNotFound.Error()})
			return
		}
		if current == rm {
			return
		}
		if len(rm.members) >= 2 {
			r.send(m, Frame{Type: FrameError, Room: f.Room, Message: ErrRoomFull.Error()})
			return
		}
		if current != nil {
			r.leave(m, members, rooms)
		}
		rm.members = append(rm.members, m)
		members[m] = rm
		for _, other := range rm.members {
			r.send(other, Frame{Type: FramePeerJoined, Room: rm.id})
		}
		for _, p := range rm.pending {
			r.send(m, p)
		}
		r.log.Info("peer joined room", "room", rm.id, "flushed", len(rm.pending))
		rm.pending = nil

	case FrameSignal:
		if current == nil {
			r.send(m, Frame{Type: FrameError, Message: ErrNotInRoom.Error()})
			return
		}
		f.Room = current.id
		if other := current.other(m); other != nil {
			r.send(other, f)
			return
		}
		if len(current.pending) >= r.cfg.MaxPendingSignals {
			r.log.Warn("dropping queued signal", "room", current.id, "pending", len(current.pending))
			return
		}
		current.pending = append(current.pending, f)

	default:
		r.send(m, Frame{Type: FrameError, Message: "unknown frame type " + string(f.Type)})
	}
}

// leave removes m from its room and closes the room for the other member
func (r *Relay) leave(m *member, members map[*member]*room, rooms map[string]*room) {
	rm := members[m]
	if rm == nil {
		return
	}
	members[m] = nil
	delete(rooms, rm.id)

	if other := rm.other(m); other != nil {
		members[other] = nil
		r.send(other, Frame{Type: FramePeerLeft, Room: rm.id})
	}
	r.log.Info("room closed", "room", rm.id)
}

// send queues f for m without blocking the loop. A member that cannot keep
// up is disconnected.
func (r *Relay) send(m *member, f Frame) {
	select {
	case m.sendCh <- f:
	default:
		r.log.Warn("member too slow, disconnecting", "member", m.id)
		_ = m.conn.Close()
	}
}

func (rm *room) other(m *member) *member {
	for _, x := range rm.members {
		if x != m {
			return x
		}
	}
	return nil
}
