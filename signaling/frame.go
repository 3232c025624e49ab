// Package signaling relays connection-negotiation messages between two
// peers that cannot reach each other yet.
//
// A Relay is an http.Handler speaking JSON frames over a websocket. One
// peer creates a room and hands the room id to the other out of band; the
// other joins it. From then on every signal frame sent by one member is
// delivered to the other. Signals sent before the second member joins are
// queued and flushed on join. The relay never interprets signal payloads.
//
// Delivery is at-least-once from the caller's point of view: a Client
// drops duplicate signal ids, so senders may retransmit.
package signaling

import (
	"encoding/json"
	"errors"
)

// FrameType discriminates relay frames
type FrameType string

const (
	FrameCreateRoom  FrameType = "create_room"
	FrameRoomCreated FrameType = "room_created"
	FrameJoinRoom    FrameType = "join_room"
	FramePeerJoined  FrameType = "peer_joined"
	FramePeerLeft    FrameType = "peer_left"
	FrameSignal      FrameType = "signal"
	FrameError       FrameType = "error"
)

// Frame is the unit exchanged between Client and Relay
type Frame struct {
	Type    FrameType       `json:"type"`
	Room    string          `json:"room,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

var (
	// ErrRoomNotFound is returned when joining an unknown room
	ErrRoomNotFound = errors.New("signaling: room not found")

	// ErrRoomFull is returned when a third member tries to join
	ErrRoomFull = errors.New("signaling: room is full")

	// ErrNotInRoom is returned when signaling before creating or joining a room
	ErrNotInRoom = errors.New("signaling: not in a room")

	// ErrPeerLeft is returned once the other member disconnected
	ErrPeerLeft = errors.New("signaling: peer left the room")

	// ErrClosed is returned after the client was closed
	ErrClosed = errors.New("signaling: connection closed")

	// ErrUnauthorized is returned when the relay rejects the bearer token
	ErrUnauthorized = errors.New("signaling: unauthorized")
)

// relay error messages travel as text; map them back to sentinels
var wireErrors = map[string]error{
	ErrRoomNotFound.Error(): ErrRoomNotFound,
	ErrRoomFull.Error():     ErrRoomFull,
	ErrNotInRoom.Error():    ErrNotInRoom,
}

func frameError(f Frame) error {
	if err, ok := wireErrors[f.Message]; ok {
		return err
	}
	return errors.New("signaling: " + f.Message)
}
