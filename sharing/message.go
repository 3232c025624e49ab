package sharing

import (
	"encoding/json"
	"fmt"

	"github.com/absfs/credvault"
)

// Action names a message on the wire
type Action string

const (
	ActionUserInfo     Action = "userInfo"
	ActionMasterKey    Action = "masterKey"
	ActionVerification Action = "verification"
	ActionConfirmation Action = "sharingConfirmation"
)

// Message is one of UserInfo, MasterKey, Verification or Confirmation.
// The set is closed; handlers switch over the concrete types.
type Message interface {
	Action() Action
	isMessage()
}

// UserInfo announces the receiver's identity after connecting
type UserInfo struct {
	Identity string `json:"identity"`
}

// MasterKey carries the raw master key from sharer to receiver
type MasterKey struct {
	Key []byte `json:"key"`
}

// Verification proves the receiver holds the key it was sent and carries
// the grant the sharer should store for it
type Verification struct {
	Challenge []byte                      `json:"challenge"`
	Signature []byte                      `json:"signature"`
	Identity  string                      `json:"identity"`
	Grant     credvault.MasterKeyEnvelope `json:"grant"`
}

// Confirmation ends the handshake
type Confirmation struct {
	Success bool `json:"success"`
}

func (UserInfo) Action() Action     { return ActionUserInfo }
func (MasterKey) Action() Action    { return ActionMasterKey }
func (Verification) Action() Action { return ActionVerification }
func (Confirmation) Action() Action { return ActionConfirmation }

func (UserInfo) isMessage()     {}
func (MasterKey) isMessage()    {}
func (Verification) isMessage() {}
func (Confirmation) isMessage() {}

// envelope is the wire form: {"action": ..., "payload": {...}}
type envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg. Byte slices are base64 encoded.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action(), err)
	}
	return json.Marshal(envelope{Action: msg.Action(), Payload: payload})
}

// Decode parses a message produced by Encode. Unknown actions are an error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	var err error
	switch env.Action {
	case ActionUserInfo:
		var m UserInfo
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case ActionMasterKey:
		var m MasterKey
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case ActionVerification:
		var m Verification
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case ActionConfirmation:
		var m Confirmation
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, env.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Action, err)
	}
	return msg, nil
}
