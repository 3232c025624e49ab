package credvault

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/awnumar/memguard"
)

// GameMetadata describes the game account a record belongs to
type GameMetadata struct {
	Name string `json:"name"`
	Rank string `json:"rank,omitempty"`
}

// AccountRecord is one stored credential. Field order is fixed by the
// struct, so its JSON form is canonical.
type AccountRecord struct {
	Username string        `json:"username"`
	Password string        `json:"password"`
	Notes    string        `json:"notes,omitempty"`
	Game     *GameMetadata `json:"game,omitempty"`
}

// Validate checks that the required fields are present
func (r *AccountRecord) Validate() error {
	if r == nil {
		return &ValidationError{Field: "record", Message: "record cannot be nil"}
	}
	if strings.TrimSpace(r.Username) == "" {
		return &ValidationError{Field: "username", Message: "username is required"}
	}
	if r.Password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	return nil
}

// wireRecord distinguishes absent fields from empty ones while decoding
type wireRecord struct {
	Username *string       `json:"username"`
	Password *string       `json:"password"`
	Notes    string        `json:"notes"`
	Game     *GameMetadata `json:"game"`
}

// RecordCodec turns AccountRecords into RecordEnvelopes under a master key
type RecordCodec struct {
	format Format
}

// NewRecordCodec creates a codec writing envelopes in the given version
func NewRecordCodec(version FormatVersion) (*RecordCodec, error) {
	f, err := FormatFor(version)
	if err != nil {
		return nil, err
	}
	return &RecordCodec{format: f}, nil
}

// Encode serializes rec and seals it under key with a fresh IV
func (c *RecordCodec) Encode(rec *AccountRecord, key []byte) (*RecordEnvelope, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, NewEncryptionError("encode", err)
	}
	defer memguard.WipeBytes(plaintext)

	sealed, err := Encrypt(c.format.Cipher, key, plaintext)
	if err != nil {
		return nil, err
	}
	return newRecordEnvelope(c.format, sealed), nil
}

// Decode opens env under key and validates the record shape. Every
// failure is a DecodeError; tag failures also satisfy IsAuthenticationError.
func (c *RecordCodec) Decode(env *RecordEnvelope, key []byte) (*AccountRecord, error) {
	return c.decode("", env, key)
}

func (c *RecordCodec) decode(id string, env *RecordEnvelope, key []byte) (*AccountRecord, error) {
	format, sealed, err := env.decode()
	if err != nil {
		return nil, NewDecodeError(id, "malformed envelope", err)
	}

	plaintext, err := Decrypt(format.Cipher, key, sealed)
	if err != nil {
		return nil, NewDecodeError(id, "decryption failed", err)
	}
	defer memguard.WipeBytes(plaintext)

	var wire wireRecord
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	if err := dec.Decode(&wire); err != nil {
		return nil, NewDecodeError(id, "invalid record json", err)
	}
	if wire.Username == nil || strings.TrimSpace(*wire.Username) == "" {
		return nil, NewDecodeError(id, "missing username", nil)
	}
	if wire.Password == nil || *wire.Password == "" {
		return nil, NewDecodeError(id, "missing password", nil)
	}

	return &AccountRecord{
		Username: *wire.Username,
		Password: *wire.Password,
		Notes:    wire.Notes,
		Game:     wire.Game,
	}, nil
}
