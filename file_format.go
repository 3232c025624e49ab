package credvault

import (
	"encoding/base64"
	"fmt"
)

// MasterKeyEnvelope is the persisted form of a password-wrapped master key.
// Binary fields are standard base64. Version is omitted by clients that
// predate it, which reads as FormatV1.
type MasterKeyEnvelope struct {
	Version    FormatVersion `json:"version,omitempty" toml:"version,omitempty"`
	Ciphertext string        `json:"ciphertext" toml:"ciphertext"`
	IV         string        `json:"iv" toml:"iv"`
	Salt       string        `json:"salt" toml:"salt"`
	Tag        string        `json:"tag,omitempty" toml:"tag,omitempty"`
}

// decodedEnvelope holds the raw fields of a validated master key envelope
type decodedEnvelope struct {
	format Format
	salt   []byte
	sealed Sealed
	legacy bool // tag was split off the end of the ciphertext
}

func newMasterKeyEnvelope(format Format, salt []byte, s *Sealed) *MasterKeyEnvelope {
	return &MasterKeyEnvelope{
		Version:    format.Version,
		Ciphertext: base64.StdEncoding.EncodeToString(s.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(s.IV),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Tag:        base64.StdEncoding.EncodeToString(s.Tag),
	}
}

// Validate checks that every field decodes and has the expected size
func (e *MasterKeyEnvelope) Validate() error {
	_, err := e.decode()
	return err
}

// IsLegacy reports whether the envelope lacks a separate tag field
func (e *MasterKeyEnvelope) IsLegacy() bool {
	return e.Tag == ""
}

func (e *MasterKeyEnvelope) decode() (*decodedEnvelope, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}

	format, err := FormatFor(e.Version)
	if err != nil {
		return nil, NewMalformedEnvelopeError("version", fmt.Sprintf("unknown version %d", e.Version), err)
	}

	ciphertext, err := decodeField("ciphertext", e.Ciphertext)
	if err != nil {
		return nil, err
	}
	iv, err := decodeField("iv", e.IV)
	if err != nil {
		return nil, err
	}
	salt, err := decodeField("salt", e.Salt)
	if err != nil {
		return nil, err
	}

	d := &decodedEnvelope{format: format, salt: salt}

	if e.Tag == "" {
		// Older clients stored ciphertext||tag in a single field
		if len(ciphertext) < TagSize {
			return nil, NewMalformedEnvelopeError("ciphertext", "too short to carry an appended tag", nil)
		}
		split := len(ciphertext) - TagSize
		d.sealed = Sealed{Ciphertext: ciphertext[:split], IV: iv, Tag: ciphertext[split:]}
		d.legacy = true
	} else {
		tag, err := decodeField("tag", e.Tag)
		if err != nil {
			return nil, err
		}
		d.sealed = Sealed{Ciphertext: ciphertext, IV: iv, Tag: tag}
	}

	if err := ValidateIV(d.sealed.IV, format.Cipher); err != nil {
		return nil, NewMalformedEnvelopeError("iv", "wrong size", err)
	}
	if err := ValidateSalt(d.salt); err != nil {
		return nil, NewMalformedEnvelopeError("salt", "wrong size", err)
	}
	if err := ValidateTag(d.sealed.Tag); err != nil {
		return nil, NewMalformedEnvelopeError("tag", "wrong size", err)
	}
	if len(d.sealed.Ciphertext) != KeySize {
		return nil, NewMalformedEnvelopeError("ciphertext",
			fmt.Sprintf("expected %d bytes of wrapped key, got %d", KeySize, len(d.sealed.Ciphertext)), nil)
	}

	return d, nil
}

// RecordEnvelope is the persisted form of one encrypted account record.
// Ciphertext carries the tag appended, the layout WebCrypto produces.
type RecordEnvelope struct {
	Version    FormatVersion `json:"version,omitempty"`
	Ciphertext string        `json:"ciphertext"`
	IV         string        `json:"iv"`
}

func newRecordEnvelope(format Format, s *Sealed) *RecordEnvelope {
	combined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	combined = append(combined, s.Ciphertext...)
	combined = append(combined, s.Tag...)
	return &RecordEnvelope{
		Version:    format.Version,
		Ciphertext: base64.StdEncoding.EncodeToString(combined),
		IV:         base64.StdEncoding.EncodeToString(s.IV),
	}
}

func (e *RecordEnvelope) decode() (Format, *Sealed, error) {
	if e == nil {
		return Format{}, nil, ErrNilEnvelope
	}

	format, err := FormatFor(e.Version)
	if err != nil {
		return Format{}, nil, NewMalformedEnvelopeError("version", fmt.Sprintf("unknown version %d", e.Version), err)
	}

	combined, err := decodeField("ciphertext", e.Ciphertext)
	if err != nil {
		return Format{}, nil, err
	}
	iv, err := decodeField("iv", e.IV)
	if err != nil {
		return Format{}, nil, err
	}
	if len(combined) < TagSize {
		return Format{}, nil, NewMalformedEnvelopeError("ciphertext", "shorter than the authentication tag", nil)
	}
	if err := ValidateIV(iv, format.Cipher); err != nil {
		return Format{}, nil, NewMalformedEnvelopeError("iv", "wrong size", err)
	}

	split := len(combined) - TagSize
	return format, &Sealed{Ciphertext: combined[:split], IV: iv, Tag: combined[split:]}, nil
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, NewMalformedEnvelopeError(name, "missing", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, NewMalformedEnvelopeError(name, "invalid base64", err)
	}
	return raw, nil
}
