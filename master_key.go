package credvault

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// KeyState is the lock state of a MasterKeyVault
type KeyState int

const (
	// Locked means no master key is held in memory
	Locked KeyState = iota
	// Unlocked means the master key is held in a protected enclave
	Unlocked
)

// String returns the string representation of the state
func (s KeyState) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// MasterKeyVault owns the master key while a session is unlocked.
//
// The key lives in a memguard Enclave: encrypted at rest in process memory
// and only decrypted into a locked, guarded buffer for the duration of a
// WithKey callback. Lock drops the enclave. A MasterKeyVault is safe for
// concurrent use.
type MasterKeyVault struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	format  Format
	log     *slog.Logger
}

// NewMasterKeyVault creates a locked vault. New envelopes are written in the
// format version of config.
func NewMasterKeyVault(config *Config) (*MasterKeyVault, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MasterKeyVault{
		format: config.format(),
		log:    config.logger().With("component", "master_key_vault"),
	}, nil
}

// Create generates a fresh random master key, wraps it under password and
// leaves the vault unlocked.
func (v *MasterKeyVault) Create(password []byte) (*MasterKeyEnvelope, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.enclave != nil {
		return nil, ErrAlreadyUnlocked
	}

	buf := memguard.NewBufferRandom(KeySize)
	defer buf.Destroy()

	env, err := wrapKey(v.format, password, buf.Bytes())
	if err != nil {
		return nil, err
	}

	v.enclave = buf.Seal()
	v.log.Info("master key created", "version", v.format.Version)
	return env, nil
}

// Unlock opens env with password. A wrong password, like any tag failure,
// returns ErrInvalidPassword and leaves the vault locked.
func (v *MasterKeyVault) Unlock(env *MasterKeyEnvelope, password []byte) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}

	key, err := unwrapKey(env, password)
	if err != nil {
		v.log.Warn("unlock failed", "reason", unlockFailureReason(err))
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// NewEnclave wipes key
	v.enclave = memguard.NewEnclave(key)
	v.log.Info("vault unlocked", "version", env.Version, "legacy", env.IsLegacy())
	return nil
}

// Import takes ownership of a raw master key received from another device
// and wipes key. Any key already held is replaced.
func (v *MasterKeyVault) Import(key []byte) error {
	if err := ValidateKey(key); err != nil {
		memguard.WipeBytes(key)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.enclave = memguard.NewEnclave(key)
	v.log.Info("master key imported")
	return nil
}

// Lock discards the master key. It is safe to call on a locked vault.
func (v *MasterKeyVault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.enclave != nil {
		v.enclave = nil
		v.log.Info("vault locked")
	}
}

// State reports whether the vault holds a key
func (v *MasterKeyVault) State() KeyState {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.enclave == nil {
		return Locked
	}
	return Unlocked
}

// WithKey calls fn with the raw master key. The slice is only valid during
// the call and is wiped afterwards; fn must not retain it.
func (v *MasterKeyVault) WithKey(fn func(key []byte) error) error {
	v.mu.RLock()
	enclave := v.enclave
	v.mu.RUnlock()

	if enclave == nil {
		return ErrLocked
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// ExportKey returns a copy of the raw master key for the sharing handshake.
// The caller owns the copy and must wipe it with memguard.WipeBytes.
func (v *MasterKeyVault) ExportKey() ([]byte, error) {
	var out []byte
	err := v.WithKey(func(key []byte) error {
		out = make([]byte, len(key))
		copy(out, key)
		return nil
	})
	return out, err
}

// WrapFor wraps the unlocked master key under another password, producing
// an envelope for a password change or a sharing grant.
func (v *MasterKeyVault) WrapFor(password []byte) (*MasterKeyEnvelope, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	var env *MasterKeyEnvelope
	err := v.WithKey(func(key []byte) error {
		var err error
		env, err = wrapKey(v.format, password, key)
		return err
	})
	return env, err
}

// ChangePassword returns a new envelope holding the same master key under
// newPassword. Records stay readable without re-encryption.
func (v *MasterKeyVault) ChangePassword(newPassword []byte) (*MasterKeyEnvelope, error) {
	env, err := v.WrapFor(newPassword)
	if err != nil {
		return nil, err
	}
	v.log.Info("master key rewrapped", "version", env.Version)
	return env, nil
}

// replace swaps in a new master key, wiping key
func (v *MasterKeyVault) replace(key []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enclave = memguard.NewEnclave(key)
}

// Format returns the envelope format used for new envelopes
func (v *MasterKeyVault) Format() Format {
	return v.format
}

// wrapKey derives a wrapping key from password and a fresh salt and seals
// the master key with it.
func wrapKey(format Format, password, key []byte) (*MasterKeyEnvelope, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	kek, err := deriveWrappingKey(format, password, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	sealed, err := Encrypt(format.Cipher, kek, key)
	if err != nil {
		return nil, err
	}
	return newMasterKeyEnvelope(format, salt, sealed), nil
}

// unwrapKey opens a master key envelope. Authentication failures are
// reported as ErrInvalidPassword only.
func unwrapKey(env *MasterKeyEnvelope, password []byte) ([]byte, error) {
	d, err := env.decode()
	if err != nil {
		return nil, err
	}

	kek, err := deriveWrappingKey(d.format, password, d.salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	key, err := Decrypt(d.format.Cipher, kek, &d.sealed)
	if err != nil {
		if IsAuthenticationError(err) {
			return nil, ErrInvalidPassword
		}
		return nil, err
	}
	return key, nil
}

func deriveWrappingKey(format Format, password, salt []byte) ([]byte, error) {
	provider := &PasswordKeyProvider{password: password, params: format.KDF}
	return provider.DeriveKey(salt)
}

func unlockFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPassword):
		return "invalid password"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported version"
	case IsMalformedEnvelopeError(err):
		return "malformed envelope"
	default:
		return "error"
	}
}
