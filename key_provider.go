package credvault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeyProvider derives wrapping keys for master key envelopes
type KeyProvider interface {
	// DeriveKey derives a KeySize key bound to salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt returns a fresh random salt
	GenerateSalt() ([]byte, error)
}

// DeriveKey stretches a password into a 32-byte key with PBKDF2-HMAC-SHA256.
// The result is deterministic for identical inputs.
func DeriveKey(password, salt []byte, iterations int) ([]byte, error) {
	return derivePBKDF2(password, salt, PBKDF2Params{Iterations: iterations, HashFunc: SHA256})
}

// GenerateSalt generates a new random SaltSize salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, NewEncryptionError("salt", fmt.Errorf("failed to generate salt: %w", err))
	}
	return salt, nil
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password []byte
	params   KDFParams
}

// NewPasswordKeyProvider creates a key provider for the KDF of a format version.
// The provider references password; callers own and wipe it.
func NewPasswordKeyProvider(password []byte, version FormatVersion) (*PasswordKeyProvider, error) {
	f, err := FormatFor(version)
	if err != nil {
		return nil, err
	}
	return &PasswordKeyProvider{password: password, params: f.KDF}, nil
}

// DeriveKey derives an encryption key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	switch p.params.Algorithm {
	case KDFPBKDF2:
		return derivePBKDF2(p.password, salt, p.params.PBKDF2)
	case KDFArgon2id:
		return deriveArgon2id(p.password, salt, p.params.Argon2id)
	default:
		return nil, fmt.Errorf("unsupported key derivation algorithm: %d", p.params.Algorithm)
	}
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	return GenerateSalt()
}

func derivePBKDF2(password, salt []byte, params PBKDF2Params) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if err := ValidateSalt(salt); err != nil {
		return nil, err
	}
	if params.Iterations < MinPBKDF2Iterations {
		return nil, &ValidationError{
			Field:   "iterations",
			Value:   params.Iterations,
			Message: fmt.Sprintf("iteration count must be at least %d", MinPBKDF2Iterations),
		}
	}

	var hashFunc func() hash.Hash
	switch params.HashFunc {
	case SHA256:
		hashFunc = sha256.New
	case SHA512:
		hashFunc = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hash function: %v", params.HashFunc)
	}

	return pbkdf2.Key(password, salt, params.Iterations, KeySize, hashFunc), nil
}

func deriveArgon2id(password, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if err := ValidateSalt(salt); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
}
