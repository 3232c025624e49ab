package credvault

import (
	"fmt"
	"strings"
)

// Input validation helpers. Values recorded in errors are sizes, never contents.

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
		}
	}
	if len(key) != KeySize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), KeySize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateIV checks if an IV has the correct size for a cipher
func ValidateIV(iv []byte, cipher CipherSuite) error {
	if iv == nil {
		return &ValidationError{
			Field:   "iv",
			Message: "iv cannot be nil",
		}
	}

	switch cipher {
	case CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return &ValidationError{
			Field:   "cipher",
			Value:   cipher,
			Message: "unsupported cipher suite for iv validation",
			Err:     ErrUnsupportedCipher,
		}
	}

	if len(iv) != IVSize {
		return &ValidationError{
			Field:   "iv",
			Value:   len(iv),
			Message: fmt.Sprintf("invalid iv size: got %d bytes, expected %d bytes for %s", len(iv), IVSize, cipher.String()),
		}
	}
	return nil
}

// ValidateSalt checks if a salt has the correct size
func ValidateSalt(salt []byte) error {
	if len(salt) != SaltSize {
		return &ValidationError{
			Field:   "salt",
			Value:   len(salt),
			Message: fmt.Sprintf("invalid salt size: got %d bytes, expected %d bytes", len(salt), SaltSize),
		}
	}
	return nil
}

// ValidateTag checks if an authentication tag has the correct size
func ValidateTag(tag []byte) error {
	if len(tag) != TagSize {
		return &ValidationError{
			Field:   "tag",
			Value:   len(tag),
			Message: fmt.Sprintf("invalid tag size: got %d bytes, expected %d bytes", len(tag), TagSize),
		}
	}
	return nil
}

// ValidatePassword checks that a password is present
func ValidatePassword(password []byte) error {
	if len(password) == 0 {
		return &ValidationError{
			Field:   "password",
			Message: "password cannot be empty",
		}
	}
	return nil
}

// ValidateIdentity checks that a receiver identity is usable as a grant key
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return &ValidationError{
			Field:   "identity",
			Message: "identity cannot be empty",
		}
	}
	return nil
}
