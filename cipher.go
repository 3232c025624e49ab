package credvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherEngine provides AEAD encryption/decryption with a detached tag
type CipherEngine interface {
	// Seal encrypts plaintext with the given nonce and returns the
	// ciphertext and authentication tag separately
	Seal(nonce, plaintext []byte) (ciphertext, tag []byte, err error)

	// Open verifies tag and decrypts ciphertext with the given nonce
	Open(nonce, ciphertext, tag []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine adapts a cipher.AEAD to the detached-tag CipherEngine
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Seal(nonce, plaintext []byte) ([]byte, []byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - e.Overhead()
	return sealed[:split:split], sealed[split:], nil
}

func (e *aeadEngine) Open(nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	if len(tag) != e.Overhead() {
		return nil, ErrAuthFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// AESGCMEngine implements CipherEngine using AES-256-GCM
type AESGCMEngine struct {
	aeadEngine
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes: %w", len(key), ErrInvalidKey)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aeadEngine{aead: aead}}, nil
}

// ChaCha20Poly1305Engine implements CipherEngine using ChaCha20-Poly1305
type ChaCha20Poly1305Engine struct {
	aeadEngine
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (*ChaCha20Poly1305Engine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes: %w",
			chacha20poly1305.KeySize, len(key), ErrInvalidKey)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &ChaCha20Poly1305Engine{aeadEngine{aead: aead}}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// GenerateNonce generates a random nonce for the given cipher
func GenerateNonce(suite CipherSuite) ([]byte, error) {
	switch suite {
	case CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return nil, ErrUnsupportedCipher
	}

	nonce := make([]byte, IVSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Sealed is the output of one authenticated encryption
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encrypt seals plaintext under key with a fresh random IV. Two calls with
// the same inputs produce different IVs and ciphertexts.
func Encrypt(suite CipherSuite, key, plaintext []byte) (*Sealed, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	engine, err := NewCipherEngine(suite, key)
	if err != nil {
		return nil, err
	}

	iv, err := GenerateNonce(suite)
	if err != nil {
		return nil, NewEncryptionError("encrypt", err)
	}

	ciphertext, tag, err := engine.Seal(iv, plaintext)
	if err != nil {
		return nil, NewEncryptionError("encrypt", err)
	}

	return &Sealed{Ciphertext: ciphertext, IV: iv, Tag: tag}, nil
}

// Decrypt verifies and opens s under key. Any bit flip in the ciphertext,
// IV or tag, or a wrong key, yields an AuthenticationError.
func Decrypt(suite CipherSuite, key []byte, s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, ErrNilEnvelope
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateIV(s.IV, suite); err != nil {
		return nil, &MalformedEnvelopeError{Field: "iv", Message: "wrong size", Err: err}
	}
	if err := ValidateTag(s.Tag); err != nil {
		return nil, &MalformedEnvelopeError{Field: "tag", Message: "wrong size", Err: err}
	}

	engine, err := NewCipherEngine(suite, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := engine.Open(s.IV, s.Ciphertext, s.Tag)
	if err != nil {
		return nil, NewAuthenticationError("", err)
	}
	return plaintext, nil
}
