package credvault

import (
	"fmt"
	"io"
	"log/slog"
)

const (
	// SaltSize is the size of the random salt used for password stretching
	SaltSize = 16

	// KeySize is the size of derived keys and of the master key (256 bits)
	KeySize = 32

	// IVSize is the nonce size of both supported AEAD constructions
	IVSize = 12

	// TagSize is the authentication tag size (128 bits)
	TagSize = 16

	// MinPBKDF2Iterations is the lowest iteration count accepted for PBKDF2
	MinPBKDF2Iterations = 100000
)

// CipherSuite represents the authenticated encryption algorithm
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// KDFAlgorithm selects the password hardening function
type KDFAlgorithm uint8

const (
	// KDFPBKDF2 is PBKDF2-HMAC
	KDFPBKDF2 KDFAlgorithm = iota + 1
	// KDFArgon2id is the memory-hard Argon2id function
	KDFArgon2id
)

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000)
	HashFunc   HashFunc // Hash function to use
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
}

// KDFParams pins the stretching function and its cost for one format version
type KDFParams struct {
	Algorithm KDFAlgorithm
	PBKDF2    PBKDF2Params
	Argon2id  Argon2idParams
}

// FormatVersion discriminates envelope formats. It travels with every
// envelope so decryption never has to guess which parameters were used.
type FormatVersion uint8

const (
	// FormatV1 is PBKDF2-HMAC-SHA256 (100,000 iterations) with AES-256-GCM.
	// It matches what browser WebCrypto clients produce.
	FormatV1 FormatVersion = 1
	// FormatV2 is Argon2id (64 MiB, 3 passes, 4 lanes) with ChaCha20-Poly1305.
	FormatV2 FormatVersion = 2

	// CurrentVersion is used for new envelopes when no version is configured
	CurrentVersion = FormatV1
)

// Format describes everything needed to seal or open an envelope of a version
type Format struct {
	Version FormatVersion
	KDF     KDFParams
	Cipher  CipherSuite
}

var formats = map[FormatVersion]Format{
	FormatV1: {
		Version: FormatV1,
		KDF: KDFParams{
			Algorithm: KDFPBKDF2,
			PBKDF2:    PBKDF2Params{Iterations: MinPBKDF2Iterations, HashFunc: SHA256},
		},
		Cipher: CipherAES256GCM,
	},
	FormatV2: {
		Version: FormatV2,
		KDF: KDFParams{
			Algorithm: KDFArgon2id,
			Argon2id:  Argon2idParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4},
		},
		Cipher: CipherChaCha20Poly1305,
	},
}

// FormatFor returns the fixed parameters of a format version.
// A zero version is read as FormatV1, the only format that predates the field.
func FormatFor(v FormatVersion) (Format, error) {
	if v == 0 {
		v = FormatV1
	}
	f, ok := formats[v]
	if !ok {
		return Format{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return f, nil
}

// Config contains configuration for a vault
type Config struct {
	// Version is the envelope format used for new envelopes and records.
	// Existing envelopes are always opened with the version they carry.
	Version FormatVersion

	// Parallel controls the fan-out used when a vault is loaded
	Parallel ParallelConfig

	// Logger receives operational events. Secrets are never logged.
	// If nil, logging is discarded.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration using the current format version
func DefaultConfig() *Config {
	return &Config{
		Version:  CurrentVersion,
		Parallel: DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Version != 0 {
		if _, err := FormatFor(c.Version); err != nil {
			return err
		}
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) format() Format {
	f, err := FormatFor(c.Version)
	if err != nil {
		// Validate rejects unknown versions before a Config is used
		return formats[CurrentVersion]
	}
	return f
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
