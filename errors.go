package credvault

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value; never a secret, usually a length
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents a failure to seal data, such as an exhausted
// random source
type EncryptionError struct {
	Operation string // "encrypt", "salt", "derive", ...
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// MalformedEnvelopeError reports an envelope whose fields cannot be decoded
// or have the wrong size
type MalformedEnvelopeError struct {
	Field   string // "ciphertext", "iv", "salt", "tag" or "version"
	Message string
	Err     error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed envelope: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Message)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed authentication tag check
type AuthenticationError struct {
	Subject string // What was being opened, e.g. "master key" or a record id
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Subject, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// DecodeError reports a record that could not be decrypted or parsed
type DecodeError struct {
	RecordID string // Store id of the record, if known
	Message  string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("decode error: record %s: %s", e.RecordID, e.Message)
	}
	return fmt.Sprintf("decode error: %s", e.Message)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrUnsupportedVersion = errors.New("unsupported envelope format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilStore           = errors.New("store cannot be nil")
	ErrNilEnvelope        = errors.New("envelope cannot be nil")

	// ErrInvalidPassword is returned when a password does not open a master
	// key envelope. It deliberately carries no detail about the failure.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrLocked is returned when an operation needs the master key while
	// the vault is locked
	ErrLocked = errors.New("vault is locked")

	ErrAlreadyUnlocked = errors.New("vault is already unlocked")
	ErrVaultExists     = errors.New("vault already initialized")
	ErrVaultNotFound   = errors.New("vault not initialized")
	ErrRecordNotFound  = errors.New("record not found")
	ErrGrantNotFound   = errors.New("sharing grant not found")
	ErrGrantExists     = errors.New("sharing grant already exists")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewMalformedEnvelopeError creates a new malformed envelope error
func NewMalformedEnvelopeError(field, message string, err error) error {
	return &MalformedEnvelopeError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(subject string, err error) error {
	return &AuthenticationError{
		Subject: subject,
		Message: err.Error(),
		Err:     err,
	}
}

// NewDecodeError creates a new decode error
func NewDecodeError(recordID, message string, err error) error {
	return &DecodeError{
		RecordID: recordID,
		Message:  message,
		Err:      err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsMalformedEnvelopeError checks if an error is a malformed envelope error
func IsMalformedEnvelopeError(err error) bool {
	var me *MalformedEnvelopeError
	return errors.As(err, &me)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsDecodeError checks if an error is a decode error
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
