package credvault

import (
	"context"
	"time"
)

// SharingGrant is a copy of the owner's master key wrapped under a
// receiver's password, keyed by the receiver's identity.
type SharingGrant struct {
	ReceiverIdentity string            `json:"receiverIdentity"`
	Envelope         MasterKeyEnvelope `json:"envelope"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Validate checks that the grant names a receiver and carries a well-formed envelope
func (g *SharingGrant) Validate() error {
	if g == nil {
		return ErrNilEnvelope
	}
	if err := ValidateIdentity(g.ReceiverIdentity); err != nil {
		return err
	}
	return g.Envelope.Validate()
}

// RecordStore persists encrypted records. Stores only ever see envelopes.
type RecordStore interface {
	// GetEncryptedRecords returns every stored record. A record whose blob
	// cannot be parsed is returned with Err set rather than failing the call.
	GetEncryptedRecords(ctx context.Context) ([]StoredRecord, error)

	// PutEncryptedRecord stores a new record and returns its id
	PutEncryptedRecord(ctx context.Context, env *RecordEnvelope) (string, error)

	// UpdateEncryptedRecord replaces an existing record. It returns
	// ErrRecordNotFound if id is unknown.
	UpdateEncryptedRecord(ctx context.Context, id string, env *RecordEnvelope) error

	// DeleteRecord removes a record. It returns ErrRecordNotFound if id is unknown.
	DeleteRecord(ctx context.Context, id string) error
}

// GrantStore persists sharing grants, at most one per receiver identity
type GrantStore interface {
	// PutSharingGrant stores grant, replacing any grant for the same receiver
	PutSharingGrant(ctx context.Context, grant *SharingGrant) error

	// GetSharingGrants returns every stored grant
	GetSharingGrants(ctx context.Context) ([]SharingGrant, error)

	// DeleteSharingGrant removes the grant for identity. It returns
	// ErrGrantNotFound if there is none.
	DeleteSharingGrant(ctx context.Context, identity string) error
}

// ReceivedGrant is a grant obtained from another vault owner, kept under a
// local label next to the receiver's own master key envelope
type ReceivedGrant struct {
	Label      string       `json:"label"`
	Grant      SharingGrant `json:"grant"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// Validate checks the label and the wrapped grant
func (g *ReceivedGrant) Validate() error {
	if g == nil {
		return ErrNilEnvelope
	}
	if err := ValidateIdentity(g.Label); err != nil {
		return err
	}
	return g.Grant.Validate()
}

// ReceivedGrantStore persists grants received from other owners, one per label
type ReceivedGrantStore interface {
	// PutReceivedGrant stores grant, replacing any grant with the same label
	PutReceivedGrant(ctx context.Context, grant *ReceivedGrant) error

	// GetReceivedGrant returns ErrGrantNotFound if label is unknown
	GetReceivedGrant(ctx context.Context, label string) (*ReceivedGrant, error)

	// GetReceivedGrants returns every received grant
	GetReceivedGrants(ctx context.Context) ([]ReceivedGrant, error)

	// DeleteReceivedGrant returns ErrGrantNotFound if label is unknown
	DeleteReceivedGrant(ctx context.Context, label string) error
}

// KeyStore persists the owner's own master key envelope
type KeyStore interface {
	// GetMasterKeyEnvelope returns ErrVaultNotFound if none was stored
	GetMasterKeyEnvelope(ctx context.Context) (*MasterKeyEnvelope, error)
	PutMasterKeyEnvelope(ctx context.Context, env *MasterKeyEnvelope) error
}

// Store is the full persistence contract of a vault
type Store interface {
	KeyStore
	RecordStore
	GrantStore
	ReceivedGrantStore
}
