package credvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Vault ties a MasterKeyVault to a Store. Records are encrypted before
// they reach the store and decrypted after they leave it.
type Vault struct {
	keys   *MasterKeyVault
	codec  *RecordCodec
	store  Store
	config *Config
	log    *slog.Logger
}

// New creates a locked vault over store
func New(store Store, config *Config) (*Vault, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	keys, err := NewMasterKeyVault(config)
	if err != nil {
		return nil, err
	}
	codec, err := NewRecordCodec(config.format().Version)
	if err != nil {
		return nil, err
	}

	return &Vault{
		keys:   keys,
		codec:  codec,
		store:  store,
		config: config,
		log:    config.logger().With("component", "vault"),
	}, nil
}

// Keys returns the master key vault backing v
func (v *Vault) Keys() *MasterKeyVault {
	return v.keys
}

// Store returns the backing store
func (v *Vault) Store() Store {
	return v.store
}

// Create initializes an empty vault protected by password and unlocks it
func (v *Vault) Create(ctx context.Context, password []byte) error {
	if _, err := v.store.GetMasterKeyEnvelope(ctx); err == nil {
		return ErrVaultExists
	} else if !errors.Is(err, ErrVaultNotFound) {
		return err
	}

	env, err := v.keys.Create(password)
	if err != nil {
		return err
	}
	if err := v.store.PutMasterKeyEnvelope(ctx, env); err != nil {
		v.keys.Lock()
		return fmt.Errorf("failed to persist master key envelope: %w", err)
	}
	return nil
}

// Unlock opens the stored master key envelope with password
func (v *Vault) Unlock(ctx context.Context, password []byte) error {
	env, err := v.store.GetMasterKeyEnvelope(ctx)
	if err != nil {
		return err
	}
	return v.keys.Unlock(env, password)
}

// Lock discards the master key
func (v *Vault) Lock() {
	v.keys.Lock()
}

// Add encrypts rec and stores it, returning the new record id
func (v *Vault) Add(ctx context.Context, rec *AccountRecord) (string, error) {
	var env *RecordEnvelope
	err := v.keys.WithKey(func(key []byte) error {
		var err error
		env, err = v.codec.Encode(rec, key)
		return err
	})
	if err != nil {
		return "", err
	}

	id, err := v.store.PutEncryptedRecord(ctx, env)
	if err != nil {
		return "", err
	}
	v.log.Debug("record added", "id", id)
	return id, nil
}

// Update re-encrypts rec with a fresh IV and replaces record id
func (v *Vault) Update(ctx context.Context, id string, rec *AccountRecord) error {
	var env *RecordEnvelope
	err := v.keys.WithKey(func(key []byte) error {
		var err error
		env, err = v.codec.Encode(rec, key)
		return err
	})
	if err != nil {
		return err
	}

	if err := v.store.UpdateEncryptedRecord(ctx, id, env); err != nil {
		return err
	}
	v.log.Debug("record updated", "id", id)
	return nil
}

// Delete removes record id
func (v *Vault) Delete(ctx context.Context, id string) error {
	if v.keys.State() != Unlocked {
		return ErrLocked
	}
	if err := v.store.DeleteRecord(ctx, id); err != nil {
		return err
	}
	v.log.Debug("record deleted", "id", id)
	return nil
}

// Load fetches and decodes every record. Records that fail to decode are
// reported in the result and never abort the load.
func (v *Vault) Load(ctx context.Context) (*LoadResult, error) {
	if v.keys.State() != Unlocked {
		return nil, ErrLocked
	}

	stored, err := v.store.GetEncryptedRecords(ctx)
	if err != nil {
		return nil, err
	}

	var result *LoadResult
	err = v.keys.WithKey(func(key []byte) error {
		var err error
		result, err = v.codec.DecodeAll(ctx, key, stored, v.config.Parallel)
		return err
	})
	if result == nil {
		return nil, err
	}

	if n := result.SkippedCount(); n > 0 {
		ids := make([]string, 0, n)
		for _, s := range result.Skipped {
			ids = append(ids, s.ID)
		}
		v.log.Warn("skipped undecodable records", "skipped", n, "loaded", len(result.Records), "ids", ids)
	} else {
		v.log.Info("vault loaded", "records", len(result.Records))
	}
	return result, err
}

// ShareGrants lists the receivers that hold a grant
func (v *Vault) ShareGrants(ctx context.Context) ([]SharingGrant, error) {
	return v.store.GetSharingGrants(ctx)
}

// RevokeGrant deletes the grant for identity. The master key is not
// rotated, so a receiver who already unlocked keeps what it has read.
func (v *Vault) RevokeGrant(ctx context.Context, identity string) error {
	if err := v.store.DeleteSharingGrant(ctx, identity); err != nil {
		return err
	}
	v.log.Info("sharing grant revoked", "receiver", identity)
	return nil
}

// OpenGrant unlocks the master key carried by grant with the receiver's
// password and returns it in a new MasterKeyVault.
func OpenGrant(grant *SharingGrant, password []byte, config *Config) (*MasterKeyVault, error) {
	if grant == nil {
		return nil, ErrNilEnvelope
	}
	keys, err := NewMasterKeyVault(config)
	if err != nil {
		return nil, err
	}
	if err := keys.Unlock(&grant.Envelope, password); err != nil {
		return nil, err
	}
	return keys, nil
}

// AddReceivedGrant keeps grant under label next to the vault's own
// envelope. An existing grant with the same label is only replaced when
// replace is set; otherwise ErrGrantExists is returned.
func (v *Vault) AddReceivedGrant(ctx context.Context, label string, grant *SharingGrant, replace bool) error {
	if grant == nil {
		return ErrNilEnvelope
	}
	if !replace {
		_, err := v.store.GetReceivedGrant(ctx, label)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrGrantExists, label)
		}
		if !errors.Is(err, ErrGrantNotFound) {
			return err
		}
	}
	if err := v.store.PutReceivedGrant(ctx, &ReceivedGrant{Label: label, Grant: *grant}); err != nil {
		return err
	}
	v.log.Info("received grant stored", "label", label)
	return nil
}

// ReceivedGrants lists the grants this vault holds for other owners' vaults
func (v *Vault) ReceivedGrants(ctx context.Context) ([]ReceivedGrant, error) {
	return v.store.GetReceivedGrants(ctx)
}

// RemoveReceivedGrant forgets the grant stored under label
func (v *Vault) RemoveReceivedGrant(ctx context.Context, label string) error {
	if err := v.store.DeleteReceivedGrant(ctx, label); err != nil {
		return err
	}
	v.log.Info("received grant removed", "label", label)
	return nil
}

// LoadShared decodes the owner's records held by records with the key of
// the grant stored under label. The grant is opened with password and the
// key is destroyed before LoadShared returns. The vault's own key is not
// needed and its records are not touched.
func (v *Vault) LoadShared(ctx context.Context, label string, password []byte, records RecordStore) (*LoadResult, error) {
	if records == nil {
		return nil, ErrNilStore
	}
	received, err := v.store.GetReceivedGrant(ctx, label)
	if err != nil {
		return nil, err
	}
	keys, err := OpenGrant(&received.Grant, password, v.config)
	if err != nil {
		return nil, err
	}
	defer keys.Lock()

	stored, err := records.GetEncryptedRecords(ctx)
	if err != nil {
		return nil, err
	}

	var result *LoadResult
	err = keys.WithKey(func(key []byte) error {
		var err error
		result, err = v.codec.DecodeAll(ctx, key, stored, v.config.Parallel)
		return err
	})
	if result == nil {
		return nil, err
	}
	v.log.Info("shared records loaded", "label", label, "records", len(result.Records), "skipped", result.SkippedCount())
	return result, err
}
