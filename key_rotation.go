package credvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// rollbackTimeout bounds restoring records after a failed rotation
const rollbackTimeout = 30 * time.Second

// KeyRotationOptions contains options for master key rotation
type KeyRotationOptions struct {
	// Password protects the new master key envelope. It may equal the
	// current password.
	Password []byte

	// DryRun decodes every record and reports what would be rotated
	// without writing anything
	DryRun bool
}

// KeyRotationResult summarizes a rotation
type KeyRotationResult struct {
	Rotated  int                // Records re-encrypted under the new key
	Skipped  []SkippedRecord    // Records that could not be decoded and were left untouched
	Envelope *MasterKeyEnvelope // New master key envelope; nil on dry run
}

// ChangePassword rewraps the master key under newPassword and persists the
// new envelope. Records are not touched.
func (v *Vault) ChangePassword(ctx context.Context, newPassword []byte) error {
	env, err := v.keys.ChangePassword(newPassword)
	if err != nil {
		return err
	}
	if err := v.store.PutMasterKeyEnvelope(ctx, env); err != nil {
		return fmt.Errorf("failed to persist master key envelope: %w", err)
	}
	return nil
}

// RotateMasterKey replaces the master key with a fresh one and re-encrypts
// every decodable record under it. Undecodable records are reported and left
// as they are. If a write fails, records already rewritten are restored and
// the old key stays in effect. The restore runs even when ctx is cancelled. Existing sharing grants wrap the old key and
// stop working once rotation succeeds.
func (v *Vault) RotateMasterKey(ctx context.Context, opts KeyRotationOptions) (*KeyRotationResult, error) {
	if err := ValidatePassword(opts.Password); err != nil {
		return nil, err
	}

	stored, err := v.store.GetEncryptedRecords(ctx)
	if err != nil {
		return nil, err
	}

	var loaded *LoadResult
	err = v.keys.WithKey(func(key []byte) error {
		var err error
		loaded, err = v.codec.DecodeAll(ctx, key, stored, v.config.Parallel)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &KeyRotationResult{Skipped: loaded.Skipped}
	if opts.DryRun {
		result.Rotated = len(loaded.Records)
		v.log.Info("dry run: would rotate master key", "records", result.Rotated, "skipped", len(result.Skipped))
		return result, nil
	}

	newKey := memguard.NewBufferRandom(KeySize)
	defer newKey.Destroy()

	// Encrypt everything before the first write
	updates := make(map[string]*RecordEnvelope, len(loaded.Records))
	for _, rec := range loaded.Records {
		env, err := v.codec.Encode(rec.Record, newKey.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to re-encrypt record %s: %w", rec.ID, err)
		}
		updates[rec.ID] = env
	}

	env, err := wrapKey(v.keys.Format(), opts.Password, newKey.Bytes())
	if err != nil {
		return nil, err
	}

	originals := make(map[string]RecordEnvelope, len(stored))
	for _, s := range stored {
		originals[s.ID] = s.Envelope
	}

	var written []string
	var errs []error
	for _, rec := range loaded.Records {
		if err := v.store.UpdateEncryptedRecord(ctx, rec.ID, updates[rec.ID]); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			break
		}
		written = append(written, rec.ID)
	}
	if len(errs) == 0 {
		if err := v.store.PutMasterKeyEnvelope(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("master key envelope: %w", err))
		}
	}

	if len(errs) > 0 {
		// The caller's ctx may be the reason the write failed
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		for _, id := range written {
			orig := originals[id]
			if err := v.store.UpdateEncryptedRecord(rbCtx, id, &orig); err != nil {
				errs = append(errs, fmt.Errorf("rollback record %s: %w", id, err))
			}
		}
		v.log.Error("master key rotation failed", "errors", len(errs), "rolled_back", len(written))
		return nil, fmt.Errorf("key rotation failed with %d errors: %w", len(errs), errors.Join(errs...))
	}

	raw := make([]byte, KeySize)
	copy(raw, newKey.Bytes())
	v.keys.replace(raw)

	result.Rotated = len(written)
	result.Envelope = env
	v.log.Info("master key rotated", "records", result.Rotated, "skipped", len(result.Skipped))
	return result, nil
}
