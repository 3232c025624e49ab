package credvault

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// flakyStore fails record updates after a number of successful ones
type flakyStore struct {
	*FileStore
	updatesLeft int
	failing     bool
}

var errInjected = errors.New("injected write failure")

func (s *flakyStore) UpdateEncryptedRecord(ctx context.Context, id string, env *RecordEnvelope) error {
	if s.failing {
		if s.updatesLeft == 0 {
			s.failing = false // let the rollback through
			return errInjected
		}
		s.updatesLeft--
	}
	return s.FileStore.UpdateEncryptedRecord(ctx, id, env)
}

func seedVault(t *testing.T, store Store, password string, n int) *Vault {
	t.Helper()
	ctx := context.Background()
	v := newTestVault(t, store, nil)
	if err := v.Create(ctx, []byte(password)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := v.Add(ctx, sampleRecord()); err != nil {
			t.Fatal(err)
		}
	}
	return v
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	v := seedVault(t, store, "old-pw", 2)

	before, _ := store.GetEncryptedRecords(ctx)
	if err := v.ChangePassword(ctx, []byte("new-pw")); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	after, _ := store.GetEncryptedRecords(ctx)
	for i := range before {
		if before[i].Envelope != after[i].Envelope {
			t.Error("ChangePassword() rewrote a record")
		}
	}

	fresh := newTestVault(t, store, nil)
	if err := fresh.Unlock(ctx, []byte("old-pw")); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("old password still works: %v", err)
	}
	if err := fresh.Unlock(ctx, []byte("new-pw")); err != nil {
		t.Fatalf("Unlock(new) error = %v", err)
	}
	result, err := fresh.Load(ctx)
	if err != nil || len(result.Records) != 2 {
		t.Fatalf("Load() after password change = %v, %v", result, err)
	}
}

func TestRotateMasterKey(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	v := seedVault(t, store, "pw", 3)

	oldGrant, err := v.Keys().WrapFor([]byte("friend"))
	if err != nil {
		t.Fatal(err)
	}
	oldKey, _ := v.Keys().ExportKey()

	result, err := v.RotateMasterKey(ctx, KeyRotationOptions{Password: []byte("pw2")})
	if err != nil {
		t.Fatalf("RotateMasterKey() error = %v", err)
	}
	if result.Rotated != 3 || len(result.Skipped) != 0 || result.Envelope == nil {
		t.Fatalf("RotateMasterKey() = %+v", result)
	}

	newKey, _ := v.Keys().ExportKey()
	if bytes.Equal(oldKey, newKey) {
		t.Fatal("master key did not change")
	}

	// Records decode under the live key
	loaded, err := v.Load(ctx)
	if err != nil || len(loaded.Records) != 3 {
		t.Fatalf("Load() after rotation = %+v, %v", loaded, err)
	}

	// And from a fresh session with the new password
	fresh := newTestVault(t, store, nil)
	if err := fresh.Unlock(ctx, []byte("pw2")); err != nil {
		t.Fatalf("Unlock(pw2) error = %v", err)
	}

	// Grants issued before rotation no longer open records
	stale, err := OpenGrant(&SharingGrant{ReceiverIdentity: "friend", Envelope: *oldGrant}, []byte("friend"), nil)
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := store.GetEncryptedRecords(ctx)
	err = stale.WithKey(func(key []byte) error {
		_, err := newTestCodec(t).Decode(&stored[0].Envelope, key)
		return err
	})
	if !IsDecodeError(err) {
		t.Errorf("stale grant decode error = %v, want DecodeError", err)
	}
}

func TestRotateMasterKey_DryRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	v := seedVault(t, store, "pw", 2)

	before, _ := store.GetEncryptedRecords(ctx)
	result, err := v.RotateMasterKey(ctx, KeyRotationOptions{Password: []byte("pw"), DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Rotated != 2 || result.Envelope != nil {
		t.Errorf("dry run result = %+v", result)
	}
	after, _ := store.GetEncryptedRecords(ctx)
	for i := range before {
		if before[i].Envelope != after[i].Envelope {
			t.Error("dry run modified a record")
		}
	}
}

func TestRotateMasterKey_RollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{FileStore: newMemStore(t)}
	v := seedVault(t, store, "pw", 4)

	oldKey, _ := v.Keys().ExportKey()
	before, _ := store.GetEncryptedRecords(ctx)

	store.failing = true
	store.updatesLeft = 2
	_, err := v.RotateMasterKey(ctx, KeyRotationOptions{Password: []byte("pw")})
	if !errors.Is(err, errInjected) {
		t.Fatalf("RotateMasterKey() error = %v, want injected failure", err)
	}

	key, _ := v.Keys().ExportKey()
	if !bytes.Equal(oldKey, key) {
		t.Error("failed rotation replaced the live key")
	}

	after, _ := store.GetEncryptedRecords(ctx)
	for i := range before {
		if before[i].Envelope != after[i].Envelope {
			t.Errorf("record %s not restored", before[i].ID)
		}
	}

	loaded, err := v.Load(ctx)
	if err != nil || len(loaded.Records) != 4 {
		t.Fatalf("Load() after failed rotation = %+v, %v", loaded, err)
	}
}

// cancellingStore cancels the rotation's ctx after a number of updates and
// then refuses writes under a cancelled ctx, like a remote store would
type cancellingStore struct {
	*FileStore
	cancel      context.CancelFunc
	updatesLeft int
}

func (s *cancellingStore) UpdateEncryptedRecord(ctx context.Context, id string, env *RecordEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cancel != nil {
		if s.updatesLeft == 0 {
			s.cancel()
			s.cancel = nil
			return ctx.Err()
		}
		s.updatesLeft--
	}
	return s.FileStore.UpdateEncryptedRecord(ctx, id, env)
}

func TestRotateMasterKey_RollsBackAfterCancel(t *testing.T) {
	store := &cancellingStore{FileStore: newMemStore(t)}
	v := seedVault(t, store, "pw", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancel = cancel
	store.updatesLeft = 2

	if _, err := v.RotateMasterKey(ctx, KeyRotationOptions{Password: []byte("pw")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("RotateMasterKey() error = %v, want context.Canceled", err)
	}

	// Every record still opens under the key that remained in effect
	result, err := v.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 4 || result.SkippedCount() != 0 {
		t.Errorf("after cancelled rotation: %d records, %d skipped; want 4 and 0",
			len(result.Records), result.SkippedCount())
	}

	v.Lock()
	if err := v.Unlock(context.Background(), []byte("pw")); err != nil {
		t.Fatalf("Unlock() after cancelled rotation error = %v", err)
	}
	if result, _ := v.Load(context.Background()); result.SkippedCount() != 0 {
		t.Errorf("persisted envelope does not match records: %d skipped", result.SkippedCount())
	}
}

func TestRotateMasterKey_Locked(t *testing.T) {
	v := newTestVault(t, newMemStore(t), nil)
	_, err := v.RotateMasterKey(context.Background(), KeyRotationOptions{Password: []byte("pw")})
	if !errors.Is(err, ErrLocked) {
		t.Errorf("RotateMasterKey() on locked vault error = %v, want ErrLocked", err)
	}
}
