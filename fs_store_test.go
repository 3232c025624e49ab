package credvault

import (
	"context"
	"errors"
	"testing"

	"github.com/absfs/memfs"
	"github.com/google/uuid"
)

func newMemStore(t testing.TB) *FileStore {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	store, err := NewFileStore(base, "/vault")
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func TestFileStore_MasterKeyEnvelope(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)

	if _, err := store.GetMasterKeyEnvelope(ctx); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("GetMasterKeyEnvelope() on empty store error = %v, want ErrVaultNotFound", err)
	}

	env := &MasterKeyEnvelope{Version: FormatV1, Ciphertext: "YQ==", IV: "Yg==", Salt: "Yw==", Tag: "ZA=="}
	if err := store.PutMasterKeyEnvelope(ctx, env); err != nil {
		t.Fatalf("PutMasterKeyEnvelope() error = %v", err)
	}
	got, err := store.GetMasterKeyEnvelope(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *env {
		t.Errorf("GetMasterKeyEnvelope() = %+v, want %+v", got, env)
	}
}

func TestFileStore_Records(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)

	id, err := store.PutEncryptedRecord(ctx, &RecordEnvelope{Ciphertext: "one", IV: "iv1"})
	if err != nil {
		t.Fatalf("PutEncryptedRecord() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("record id %q is not a uuid", id)
	}
	id2, err := store.PutEncryptedRecord(ctx, &RecordEnvelope{Ciphertext: "two", IV: "iv2"})
	if err != nil {
		t.Fatal(err)
	}

	records, err := store.GetEncryptedRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("GetEncryptedRecords() = %d records, want 2", len(records))
	}

	if err := store.UpdateEncryptedRecord(ctx, id, &RecordEnvelope{Ciphertext: "uno", IV: "iv3"}); err != nil {
		t.Fatalf("UpdateEncryptedRecord() error = %v", err)
	}
	records, _ = store.GetEncryptedRecords(ctx)
	for _, r := range records {
		if r.ID == id && r.Envelope.Ciphertext != "uno" {
			t.Errorf("updated record = %+v", r.Envelope)
		}
	}

	if err := store.DeleteRecord(ctx, id2); err != nil {
		t.Fatalf("DeleteRecord() error = %v", err)
	}
	records, _ = store.GetEncryptedRecords(ctx)
	if len(records) != 1 || records[0].ID != id {
		t.Errorf("after delete: %+v", records)
	}

	missing := uuid.NewString()
	if err := store.UpdateEncryptedRecord(ctx, missing, &RecordEnvelope{}); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrRecordNotFound", err)
	}
	if err := store.DeleteRecord(ctx, missing); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrRecordNotFound", err)
	}
	if err := store.DeleteRecord(ctx, "../master_key"); !IsValidationError(err) {
		t.Errorf("Delete(path) error = %v, want ValidationError", err)
	}
}

func TestFileStore_Grants(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)

	keys := newTestKeys(t, FormatV1)
	if _, err := keys.Create([]byte("owner")); err != nil {
		t.Fatal(err)
	}
	env, err := keys.WrapFor([]byte("friend"))
	if err != nil {
		t.Fatal(err)
	}

	for _, identity := range []string{"bob@example.com", "alice/with/slashes"} {
		if err := store.PutSharingGrant(ctx, &SharingGrant{ReceiverIdentity: identity, Envelope: *env}); err != nil {
			t.Fatalf("PutSharingGrant(%s) error = %v", identity, err)
		}
	}
	// Replacing keeps one grant per receiver
	if err := store.PutSharingGrant(ctx, &SharingGrant{ReceiverIdentity: "bob@example.com", Envelope: *env}); err != nil {
		t.Fatal(err)
	}

	grants, err := store.GetSharingGrants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 2 {
		t.Fatalf("GetSharingGrants() = %d grants, want 2", len(grants))
	}
	if grants[0].ReceiverIdentity != "alice/with/slashes" || grants[0].CreatedAt.IsZero() {
		t.Errorf("grants[0] = %+v", grants[0])
	}

	if err := store.DeleteSharingGrant(ctx, "bob@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSharingGrant(ctx, "bob@example.com"); !errors.Is(err, ErrGrantNotFound) {
		t.Errorf("second delete error = %v, want ErrGrantNotFound", err)
	}

	if err := store.PutSharingGrant(ctx, &SharingGrant{ReceiverIdentity: "x"}); !IsMalformedEnvelopeError(err) {
		t.Errorf("PutSharingGrant(empty envelope) error = %v, want MalformedEnvelopeError", err)
	}
}
