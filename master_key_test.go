package credvault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/awnumar/memguard"
)

func newTestKeys(t *testing.T, version FormatVersion) *MasterKeyVault {
	t.Helper()
	keys, err := NewMasterKeyVault(&Config{Version: version})
	if err != nil {
		t.Fatalf("NewMasterKeyVault() error = %v", err)
	}
	return keys
}

func TestMasterKeyVault_CreateUnlock(t *testing.T) {
	for _, version := range []FormatVersion{FormatV1, FormatV2} {
		keys := newTestKeys(t, version)
		if keys.State() != Locked {
			t.Fatalf("new vault state = %v, want locked", keys.State())
		}

		env, err := keys.Create([]byte("pw-one"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if keys.State() != Unlocked {
			t.Fatalf("state after Create = %v, want unlocked", keys.State())
		}
		if env.Version != version {
			t.Errorf("envelope version = %d, want %d", env.Version, version)
		}
		if err := env.Validate(); err != nil {
			t.Fatalf("envelope Validate() error = %v", err)
		}

		original, err := keys.ExportKey()
		if err != nil {
			t.Fatal(err)
		}
		defer memguard.WipeBytes(original)

		keys.Lock()
		if keys.State() != Locked {
			t.Fatal("Lock() did not lock")
		}
		if _, err := keys.ExportKey(); !errors.Is(err, ErrLocked) {
			t.Errorf("ExportKey() while locked error = %v, want ErrLocked", err)
		}

		if err := keys.Unlock(env, []byte("pw-one")); err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		reopened, _ := keys.ExportKey()
		if !bytes.Equal(original, reopened) {
			t.Error("unlocked key differs from created key")
		}
		memguard.WipeBytes(reopened)
	}
}

func TestMasterKeyVault_WrongPassword(t *testing.T) {
	keys := newTestKeys(t, FormatV1)
	env, err := keys.Create([]byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	keys.Lock()

	err = keys.Unlock(env, []byte("wrong"))
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("Unlock(wrong) error = %v, want ErrInvalidPassword", err)
	}
	if err.Error() != ErrInvalidPassword.Error() {
		t.Errorf("Unlock(wrong) leaks detail: %q", err)
	}
	if keys.State() != Locked {
		t.Error("vault unlocked after wrong password")
	}
}

func TestMasterKeyVault_CreateTwice(t *testing.T) {
	keys := newTestKeys(t, FormatV1)
	if _, err := keys.Create([]byte("pw")); err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Create([]byte("pw")); !errors.Is(err, ErrAlreadyUnlocked) {
		t.Errorf("second Create() error = %v, want ErrAlreadyUnlocked", err)
	}
}

func TestMasterKeyVault_WrapFor(t *testing.T) {
	owner := newTestKeys(t, FormatV1)
	if _, err := owner.Create([]byte("owner-pw")); err != nil {
		t.Fatal(err)
	}

	grant, err := owner.WrapFor([]byte("receiver-pw"))
	if err != nil {
		t.Fatalf("WrapFor() error = %v", err)
	}

	receiver := newTestKeys(t, FormatV1)
	if err := receiver.Unlock(grant, []byte("receiver-pw")); err != nil {
		t.Fatalf("receiver Unlock() error = %v", err)
	}

	a, _ := owner.ExportKey()
	b, _ := receiver.ExportKey()
	if !bytes.Equal(a, b) {
		t.Error("grant did not carry the owner's key")
	}

	receiver.Lock()
	if err := receiver.Unlock(grant, []byte("owner-pw")); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("grant opened with owner password: %v", err)
	}
}

func TestMasterKeyVault_WithKeyLocked(t *testing.T) {
	keys := newTestKeys(t, FormatV1)
	called := false
	err := keys.WithKey(func([]byte) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLocked) || called {
		t.Errorf("WithKey() on locked vault: err = %v, called = %v", err, called)
	}
}

func TestMasterKeyEnvelope_Legacy(t *testing.T) {
	keys := newTestKeys(t, FormatV1)
	env, err := keys.Create([]byte("legacy-pw"))
	if err != nil {
		t.Fatal(err)
	}
	keys.Lock()

	ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	tag, _ := base64.StdEncoding.DecodeString(env.Tag)
	legacy := &MasterKeyEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(append(ct, tag...)),
		IV:         env.IV,
		Salt:       env.Salt,
	}
	if !legacy.IsLegacy() {
		t.Fatal("IsLegacy() = false for tagless envelope")
	}
	if err := keys.Unlock(legacy, []byte("legacy-pw")); err != nil {
		t.Fatalf("Unlock(legacy) error = %v", err)
	}
}

func TestMasterKeyEnvelope_Malformed(t *testing.T) {
	keys := newTestKeys(t, FormatV1)
	env, err := keys.Create([]byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	keys.Lock()

	short := base64.StdEncoding.EncodeToString(make([]byte, 8))

	tests := []struct {
		name   string
		mutate func(e *MasterKeyEnvelope)
		field  string
	}{
		{"short iv", func(e *MasterKeyEnvelope) { e.IV = short }, "iv"},
		{"short salt", func(e *MasterKeyEnvelope) { e.Salt = short }, "salt"},
		{"short tag", func(e *MasterKeyEnvelope) { e.Tag = short }, "tag"},
		{"bad base64", func(e *MasterKeyEnvelope) { e.Ciphertext = "%%%" }, "ciphertext"},
		{"missing iv", func(e *MasterKeyEnvelope) { e.IV = "" }, "iv"},
		{"unknown version", func(e *MasterKeyEnvelope) { e.Version = 7 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *env
			tt.mutate(&bad)
			err := keys.Unlock(&bad, []byte("pw"))

			var me *MalformedEnvelopeError
			if !errors.As(err, &me) {
				t.Fatalf("Unlock() error = %v, want MalformedEnvelopeError", err)
			}
			if me.Field != tt.field {
				t.Errorf("field = %q, want %q", me.Field, tt.field)
			}
		})
	}

	bad := *env
	bad.Version = 7
	if err := keys.Unlock(&bad, []byte("pw")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("unknown version error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestMasterKeyEnvelope_VersionMismatch(t *testing.T) {
	// A v2 envelope relabelled as v1 must fail authentication, not decode garbage
	keys := newTestKeys(t, FormatV2)
	env, err := keys.Create([]byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	keys.Lock()

	relabelled := *env
	relabelled.Version = FormatV1
	if err := keys.Unlock(&relabelled, []byte("pw")); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Unlock(relabelled) error = %v, want ErrInvalidPassword", err)
	}
}

func TestKeyState_String(t *testing.T) {
	if Locked.String() != "locked" || Unlocked.String() != "unlocked" || KeyState(5).String() != "unknown" {
		t.Error("KeyState.String() mismatch")
	}
}

func TestMasterKeyVault_Import(t *testing.T) {
	owner := newTestKeys(t, FormatV1)
	if _, err := owner.Create([]byte("owner-pw")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	raw, err := owner.ExportKey()
	if err != nil {
		t.Fatalf("ExportKey() error = %v", err)
	}
	want := append([]byte(nil), raw...)

	receiver := newTestKeys(t, FormatV1)
	if err := receiver.Import(raw); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if !bytes.Equal(raw, make([]byte, KeySize)) {
		t.Error("Import() did not wipe its input")
	}
	if receiver.State() != Unlocked {
		t.Errorf("state after Import = %v, want unlocked", receiver.State())
	}

	err = receiver.WithKey(func(key []byte) error {
		if !bytes.Equal(key, want) {
			t.Error("imported key differs from exported key")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithKey() error = %v", err)
	}

	if err := receiver.Import(make([]byte, 7)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Import(short key) error = %v, want ErrInvalidKey", err)
	}
}
