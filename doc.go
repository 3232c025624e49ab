// Package credvault is the cryptographic core of an end-to-end encrypted
// credential vault.
//
// # Overview
//
// Account records are encrypted under a random 256-bit master key. The
// master key is never stored in the clear: it is wrapped under a key
// stretched from the user's password and persisted as a MasterKeyEnvelope.
// Stores only ever see envelopes.
//
//	fs, _ := memfs.NewFS()
//	store, _ := credvault.NewFileStore(fs, "/vault")
//	v, _ := credvault.New(store, credvault.DefaultConfig())
//
//	if err := v.Create(ctx, []byte("correct horse battery staple")); err != nil {
//	    return err
//	}
//	id, _ := v.Add(ctx, &credvault.AccountRecord{Username: "alice", Password: "hunter2"})
//
//	result, _ := v.Load(ctx)
//	for _, r := range result.Records {
//	    fmt.Println(r.ID, r.Record.Username)
//	}
//
// # Formats
//
// Every envelope carries a format version selecting its key derivation and
// cipher suite:
//   - FormatV1: PBKDF2-HMAC-SHA256 with 100,000 iterations and AES-256-GCM
//   - FormatV2: Argon2id with ChaCha20-Poly1305
//
// Envelopes without a version read as FormatV1. Envelopes whose
// authentication tag is appended to the ciphertext instead of stored
// separately are accepted on read and never written.
//
// # Master key lifecycle
//
// MasterKeyVault holds the unwrapped key in a memguard enclave. It is
// Locked until Create, Unlock or Import succeeds, and Lock destroys the
// key. WithKey gives callers scoped access without copying the key out.
//
// # Sharing
//
// A SharingGrant is the master key wrapped under another identity's
// password. Grants are produced by the handshake in the sharing package and
// opened with OpenGrant. A receiver keeps a grant as a ReceivedGrant under a
// label and reads the owner's records with Vault.LoadShared. Revoking a
// grant deletes it; RotateMasterKey replaces the key so that copies of old
// grants no longer open the vault.
//
// # Errors
//
// Failures are reported as ValidationError, EncryptionError,
// MalformedEnvelopeError, AuthenticationError or DecodeError, each with an
// IsX helper. A wrong password and a tampered envelope are
// indistinguishable and both surface as ErrInvalidPassword.
package credvault
