package credvault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

const (
	recordsDir    = "records"
	grantsDir     = "grants"
	receivedDir   = "received"
	masterKeyFile = "master_key.json"
	fileExt       = ".json"
)

// FileStore is a Store that keeps one JSON document per envelope on an
// absfs.FileSystem:
//
//	<root>/master_key.json
//	<root>/records/<uuid>.json
//	<root>/grants/<base64url(identity)>.json
//	<root>/received/<base64url(label)>.json
type FileStore struct {
	mu   sync.RWMutex
	fs   absfs.FileSystem
	root string
}

// NewFileStore creates the store layout under root on base
func NewFileStore(base absfs.FileSystem, root string) (*FileStore, error) {
	if base == nil {
		return nil, ErrNilStore
	}
	if root == "" {
		root = "/"
	}
	for _, dir := range []string{root, path.Join(root, recordsDir), path.Join(root, grantsDir), path.Join(root, receivedDir)} {
		if err := base.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &FileStore{fs: base, root: root}, nil
}

// GetMasterKeyEnvelope reads the owner's envelope
func (s *FileStore) GetMasterKeyEnvelope(ctx context.Context) (*MasterKeyEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var env MasterKeyEnvelope
	if err := s.readJSON(path.Join(s.root, masterKeyFile), &env); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	return &env, nil
}

// PutMasterKeyEnvelope writes the owner's envelope
func (s *FileStore) PutMasterKeyEnvelope(ctx context.Context, env *MasterKeyEnvelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(path.Join(s.root, masterKeyFile), env)
}

// GetEncryptedRecords returns all records sorted by id. A record file that
// cannot be read or parsed is returned with Err set.
func (s *FileStore) GetEncryptedRecords(ctx context.Context) ([]StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.list(path.Join(s.root, recordsDir))
	if err != nil {
		return nil, err
	}

	records := make([]StoredRecord, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := StoredRecord{ID: strings.TrimSuffix(name, fileExt)}
		if err := s.readJSON(path.Join(s.root, recordsDir, name), &rec.Envelope); err != nil {
			rec.Envelope = RecordEnvelope{}
			rec.Err = fmt.Errorf("failed to read record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PutEncryptedRecord stores env under a new uuid
func (s *FileStore) PutEncryptedRecord(ctx context.Context, env *RecordEnvelope) (string, error) {
	if env == nil {
		return "", ErrNilEnvelope
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := s.writeJSON(s.recordPath(id), env); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateEncryptedRecord replaces the envelope of an existing record
func (s *FileStore) UpdateEncryptedRecord(ctx context.Context, id string, env *RecordEnvelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if err := validRecordID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fs.Stat(s.recordPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrRecordNotFound
		}
		return err
	}
	return s.writeJSON(s.recordPath(id), env)
}

// DeleteRecord removes a record
func (s *FileStore) DeleteRecord(ctx context.Context, id string) error {
	if err := validRecordID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.recordPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

// PutSharingGrant writes grant, replacing any previous grant for the receiver
func (s *FileStore) PutSharingGrant(ctx context.Context, grant *SharingGrant) error {
	if err := grant.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := *grant
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return s.writeJSON(s.grantPath(g.ReceiverIdentity), &g)
}

// GetSharingGrants returns all grants sorted by receiver identity
func (s *FileStore) GetSharingGrants(ctx context.Context) ([]SharingGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.list(path.Join(s.root, grantsDir))
	if err != nil {
		return nil, err
	}

	grants := make([]SharingGrant, 0, len(names))
	for _, name := range names {
		var g SharingGrant
		if err := s.readJSON(path.Join(s.root, grantsDir, name), &g); err != nil {
			return nil, fmt.Errorf("failed to read grant: %w", err)
		}
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].ReceiverIdentity < grants[j].ReceiverIdentity
	})
	return grants, nil
}

// DeleteSharingGrant removes the grant for identity
func (s *FileStore) DeleteSharingGrant(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.grantPath(identity)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGrantNotFound
		}
		return err
	}
	return nil
}

// PutReceivedGrant writes grant under its label
func (s *FileStore) PutReceivedGrant(ctx context.Context, grant *ReceivedGrant) error {
	if err := grant.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := *grant
	if g.ReceivedAt.IsZero() {
		g.ReceivedAt = time.Now().UTC()
	}
	return s.writeJSON(s.receivedPath(g.Label), &g)
}

// GetReceivedGrant reads the grant stored under label
func (s *FileStore) GetReceivedGrant(ctx context.Context, label string) (*ReceivedGrant, error) {
	if err := ValidateIdentity(label); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g ReceivedGrant
	if err := s.readJSON(s.receivedPath(label), &g); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to read received grant: %w", err)
	}
	return &g, nil
}

// GetReceivedGrants returns all received grants sorted by label
func (s *FileStore) GetReceivedGrants(ctx context.Context) ([]ReceivedGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.list(path.Join(s.root, receivedDir))
	if err != nil {
		return nil, err
	}

	grants := make([]ReceivedGrant, 0, len(names))
	for _, name := range names {
		var g ReceivedGrant
		if err := s.readJSON(path.Join(s.root, receivedDir, name), &g); err != nil {
			return nil, fmt.Errorf("failed to read received grant: %w", err)
		}
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].Label < grants[j].Label
	})
	return grants, nil
}

// DeleteReceivedGrant removes the grant stored under label
func (s *FileStore) DeleteReceivedGrant(ctx context.Context, label string) error {
	if err := ValidateIdentity(label); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.receivedPath(label)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGrantNotFound
		}
		return err
	}
	return nil
}

func (s *FileStore) receivedPath(label string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(label))
	return path.Join(s.root, receivedDir, name+fileExt)
}

func (s *FileStore) recordPath(id string) string {
	return path.Join(s.root, recordsDir, id+fileExt)
}

func (s *FileStore) grantPath(identity string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(identity))
	return path.Join(s.root, grantsDir, name+fileExt)
}

func (s *FileStore) list(dir string) ([]string, error) {
	f, err := s.fs.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	out := names[:0]
	for _, name := range names {
		if strings.HasSuffix(name, fileExt) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) readJSON(name string, v any) error {
	f, err := s.fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f, err := s.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

func validRecordID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "id", Value: id, Message: "record id must be a uuid", Err: err}
	}
	return nil
}
