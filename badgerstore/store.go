// Package badgerstore implements credvault.Store on a BadgerDB key-value store.
//
// Keys are namespaced by prefix:
//
//	vault:master_key        owner's MasterKeyEnvelope
//	vault:record:<uuid>     RecordEnvelope
//	vault:grant:<identity>  SharingGrant
//	vault:received:<label>  ReceivedGrant
//
// Values are JSON documents. Only envelopes are ever written.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/absfs/credvault"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	keyMasterKey   = "vault:master_key"
	prefixRecord   = "vault:record:"
	prefixGrant    = "vault:grant:"
	prefixReceived = "vault:received:"
)

// Config configures a badger-backed store
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory; used in tests
	InMemory bool

	// Logger receives badger's own log output at warning level and above
	Logger *slog.Logger
}

// Store is a credvault.Store backed by BadgerDB
type Store struct {
	db    *badger.DB
	owned bool
	log   *slog.Logger
}

var _ credvault.Store = (*Store)(nil)

// Open opens or creates a database as described by cfg
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badgerstore: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{log: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, owned: true, log: logger}, nil
}

// New wraps an already open database. Close does not close db.
func New(db *badger.DB) *Store {
	return &Store{db: db, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Close closes the database if it was opened by Open
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// GetMasterKeyEnvelope returns credvault.ErrVaultNotFound if no vault exists
func (s *Store) GetMasterKeyEnvelope(ctx context.Context) (*credvault.MasterKeyEnvelope, error) {
	var env credvault.MasterKeyEnvelope
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(keyMasterKey), &env)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, credvault.ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// PutMasterKeyEnvelope stores the owner's envelope
func (s *Store) PutMasterKeyEnvelope(ctx context.Context, env *credvault.MasterKeyEnvelope) error {
	if env == nil {
		return credvault.ErrNilEnvelope
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(keyMasterKey), env)
	})
}

// GetEncryptedRecords returns every record in key order. A value that is
// not a valid envelope is returned with Err set.
func (s *Store) GetEncryptedRecords(ctx context.Context) ([]credvault.StoredRecord, error) {
	var records []credvault.StoredRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			rec := credvault.StoredRecord{ID: strings.TrimPrefix(string(item.Key()), prefixRecord)}
			err := item.Value(func(v []byte) error {
				if err := json.Unmarshal(v, &rec.Envelope); err != nil {
					rec.Envelope = credvault.RecordEnvelope{}
					rec.Err = fmt.Errorf("record %s: %w", rec.ID, err)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PutEncryptedRecord stores env under a new uuid
func (s *Store) PutEncryptedRecord(ctx context.Context, env *credvault.RecordEnvelope) (string, error) {
	if env == nil {
		return "", credvault.ErrNilEnvelope
	}
	id := uuid.NewString()
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixRecord+id), env)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateEncryptedRecord replaces an existing record
func (s *Store) UpdateEncryptedRecord(ctx context.Context, id string, env *credvault.RecordEnvelope) error {
	if env == nil {
		return credvault.ErrNilEnvelope
	}
	key := []byte(prefixRecord + id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return credvault.ErrRecordNotFound
			}
			return err
		}
		return setJSON(txn, key, env)
	})
}

// DeleteRecord removes a record
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	return s.deleteExisting([]byte(prefixRecord+id), credvault.ErrRecordNotFound)
}

// PutSharingGrant stores grant, replacing any grant for the same receiver
func (s *Store) PutSharingGrant(ctx context.Context, grant *credvault.SharingGrant) error {
	if err := grant.Validate(); err != nil {
		return err
	}
	g := *grant
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixGrant+g.ReceiverIdentity), &g)
	})
}

// GetSharingGrants returns every grant ordered by receiver identity
func (s *Store) GetSharingGrants(ctx context.Context) ([]credvault.SharingGrant, error) {
	var grants []credvault.SharingGrant
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixGrant)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var g credvault.SharingGrant
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &g)
			}); err != nil {
				return err
			}
			grants = append(grants, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// DeleteSharingGrant removes the grant for identity
func (s *Store) DeleteSharingGrant(ctx context.Context, identity string) error {
	if err := credvault.ValidateIdentity(identity); err != nil {
		return err
	}
	return s.deleteExisting([]byte(prefixGrant+identity), credvault.ErrGrantNotFound)
}

// PutReceivedGrant stores grant under its label
func (s *Store) PutReceivedGrant(ctx context.Context, grant *credvault.ReceivedGrant) error {
	if err := grant.Validate(); err != nil {
		return err
	}
	g := *grant
	if g.ReceivedAt.IsZero() {
		g.ReceivedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixReceived+g.Label), &g)
	})
}

// GetReceivedGrant returns credvault.ErrGrantNotFound if label is unknown
func (s *Store) GetReceivedGrant(ctx context.Context, label string) (*credvault.ReceivedGrant, error) {
	if err := credvault.ValidateIdentity(label); err != nil {
		return nil, err
	}
	var g credvault.ReceivedGrant
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixReceived+label), &g)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, credvault.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetReceivedGrants returns every received grant ordered by label
func (s *Store) GetReceivedGrants(ctx context.Context) ([]credvault.ReceivedGrant, error) {
	var grants []credvault.ReceivedGrant
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixReceived)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var g credvault.ReceivedGrant
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &g)
			}); err != nil {
				return err
			}
			grants = append(grants, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// DeleteReceivedGrant removes the grant stored under label
func (s *Store) DeleteReceivedGrant(ctx context.Context, label string) error {
	if err := credvault.ValidateIdentity(label); err != nil {
		return err
	}
	return s.deleteExisting([]byte(prefixReceived+label), credvault.ErrGrantNotFound)
}

func (s *Store) deleteExisting(key []byte, notFound error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return notFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// badgerLogger forwards badger's printf-style logging to slog. Info and
// debug chatter is dropped.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(string, ...any) {}

func (l *badgerLogger) Debugf(string, ...any) {}
