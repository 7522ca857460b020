package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ambientworks/capsuled/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store interface (kept minimal, allows swapping implementations).
type Store interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*models.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var snapshotPrefix = []byte("capsule:")

func snapshotKey(id string) []byte {
	return append(append([]byte{}, snapshotPrefix...), id...)
}

func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return txn.Set(snapshotKey(snap.Capsule.ID), data)
	})
}

func (s *BadgerStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	var out models.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListSnapshots(ctx context.Context) ([]*models.Snapshot, error) {
	var out []*models.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(snapshotPrefix); it.ValidForPrefix(snapshotPrefix); it.Next() {
			var snap models.Snapshot
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &snap)
			})
			if err != nil {
				return err
			}
			out = append(out, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteSnapshot(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(id))
	})
}
