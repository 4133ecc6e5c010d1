package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIndex = []byte("album_index")
	keyEntries  = []byte("entries")
	keySavedAt  = []byte("saved_at")
)

// SnapshotStore persists the album index between runs.
type SnapshotStore interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, entries []Entry) error
	// Load returns the stored snapshot; an absent snapshot yields no entries.
	Load(ctx context.Context) ([]Entry, time.Time, error)
	// Close releases underlying resources.
	Close() error
}

// BoltSnapshotStore keeps the index snapshot in a bbolt file.
type BoltSnapshotStore struct {
	db *bolt.DB
}

// OpenBoltSnapshotStore opens or creates the snapshot file at path.
func OpenBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	if path == "" {
		return nil, fmt.Errorf("open snapshot store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open snapshot store: create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open snapshot store: create bucket: %w", err)
	}

	return &BoltSnapshotStore{db: db}, nil
}

// Save replaces the stored snapshot.
func (s *BoltSnapshotStore) Save(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("save snapshot: marshal: %w", err)
	}
	savedAt, err := time.Now().UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("save snapshot: marshal time: %w", err)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIndex)
		if bucket == nil {
			return errors.New("missing bucket")
		}
		if err := bucket.Put(keyEntries, payload); err != nil {
			return err
		}
		return bucket.Put(keySavedAt, savedAt)
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

// Load returns the stored snapshot and the time it was saved.
func (s *BoltSnapshotStore) Load(ctx context.Context) ([]Entry, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot: %w", err)
	}

	var (
		entries []Entry
		savedAt time.Time
	)
	if err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIndex)
		if bucket == nil {
			return nil
		}
		payload := bucket.Get(keyEntries)
		if payload == nil {
			return nil
		}
		if err := json.Unmarshal(payload, &entries); err != nil {
			return fmt.Errorf("unmarshal entries: %w", err)
		}
		if raw := bucket.Get(keySavedAt); raw != nil {
			if err := savedAt.UnmarshalText(raw); err != nil {
				return fmt.Errorf("unmarshal saved_at: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, time.Time{}, fmt.Errorf("load snapshot: %w", err)
	}

	return entries, savedAt, nil
}

// Close closes the bbolt file.
func (s *BoltSnapshotStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close snapshot store: %w", err)
	}

	return nil
}
