package pages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const snapshotSchemaVersion = "1"

var (
	bucketPages      = []byte("pages")
	bucketMeta       = []byte("meta")
	keySchemaVersion = []byte("schema_version")
)

// SnapshotStore persists page snapshots in a bbolt file so a restarted
// server can serve the previous build immediately instead of starting cold.
type SnapshotStore struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// OpenSnapshots opens or creates the snapshot database at the given path.
func OpenSnapshots(path string, logger zerolog.Logger) (*SnapshotStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path must not be empty")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	s := &SnapshotStore{db: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPages); err != nil {
			return fmt.Errorf("create pages bucket: %w", err)
		}
		version := meta.Get(keySchemaVersion)
		if version == nil {
			return meta.Put(keySchemaVersion, []byte(snapshotSchemaVersion))
		}
		if string(version) != snapshotSchemaVersion {
			s.logger.Warn().
				Str("found", string(version)).
				Str("want", snapshotSchemaVersion).
				Msg("snapshot schema changed, discarding persisted pages")
			if err := tx.DeleteBucket(bucketPages); err != nil {
				return fmt.Errorf("drop pages bucket: %w", err)
			}
			if _, err := tx.CreateBucketIfNotExists(bucketPages); err != nil {
				return fmt.Errorf("recreate pages bucket: %w", err)
			}
			return meta.Put(keySchemaVersion, []byte(snapshotSchemaVersion))
		}
		return nil
	})
}

// Save writes one snapshot, replacing any previous build of the route.
func (s *SnapshotStore) Save(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Route, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).Put([]byte(snap.Route), payload)
	})
}

// Delete removes the persisted snapshot of a route, if any.
func (s *SnapshotStore) Delete(route string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).Delete([]byte(route))
	})
}

// Load returns all persisted snapshots. Entries that no longer decode are
// skipped, they will be rebuilt on demand.
func (s *SnapshotStore) Load() ([]Snapshot, error) {
	var result []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).ForEach(func(k, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				s.logger.Warn().Err(err).Str("route", string(k)).Msg("skip undecodable snapshot")
				return nil
			}
			result = append(result, snap)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return result, nil
}

// Close closes the underlying database file.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
