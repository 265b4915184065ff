// Package boltlog adapts go.etcd.io/bbolt as an alternate archival backend
// for a compacted entity snapshot: one bucket per entity, one key/value pair
// per live record, keyed by the record's encoded primary key. It is not on
// the hot insert/update/delete path — shardLog's plain-text append-only
// files remain the log of record. boltlog exists for embeddb-compact's
// --snapshot flag, which mirrors a compacted entity into a single-file
// bbolt database for offline inspection or transfer.
package boltlog

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Store wraps one bbolt database file holding one bucket per entity.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed snapshot file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltlog: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutEntity replaces the entity's bucket wholesale with the given
// primary-key-to-wire-record snapshot. rows maps a JSON-encoded primary key
// to the record's wire-encoded (tagged) value.
func (s *Store) PutEntity(entity string, rows map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := []byte(entity)
		if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("boltlog: reset bucket %s: %w", entity, err)
		}
		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return fmt.Errorf("boltlog: create bucket %s: %w", entity, err)
		}
		for key, value := range rows {
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("boltlog: put %s/%s: %w", entity, key, err)
			}
		}
		return nil
	})
}

// Entities lists every entity bucket present in the snapshot file.
func (s *Store) Entities() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltlog: list entities: %w", err)
	}
	return names, nil
}

// ReadEntity returns every row in an entity's bucket, keyed by the
// JSON-encoded primary key.
func (s *Store) ReadEntity(entity string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entity))
		if b == nil {
			return fmt.Errorf("boltlog: no such entity bucket %q", entity)
		}
		return b.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			out[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeKey canonicalizes a primary-key value into the byte string used as
// a bbolt key, matching the canonical JSON encoding internal/shardhash
// hashes over so the two stay consistent for the same key value.
func EncodeKey(pk interface{}) ([]byte, error) {
	b, err := json.Marshal(pk)
	if err != nil {
		return nil, fmt.Errorf("boltlog: encode key %v: %w", pk, err)
	}
	return b, nil
}
