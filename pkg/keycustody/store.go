package keycustody

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/medchain-labs/custodia/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketKeyMeta     = []byte("key_meta")
	bucketKeyMaterial = []byte("key_material")
	bucketPublicKeys  = []byte("public_keys")
)

// Store persists key metadata and wrapped key material in BoltDB.
// Material is always stored wrapped; nothing in this file touches
// plaintext keys.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the key store under dir
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	dbPath := filepath.Join(dir, "keys.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKeyMeta, bucketKeyMaterial, bucketPublicKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// PutKey stores a key's metadata together with its wrapped material in
// one transaction.
func (s *Store) PutKey(meta *types.DataKey, wrapped []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketKeyMeta).Put([]byte(meta.KeyID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketKeyMaterial).Put([]byte(meta.KeyID), wrapped)
	})
}

// GetKey loads a key's metadata and wrapped material
func (s *Store) GetKey(keyID string) (*types.DataKey, []byte, error) {
	var meta types.DataKey
	var wrapped []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeyMeta).Get([]byte(keyID))
		if data == nil {
			return fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		if raw := tx.Bucket(bucketKeyMaterial).Get([]byte(keyID)); raw != nil {
			wrapped = append([]byte{}, raw...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &meta, wrapped, nil
}

// UpdateMeta rewrites a key's metadata, leaving material untouched
func (s *Store) UpdateMeta(meta *types.DataKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyMeta)
		if b.Get([]byte(meta.KeyID)) == nil {
			return fmt.Errorf("key %s: %w", meta.KeyID, ErrKeyNotFound)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.KeyID), data)
	})
}

// ListKeys returns all key metadata
func (s *Store) ListKeys() ([]*types.DataKey, error) {
	var keys []*types.DataKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyMeta).ForEach(func(k, v []byte) error {
			var meta types.DataKey
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			keys = append(keys, &meta)
			return nil
		})
	})
	return keys, err
}

// DiscardMaterial deletes a key's wrapped material while keeping the
// metadata row. Used by operator-driven disposal after rotation.
func (s *Store) DiscardMaterial(keyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyMaterial).Delete([]byte(keyID))
	})
}

// PutPublicKey stores the PEM public half of a signing pair
func (s *Store) PutPublicKey(keyID string, pemBytes []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPublicKeys).Put([]byte(keyID), pemBytes)
	})
}

// GetPublicKey loads the PEM public half of a signing pair
func (s *Store) GetPublicKey(keyID string) ([]byte, error) {
	var pemBytes []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPublicKeys).Get([]byte(keyID))
		if data == nil {
			return fmt.Errorf("public key %s: %w", keyID, ErrKeyNotFound)
		}
		pemBytes = append([]byte{}, data...)
		return nil
	})
	return pemBytes, err
}
