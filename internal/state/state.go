// Package state wraps a bbolt database holding non-secret token metadata.
// Secret material (access/refresh/id tokens) never goes through this
// package; it lives in the secret store.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var tokenMetaBucket = []byte("token_meta")

// TokenMeta holds the non-secret half of a stored token record.
// Seq records insertion order and is assigned on first save; it breaks
// RetrievedAt ties during newest-valid selection.
type TokenMeta struct {
	UserID      string `json:"user_id"`
	UserEmail   string `json:"user_email,omitempty"`
	RetrievedAt int64  `json:"retrieved_at"`
	Seq         uint64 `json:"seq"`
}

// Store wraps a bbolt database for persistent token metadata.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.google-photos-mcp/state.db,
// creating it if it does not exist.
func Load() (*Store, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(dir, ".google-photos-mcp", "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokenMetaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTokenMeta persists metadata for a user. A new user is assigned the
// next insertion sequence number; updates keep the original sequence.
func (s *Store) SaveTokenMeta(m TokenMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokenMetaBucket)

		if v := b.Get([]byte(m.UserID)); v != nil {
			var prev TokenMeta
			if err := json.Unmarshal(v, &prev); err == nil {
				m.Seq = prev.Seq
			}
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			m.Seq = seq
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(m.UserID), data)
	})
}

// GetTokenMeta returns the metadata for a user, or nil if not found.
func (s *Store) GetTokenMeta(userID string) (*TokenMeta, error) {
	var m *TokenMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokenMetaBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		m = &TokenMeta{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// DeleteTokenMeta removes the metadata for a user. Deleting an absent
// user is not an error.
func (s *Store) DeleteTokenMeta(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenMetaBucket).Delete([]byte(userID))
	})
}

// AllTokenMeta returns metadata for every known user.
func (s *Store) AllTokenMeta() ([]TokenMeta, error) {
	var all []TokenMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenMetaBucket).ForEach(func(k, v []byte) error {
			var m TokenMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			all = append(all, m)

			return nil
		})
	})

	return all, err
}
