// Package vault stores per-project secret material in a bbolt file, one
// bucket per project. Deploys merge vault keys into the project env file;
// only counts are ever logged.
package vault

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Vault is a bbolt-backed secret store.
type Vault struct {
	db *bolt.DB
}

// Open opens (creating if needed) the vault file at path with owner-only
// permissions.
func Open(path string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return &Vault{db: db}, nil
}

// Close releases the vault file.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores one secret for a project.
func (v *Vault) Set(project, key, value string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(project))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// Get fetches one secret. The second return reports presence.
func (v *Vault) Get(project, key string) (string, bool, error) {
	var value string
	var found bool
	err := v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(project))
		if b == nil {
			return nil
		}
		if data := b.Get([]byte(key)); data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Keys lists a project's secret names. Values are never listed.
func (v *Vault) Keys(project string) ([]string, error) {
	var keys []string
	err := v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(project))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// All returns every secret for a project, for env-file injection.
func (v *Vault) All(project string) (map[string]string, error) {
	out := make(map[string]string)
	err := v.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(project))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, val []byte) error {
			out[string(k)] = string(val)
			return nil
		})
	})
	return out, err
}

// Unset removes one secret. Removing an absent key is a no-op.
func (v *Vault) Unset(project, key string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(project))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// DeleteProject drops a project's entire bucket, used by the destroy
// cascade.
func (v *Vault) DeleteProject(project string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(project)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(project))
	})
}
