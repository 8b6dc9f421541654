// Package cache holds already-fetched message ids between the fetch and
// delete phases, keyed by category, in a local bbolt database.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const idsBucket = "message_ids"

// ErrBucketNotFound indicates a corrupt or foreign database file.
var ErrBucketNotFound = errors.New("cache: bucket not found")

// IDCache is a persistent category -> message ids map.
type IDCache struct {
	db *bbolt.DB
}

// Open opens or creates the cache database at path.
func Open(path string) (*IDCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(idsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &IDCache{db: db}, nil
}

// Close closes the database.
func (c *IDCache) Close() error {
	return c.db.Close()
}

// Put replaces the cached ids for a category.
func (c *IDCache) Put(category string, ids []string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idsBucket))
		if b == nil {
			return ErrBucketNotFound
		}
		val, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		return b.Put([]byte(category), val)
	})
}

// Get returns the cached ids for a category. An absent category yields an
// empty result, not an error; category validity is checked upstream.
func (c *IDCache) Get(category string) ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idsBucket))
		if b == nil {
			return ErrBucketNotFound
		}
		val := b.Get([]byte(category))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, &ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops the given ids from a category, keeping the rest. Used after a
// partial run so only undeleted ids stay cached.
func (c *IDCache) Remove(category string, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idsBucket))
		if b == nil {
			return ErrBucketNotFound
		}
		val := b.Get([]byte(category))
		if val == nil {
			return nil
		}
		var current []string
		if err := json.Unmarshal(val, &current); err != nil {
			return err
		}
		kept := current[:0]
		for _, id := range current {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		out, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		return b.Put([]byte(category), out)
	})
}

// Clear removes a category entirely.
func (c *IDCache) Clear(category string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idsBucket))
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Delete([]byte(category))
	})
}

// Counts returns the number of cached ids per category.
func (c *IDCache) Counts() (map[string]int, error) {
	counts := make(map[string]int)
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idsBucket))
		if b == nil {
			return ErrBucketNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			var ids []string
			if err := json.Unmarshal(v, &ids); err != nil {
				return err
			}
			counts[string(k)] = len(ids)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
