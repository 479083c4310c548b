package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltCache is a LocalCache backed by a single bbolt file. Every PutAll is
// one bbolt transaction, so symmetric keys are written together or not at
// all.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (creating if needed) the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(conversationsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (c *BoltCache) PutAll(_ context.Context, entries map[string][]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		for k, v := range entries {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *BoltCache) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(conversationsBucket).Cursor()
		for k, v := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cur.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
