// Package localcache keeps the last known snapshot of each document on disk
// so the terminal client can open a document while the document service is
// unreachable.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/doclet/internal/types"
)

var snapshotsBucket = []byte("snapshots")

// ErrNotCached is returned by Get for documents never stored.
var ErrNotCached = errors.New("document not cached")

// Entry is one cached document.
type Entry struct {
	DocumentID  types.DocumentID `json:"document_id"`
	DisplayName string           `json:"display_name"`
	Content     []byte           `json:"content"`
	SavedAt     time.Time        `json:"saved_at"`
}

// Cache is a bbolt file keyed by document id.
type Cache struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Put stores the latest snapshot of a document.
func (c *Cache) Put(documentID types.DocumentID, displayName string, content []byte) error {
	value, err := json.Marshal(Entry{
		DocumentID:  documentID,
		DisplayName: displayName,
		Content:     content,
		SavedAt:     c.now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(documentID), value)
	})
}

// Get returns the cached entry for a document.
func (c *Cache) Get(documentID types.DocumentID) (Entry, error) {
	var entry Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotsBucket).Get([]byte(documentID))
		if raw == nil {
			return ErrNotCached
		}
		// raw is only valid inside the transaction; Unmarshal copies it
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Delete forgets a document.
func (c *Cache) Delete(documentID types.DocumentID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(documentID))
	})
}

// Entries lists cached documents, most recently saved first. Content is
// omitted.
func (c *Cache) Entries() ([]Entry, error) {
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entry.Content = nil
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Close releases the file lock.
func (c *Cache) Close() error {
	return c.db.Close()
}
