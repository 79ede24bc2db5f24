// Package cache persists collection snapshots with a staleness window.
// Reads never wait on the network: a stale snapshot is returned as-is and
// the caller refreshes in the background. An entry turns stale either by
// explicit invalidation (a push event touched the collection) or by aging
// past the freshness window.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskfolk/syncline/internal/store"
)

// keyPrefix namespaces cache entries inside the shared store.
const keyPrefix = "cache/"

// entry is the persisted envelope around a collection snapshot.
type entry struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
	Stale     bool            `json:"stale"`
}

// Cache stores one snapshot per collection in the durable store.
type Cache struct {
	store     *store.Store
	freshness time.Duration
}

// New creates a cache over st. Entries older than freshness are reported
// stale even when never explicitly invalidated.
func New(st *store.Store, freshness time.Duration) *Cache {
	return &Cache{store: st, freshness: freshness}
}

// Set replaces the snapshot for a collection, stamping it fresh as of now.
func (c *Cache) Set(collection string, data []byte) error {
	raw, err := json.Marshal(entry{
		Data:      json.RawMessage(data),
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", collection, err)
	}

	if err := c.store.Set(keyPrefix+collection, string(raw)); err != nil {
		return fmt.Errorf("persisting snapshot for %s: %w", collection, err)
	}

	return nil
}

// Get returns the snapshot for a collection and whether it is stale.
// Missing and unreadable entries return store.ErrNotFound; stale entries
// are returned, not withheld.
func (c *Cache) Get(collection string) (data []byte, stale bool, err error) {
	e, err := c.load(collection)
	if err != nil {
		return nil, false, err
	}

	return e.Data, c.isStale(e), nil
}

// MarkStale flags a collection so the next sync refreshes it. Flagging an
// uncached collection is a no-op.
func (c *Cache) MarkStale(collection string) error {
	e, err := c.load(collection)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if e.Stale {
		return nil
	}

	e.Stale = true

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", collection, err)
	}

	if err := c.store.Set(keyPrefix+collection, string(raw)); err != nil {
		return fmt.Errorf("persisting snapshot for %s: %w", collection, err)
	}

	return nil
}

// NeedsRefresh reports whether a collection should be fetched again: its
// snapshot is absent, explicitly flagged, or older than window. A zero
// window uses the cache-wide freshness, so callers only pass one for
// collections with their own refresh cadence.
func (c *Cache) NeedsRefresh(collection string, window time.Duration) bool {
	e, err := c.load(collection)
	if err != nil {
		return true
	}

	if window <= 0 {
		window = c.freshness
	}

	return e.Stale || time.Since(e.FetchedAt) > window
}

// StaleCollections returns the cached collections that currently need a
// refresh, in key order.
func (c *Cache) StaleCollections() ([]string, error) {
	entries, err := c.store.List(keyPrefix)
	if err != nil {
		return nil, err
	}

	var names []string

	for _, kv := range entries {
		var e entry
		if json.Unmarshal([]byte(kv.Value), &e) != nil {
			continue
		}

		if c.isStale(&e) {
			names = append(names, strings.TrimPrefix(kv.Key, keyPrefix))
		}
	}

	return names, nil
}

// FetchedAt returns when the collection snapshot was last refreshed.
func (c *Cache) FetchedAt(collection string) (time.Time, error) {
	e, err := c.load(collection)
	if err != nil {
		return time.Time{}, err
	}

	return e.FetchedAt, nil
}

func (c *Cache) load(collection string) (*entry, error) {
	value, err := c.store.Get(keyPrefix + collection)
	if err != nil {
		return nil, err
	}

	var e entry
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		// A snapshot that no longer parses is as good as absent.
		return nil, store.ErrNotFound
	}

	return &e, nil
}

func (c *Cache) isStale(e *entry) bool {
	return e.Stale || time.Since(e.FetchedAt) > c.freshness
}
