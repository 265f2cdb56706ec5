// Package nodecache persists known-good DHT node endpoints between runs
// so a restarted node can rejoin the network without hitting the
// bootstrap hosts.
package nodecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/bwrega/mldht/kad/key"
)

var ErrClosed = errors.New("nodecache: closed")

const (
	// evictFailedPings drops an entry once this many consecutive pings
	// went unanswered.
	evictFailedPings = 3

	recordPrefix = "node:"
)

// Entry is the persisted metadata for one remote node.
type Entry struct {
	ID           key.Key   `json:"-"`
	Addr         string    `json:"addr"`
	LastSeen     time.Time `json:"lastSeen"`
	LastResponse time.Time `json:"lastResponse"`
	FailedPings  int       `json:"failedPings"`
	Verified     bool      `json:"verified"`
}

// Cache is a concurrency-safe LevelDB-backed registry of node endpoints.
type Cache struct {
	mu sync.RWMutex

	db   *leveldb.DB
	byID map[key.Key]*Entry
}

// Open creates or loads a cache at path.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("nodecache: path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("nodecache: open: %w", err)
	}
	c := &Cache{db: db, byID: make(map[key.Key]*Entry)}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.byID = nil
	return err
}

// Put records that a node was seen at addr.
func (c *Cache) Put(id key.Key, addr string, now time.Time) error {
	if id.IsZero() || addr == "" {
		return errors.New("nodecache: id and address required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.byID[id]
	if entry == nil {
		entry = &Entry{ID: id}
		c.byID[id] = entry
	}
	entry.Addr = addr
	entry.LastSeen = now
	return c.persistLocked(entry)
}

// Get looks up the entry for a node id.
func (c *Cache) Get(id key.Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry := c.byID[id]
	if entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// RecordResponse marks a node verified after it answered a call.
func (c *Cache) RecordResponse(id key.Key, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.byID[id]
	if entry == nil {
		return fmt.Errorf("nodecache: record response: %w", leveldb.ErrNotFound)
	}
	entry.LastSeen = now
	entry.LastResponse = now
	entry.FailedPings = 0
	entry.Verified = true
	return c.persistLocked(entry)
}

// RecordTimeout counts an unanswered call, evicting the node once it
// stops responding altogether.
func (c *Cache) RecordTimeout(id key.Key, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.byID[id]
	if entry == nil {
		return nil
	}
	entry.FailedPings++
	if entry.FailedPings >= evictFailedPings {
		delete(c.byID, id)
		if c.db == nil {
			return ErrClosed
		}
		return c.db.Delete(recordKey(id), nil)
	}
	return c.persistLocked(entry)
}

// Snapshot returns all entries, verified and recently-responding first.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.byID))
	for _, entry := range c.byID {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Verified != out[j].Verified {
			return out[i].Verified
		}
		return out[i].LastResponse.After(out[j].LastResponse)
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Cache) persistLocked(entry *Entry) error {
	if c.db == nil {
		return ErrClosed
	}
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Put(recordKey(entry.ID), blob, nil)
}

func (c *Cache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	iter := c.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		raw := string(iter.Key())
		if len(raw) <= len(recordPrefix) || raw[:len(recordPrefix)] != recordPrefix {
			continue
		}
		id, err := key.FromHex(raw[len(recordPrefix):])
		if err != nil {
			return fmt.Errorf("nodecache: decode key %q: %w", raw, err)
		}
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return fmt.Errorf("nodecache: decode node %s: %w", id, err)
		}
		entry.ID = id
		c.byID[id] = &entry
	}
	return iter.Error()
}

func recordKey(id key.Key) []byte {
	return []byte(recordPrefix + id.String())
}
