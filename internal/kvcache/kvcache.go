// Package kvcache is a namespaced TTL key-value store for short-lived
// playback URLs, lyric text, and canonical song info. Each namespace is held
// in memory and snapshotted to its own JSON file so entries survive restarts.
package kvcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Namespace names. Each has its own snapshot file and TTL policy.
const (
	NSURLs  = "urls"
	NSLyric = "lyric"
	NSInfo  = "info"
)

var namespaces = []string{NSURLs, NSLyric, NSInfo}

// Entry is the stored shape for all namespaces. urls entries carry URL,
// lyric/info entries carry Data. ExpireAt is epoch seconds; CanExpire=false
// means the entry never expires and ExpireAt is 0.
type Entry struct {
	URL       string          `json:"url,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExpireAt  int64           `json:"time"`
	CanExpire bool            `json:"expire"`
}

// Expired reports whether the entry is past its deadline at now.
func (e Entry) Expired(now time.Time) bool {
	return e.CanExpire && e.ExpireAt > 0 && now.Unix() >= e.ExpireAt
}

type namespace struct {
	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
}

// Cache is the set of namespaces plus the snapshot directory.
type Cache struct {
	dir string
	log zerolog.Logger
	ns  map[string]*namespace

	now func() time.Time // test hook
}

// Open loads snapshots from dir, creating it if needed. A snapshot that
// fails to decode resets only its own namespace; Open never fails for that.
func Open(dir string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		dir: dir,
		log: log.With().Str("component", "kvcache").Logger(),
		ns:  make(map[string]*namespace, len(namespaces)),
		now: time.Now,
	}
	for _, name := range namespaces {
		n := &namespace{entries: map[string]Entry{}}
		path := c.snapshotPath(name)
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if uerr := json.Unmarshal(raw, &n.entries); uerr != nil {
				c.log.Warn().Str("namespace", name).Err(uerr).Msg("corrupt snapshot, resetting namespace")
				n.entries = map[string]Entry{}
				n.dirty = true
			}
		case os.IsNotExist(err):
			// fresh namespace
		default:
			return nil, err
		}
		c.ns[name] = n
	}
	return c, nil
}

func (c *Cache) snapshotPath(name string) string {
	return filepath.Join(c.dir, name+".json")
}

// Get returns the entry for key, dropping it if expired.
func (c *Cache) Get(ns, key string) (Entry, bool) {
	n, ok := c.ns[ns]
	if !ok {
		return Entry{}, false
	}
	n.mu.RLock()
	e, ok := n.entries[key]
	n.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		n.mu.Lock()
		// re-check under the write lock; another writer may have replaced it
		if cur, still := n.entries[key]; still && cur.Expired(c.now()) {
			delete(n.entries, key)
			n.dirty = true
		}
		n.mu.Unlock()
		return Entry{}, false
	}
	return e, true
}

// Put overwrites the entry for key. Expiry is driven by the entry itself:
// CanExpire=true requires ExpireAt in the future, CanExpire=false ignores it.
func (c *Cache) Put(ns, key string, e Entry) {
	n, ok := c.ns[ns]
	if !ok {
		return
	}
	if !e.CanExpire {
		e.ExpireAt = 0
	}
	n.mu.Lock()
	n.entries[key] = e
	n.dirty = true
	n.mu.Unlock()
}

// Len reports the live entry count of a namespace (expired excluded).
func (c *Cache) Len(ns string) int {
	n, ok := c.ns[ns]
	if !ok {
		return 0
	}
	now := c.now()
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, e := range n.entries {
		if !e.Expired(now) {
			count++
		}
	}
	return count
}

// Flush sweeps expired entries and writes every dirty namespace snapshot
// atomically (write-temp-then-rename).
func (c *Cache) Flush() error {
	var firstErr error
	for _, name := range namespaces {
		n := c.ns[name]
		now := c.now()
		n.mu.Lock()
		for k, e := range n.entries {
			if e.Expired(now) {
				delete(n.entries, k)
				n.dirty = true
			}
		}
		if !n.dirty {
			n.mu.Unlock()
			continue
		}
		raw, err := json.Marshal(n.entries)
		if err != nil {
			n.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.dirty = false
		n.mu.Unlock()

		if err := renameio.WriteFile(c.snapshotPath(name), raw, 0o644); err != nil {
			c.log.Error().Str("namespace", name).Err(err).Msg("snapshot write failed")
			n.mu.Lock()
			n.dirty = true
			n.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (c *Cache) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			if err := c.Flush(); err != nil {
				c.log.Error().Err(err).Msg("final flush failed")
			}
			return
		case <-t.C:
			if err := c.Flush(); err != nil {
				c.log.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// StringEntry builds a lyric-style entry holding a JSON string payload.
func StringEntry(s string, expireAt int64, canExpire bool) Entry {
	raw, _ := json.Marshal(s)
	return Entry{Data: raw, ExpireAt: expireAt, CanExpire: canExpire}
}

// DataString decodes the entry payload as a JSON string; "" if absent.
func (e Entry) DataString() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return ""
	}
	return s
}
