// Package peercache persists each peer's last-known endpoint and recency
// metadata to a JSON document on disk.
package peercache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDirectPort is the listening port assumed for a peer's direct
// connection when the observing code only has a source IP
const DefaultDirectPort = 8888

// DefaultRecentWindow is the default "recently seen" window that callers pass
// to Recent and RecentlySeen.
const DefaultRecentWindow = 168 * time.Hour

// Entry is one peer's cached contact and capability metadata.
type Entry struct {
	NodeID         string            `json:"node_id"`
	DisplayName    string            `json:"display_name,omitempty"`
	LastSeen       time.Time         `json:"last_seen"`
	LastDirectIP   string            `json:"last_direct_ip,omitempty"`
	LastDirectPort int               `json:"last_direct_port,omitempty"`
	SupportsDirect bool              `json:"supports_direct"`
	SupportsWebRTC bool              `json:"supports_webrtc"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// document is the on-disk shape of the peer cache file.
type document struct {
	Peers []Entry `json:"peers"`
}

// Cache is a persistent, in-memory-mirrored keyed map of peer cache
// entries. Every mutation flushes the full document to Path.
type Cache struct {
	Path string

	mu      sync.Mutex
	entries map[string]Entry
}

// Load reads an existing peer cache document from path, or starts empty if
// the file doesn't exist yet.
func Load(path string) (*Cache, error) {
	c := &Cache{Path: path, entries: make(map[string]Entry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("peercache: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("peercache: parse %s: %w", path, err)
	}
	for _, e := range doc.Peers {
		c.entries[e.NodeID] = e
	}
	return c, nil
}

func (c *Cache) flushLocked() error {
	doc := document{Peers: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		doc.Peers = append(doc.Peers, e)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("peercache: marshal: %w", err)
	}
	if dir := filepath.Dir(c.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("peercache: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(c.Path, data, 0o600); err != nil {
		return fmt.Errorf("peercache: write %s: %w", c.Path, err)
	}
	return nil
}

// AddOrUpdate inserts or merges a cache entry for nodeID and flushes to disk.
func (c *Cache) AddOrUpdate(nodeID string, update func(*Entry)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[nodeID]
	if !ok {
		e = Entry{NodeID: nodeID, LastDirectPort: DefaultDirectPort}
	}
	e.LastSeen = time.Now()
	update(&e)
	c.entries[nodeID] = e
	return c.flushLocked()
}

// Get returns the cached entry for nodeID, if any.
func (c *Cache) Get(nodeID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[nodeID]
	return e, ok
}

// All returns every cached entry.
func (c *Cache) All() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Recent returns cached entries seen within the last `window`.
func (c *Cache) Recent(window time.Duration) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var out []Entry
	for _, e := range c.entries {
		if e.LastSeen.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// WithDirectConnection returns cached entries advertising a direct IP.
func (c *Cache) WithDirectConnection() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.LastDirectIP != "" {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes a cache entry and flushes.
func (c *Cache) Remove(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nodeID)
	return c.flushLocked()
}

// Clear empties the cache and flushes.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return c.flushLocked()
}

// CleanupOld removes entries not seen within the last maxAge and
// flushes, returning the number removed.
func (c *Cache) CleanupOld(maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, e := range c.entries {
		if e.LastSeen.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		if err := c.flushLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RecentlySeen reports whether nodeID was seen within window.
func (c *Cache) RecentlySeen(nodeID string, window time.Duration) bool {
	e, ok := c.Get(nodeID)
	if !ok {
		return false
	}
	return time.Since(e.LastSeen) < window
}
