// Package contextcache stores rendered context blocks keyed by request
// shape. Entries remember when they were fetched; deciding whether an
// entry is fresh is the caller's job, which lets a caller fall back to
// a stale entry when a refresh fails.
//
// Stores are owned values. Nothing in this package is global, so tests
// and tenants get isolated instances.
package contextcache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value and the time it was fetched.
type Entry struct {
	Value     string    `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// Store is the cache backend contract. Reads and writes are
// last-writer-wins with no versioning.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores e under key. A positive retain lets the backend drop
	// the entry once it is older than retain; zero keeps it until
	// Delete or Purge.
	Set(ctx context.Context, key string, e Entry, retain time.Duration) error
	Delete(ctx context.Context, key string) error
	// Purge drops every entry.
	Purge(ctx context.Context) error
}

type memoryItem struct {
	entry  Entry
	retain time.Duration
}

func (it memoryItem) expired(now time.Time) bool {
	return it.retain > 0 && !it.entry.Fresh(now, it.retain)
}

// Memory is an in-process Store. Entries past their retention are
// evicted lazily on Get.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryItem
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryItem),
		nowFunc: time.Now,
	}
}

// SetClock replaces the time source used for retention checks.
func (m *Memory) SetClock(now func() time.Time) {
	m.nowFunc = now
}

// Get returns the entry for key.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	it, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !it.expired(m.nowFunc()) {
		return it.entry, true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A Set may have replaced the entry since the read lock was dropped.
	if cur, ok := m.entries[key]; ok && !cur.expired(m.nowFunc()) {
		return cur.entry, true, nil
	}
	delete(m.entries, key)
	return Entry{}, false, nil
}

// Set stores e under key, replacing any prior entry.
func (m *Memory) Set(_ context.Context, key string, e Entry, retain time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryItem{entry: e, retain: retain}
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
