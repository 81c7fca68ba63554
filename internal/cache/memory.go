package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Cache with per-entry TTL and a capacity-bounded
// LRU eviction policy. Expiry is lazy on Get, with a periodic sweep so
// entries nobody reads again do not accumulate.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64

	done      chan struct{}
	closeOnce sync.Once

	// nowFn is swapped in tests for deterministic expiry.
	nowFn func() time.Time
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Compile-time interface check.
var _ Cache = (*Memory)(nil)

// NewMemory creates a memory cache. maxEntries <= 0 means unbounded.
// sweepInterval > 0 starts a background sweep that reclaims expired
// entries; it runs until Close.
func NewMemory(maxEntries int, sweepInterval time.Duration) *Memory {
	m := &Memory{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		done:       make(chan struct{}),
		nowFn:      time.Now,
	}

	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}

	return m
}

// Get returns the value for key, refreshing its LRU recency.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}

	ent := elem.Value.(*memEntry)
	if m.expired(ent) {
		m.removeLocked(elem)
		m.misses++
		return nil, false, nil
	}

	m.lru.MoveToFront(elem)
	m.hits++
	return ent.value, true, nil
}

// Set stores value under key, evicting the least-recently-used entry first
// when the capacity bound would be exceeded.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.nowFn().Add(ttl)
	}

	if elem, ok := m.entries[key]; ok {
		ent := elem.Value.(*memEntry)
		ent.value = value
		ent.expiresAt = expiresAt
		m.lru.MoveToFront(elem)
		return nil
	}

	if m.maxEntries > 0 && m.lru.Len() >= m.maxEntries {
		if oldest := m.lru.Back(); oldest != nil {
			m.removeLocked(oldest)
			m.evictions++
		}
	}

	elem := m.lru.PushFront(&memEntry{key: key, value: value, expiresAt: expiresAt})
	m.entries[key] = elem
	return nil
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}
	return nil
}

// Clear removes all entries. Counters are cumulative and survive.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	return nil
}

// Stats returns cumulative counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Size:      int64(m.lru.Len()),
	}
}

// Close stops the background sweep. Safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// sweepLoop periodically removes expired entries so memory does not grow
// unbounded from dead entries nobody reads again.
func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes all expired entries.
func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*list.Element
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		if m.expired(elem.Value.(*memEntry)) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		m.removeLocked(elem)
	}
}

// expired reports whether the entry's TTL has elapsed. Callers hold mu.
func (m *Memory) expired(ent *memEntry) bool {
	return !ent.expiresAt.IsZero() && !m.nowFn().Before(ent.expiresAt)
}

// removeLocked removes an element from both indexes. Callers hold mu.
func (m *Memory) removeLocked(elem *list.Element) {
	ent := elem.Value.(*memEntry)
	m.lru.Remove(elem)
	delete(m.entries, ent.key)
}
