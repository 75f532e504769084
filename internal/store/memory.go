package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// reapInterval controls how often the background reaper removes expired
// entries. Correctness does not depend on it: reads drop expired entries
// lazily, the reaper only bounds memory growth.
const reapInterval = time.Minute

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Store backed by a map. Suitable for a single
// relay process; state is lost on restart, which only means in-flight
// flows have to start over.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]memEntry
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an empty store and starts the background reaper.
// Call Stop to terminate the goroutine.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Stop terminates the background reaper.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) reap() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	m.mu.Unlock()
	return nil
}

// PutIfAbsent implements Store. An expired entry counts as absent.
func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

// Get implements Store. Expired entries are removed on the way out so the
// reaper is not load-bearing.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// replaced the entry with a live one.
		if cur, ok := m.entries[key]; ok && cur.expired(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Increment implements Store.
func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		m.entries[key] = memEntry{value: strconv.AppendInt(nil, delta, 10)}
		return delta, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incrementing non-numeric value at %q: %w", key, err)
	}
	n += delta
	e.value = strconv.AppendInt(nil, n, 10)
	m.entries[key] = e
	return n, nil
}

// Touch implements Store.
func (m *Memory) Touch(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return ErrNotFound
	}
	e.expiresAt = expiry(ttl)
	m.entries[key] = e
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
