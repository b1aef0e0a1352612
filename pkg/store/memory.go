package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store with an in-process map. Used by tests and
// single-process deployments that don't need durability.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

var _ Store = (*Memory)(nil)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiryTime(ttl),
	}
	return nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(_ context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && e.expired(time.Now()) {
		delete(m.entries, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(e.value, old) {
			return false, nil
		}
	}

	m.entries[key] = memEntry{
		value:     append([]byte(nil), new...),
		expiresAt: expiryTime(ttl),
	}
	return true, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeletePrefix implements Store.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expired(now) {
			n++
		}
		delete(m.entries, k)
	}
	return n, nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, prefix string) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []KV
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) || e.expired(now) {
			continue
		}
		out = append(out, KV{Key: k, Value: append([]byte(nil), e.value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

func expiryTime(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
