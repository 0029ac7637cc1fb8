package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// memEntry is one degraded-mode cache entry.
type memEntry struct {
	value     []byte
	expiresAt int64 // unix ns, 0 = no expiry
	tags      []string
}

// memStore is the bounded in-memory fallback used when the SQLite
// store is unavailable. otter enforces the byte budget with entry cost
// equal to the value size.
type memStore struct {
	cache otter.Cache[string, memEntry]
}

func newMemStore(maxSizeBytes int64) *memStore {
	cache, err := otter.MustBuilder[string, memEntry](int(maxSizeBytes)).
		Cost(func(_ string, e memEntry) uint32 {
			if len(e.value) == 0 {
				return 1
			}
			return uint32(len(e.value))
		}).
		Build()
	if err != nil {
		panic("cache: failed to create in-memory store: " + err.Error())
	}
	return &memStore{cache: cache}
}

func (m *memStore) get(key string, now time.Time) ([]byte, bool) {
	e, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	if e.expiresAt > 0 && e.expiresAt <= now.UnixNano() {
		m.cache.Delete(key)
		return nil, false
	}
	return e.value, true
}

// peek reports presence without evicting an expired entry.
func (m *memStore) peek(key string, now time.Time) ([]byte, bool) {
	e, ok := m.cache.Get(key)
	if !ok || (e.expiresAt > 0 && e.expiresAt <= now.UnixNano()) {
		return nil, false
	}
	return e.value, true
}

func (m *memStore) set(key string, value []byte, expiresAt int64, tags []string) {
	m.cache.Set(key, memEntry{
		value:     value,
		expiresAt: expiresAt,
		tags:      append([]string(nil), tags...),
	})
}

func (m *memStore) delete(key string) bool {
	_, ok := m.cache.Get(key)
	if ok {
		m.cache.Delete(key)
	}
	return ok
}

func (m *memStore) clear(tags []string) int {
	if len(tags) == 0 {
		n := m.cache.Size()
		m.cache.Clear()
		return n
	}
	var victims []string
	m.cache.Range(func(key string, e memEntry) bool {
		if tagsIntersect(e.tags, tags) {
			victims = append(victims, key)
		}
		return true
	})
	for _, k := range victims {
		m.cache.Delete(k)
	}
	return len(victims)
}

func (m *memStore) cleanupExpired(now time.Time) int {
	var victims []string
	m.cache.Range(func(key string, e memEntry) bool {
		if e.expiresAt > 0 && e.expiresAt <= now.UnixNano() {
			victims = append(victims, key)
		}
		return true
	})
	for _, k := range victims {
		m.cache.Delete(k)
	}
	return len(victims)
}

func (m *memStore) totals() (entries, sizeBytes int64) {
	m.cache.Range(func(_ string, e memEntry) bool {
		entries++
		sizeBytes += int64(len(e.value))
		return true
	})
	return entries, sizeBytes
}

func (m *memStore) close() {
	m.cache.Close()
}
