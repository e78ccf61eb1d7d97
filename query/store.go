package query

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// fetchFunc is a Fetcher with its result type erased.
type fetchFunc func(ctx context.Context) (any, error)

func erase[T any](fetch Fetcher[T]) fetchFunc {
	return func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
}

type entry struct {
	value     any
	fetchedAt time.Time
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]entry
	fetchers map[string]fetchFunc
}

// store is a key-sharded map of cache entries and registered fetchers.
type store struct {
	shards []*shard
}

func newStore(n int) *store {
	s := &store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries:  make(map[string]entry),
			fetchers: make(map[string]fetchFunc),
		}
	}
	return s
}

func (s *store) shard(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *store) get(key string) (entry, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return e, ok
}

func (s *store) set(key string, value any, at time.Time) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = entry{value: value, fetchedAt: at}
	sh.mu.Unlock()
}

// remove deletes the entry for key if it has not been replaced since
// fetchedAt.
func (s *store) remove(key string, fetchedAt time.Time) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok || e.fetchedAt.After(fetchedAt) {
		return false
	}
	delete(sh.entries, key)
	return true
}

// evict deletes the entry and the registered fetcher for key, unless the
// entry is gone or has been replaced since fetchedAt. A missing entry means a
// Query already took over the key and may have registered a new fetcher.
func (s *store) evict(key string, fetchedAt time.Time) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok || e.fetchedAt.After(fetchedAt) {
		return false
	}
	delete(sh.entries, key)
	delete(sh.fetchers, key)
	return true
}

func (s *store) register(key string, fn fetchFunc) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.fetchers[key] = fn
	sh.mu.Unlock()
}

func (s *store) fetcher(key string) (fetchFunc, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn, ok := sh.fetchers[key]
	return fn, ok
}

type expiredEntry struct {
	key       string
	fetchedAt time.Time
}

// expired returns the entries whose age at now is at least lifetime.
func (s *store) expired(now time.Time, lifetime time.Duration) []expiredEntry {
	var out []expiredEntry
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if now.Sub(e.fetchedAt) >= lifetime {
				out = append(out, expiredEntry{key, e.fetchedAt})
			}
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *store) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
