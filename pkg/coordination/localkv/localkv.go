// Package localkv is an in-process coordination.KV used in standalone mode
// and by tests, grounded on the teacher's pkg/cache/memory.Cache
// (in-memory map guarded by sync.RWMutex, background TTL sweep).
package localkv

import (
	"context"
	"sync"
)

type entry struct {
	value    []byte
	revision uint64
}

// Store is an in-memory KV with monotonic per-key revisions. It is always
// Healthy, matching spec.md's "standalone/test mode" role for this
// implementation.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*entry
}

func New() *Store {
	return &Store{buckets: make(map[string]map[string]*entry)}
}

func (s *Store) bucket(name string) map[string]*entry {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string]*entry)
		s.buckets[name] = b
	}
	return b
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, 0, false, nil
	}
	e, ok := b[key]
	if !ok {
		return nil, 0, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.revision, true, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(bucket)
	e, ok := b[key]
	if !ok {
		e = &entry{}
		b[key] = e
	}
	e.revision++
	e.value = append([]byte(nil), value...)
	return e.revision, nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Healthy(ctx context.Context) bool { return true }
