package imgcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStorage keeps generations in process memory. Entries are cloned on
// the way in and out so callers never share a body slice with the store.
type MemoryStorage struct {
	maxBytes int64

	mu    sync.Mutex
	gens  map[string]*memoryGeneration
	total int64
}

func NewMemoryStorage(maxBytes int64) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes, gens: map[string]*memoryGeneration{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, fmt.Errorf("empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[name]
	if !ok {
		g = &memoryGeneration{s: s, name: name, entries: map[string]Entry{}}
		s.gens[name] = g
	}
	return g, nil
}

func (s *MemoryStorage) Generations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for name := range s.gens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	for _, ent := range g.entries {
		s.total -= entrySize(ent)
	}
	g.entries = map[string]Entry{}
	g.deleted = true
	delete(s.gens, name)
	return true, nil
}

func (s *MemoryStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStorage) Close() error { return nil }

func entrySize(ent Entry) int64 {
	n := int64(len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// memoryGeneration shares its storage's mutex.
type memoryGeneration struct {
	s       *MemoryStorage
	name    string
	entries map[string]Entry
	deleted bool
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(_ context.Context, key string) (Entry, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	ent, ok := g.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return ent.clone(), nil
}

func (g *memoryGeneration) Put(_ context.Context, key string, ent Entry) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if g.deleted {
		return fmt.Errorf("put %q into %q: %w", key, g.name, ErrGenerationDeleted)
	}
	size := entrySize(ent)
	var old int64
	if prev, ok := g.entries[key]; ok {
		old = entrySize(prev)
	}
	if g.s.maxBytes > 0 && g.s.total-old+size > g.s.maxBytes {
		return ErrQuotaExceeded
	}
	g.entries[key] = ent.clone()
	g.s.total += size - old
	return nil
}

func (g *memoryGeneration) Keys(_ context.Context) ([]string, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	out := make([]string, 0, len(g.entries))
	for k := range g.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
