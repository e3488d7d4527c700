package imgcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>             → gob(levelGenMeta)
//	e:<generation>\x00<key>    → gob(Entry)
const (
	levelGenPrefix   = "g:"
	levelEntryPrefix = "e:"
)

type levelGenMeta struct {
	CreatedAt int64
}

type LevelStorage struct {
	db       *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	sizes     map[string]int64 // entry db key → encoded size
	totalSize int64
}

// OpenLevelStorage opens (or creates) a goleveldb database at path. A
// positive maxBytes caps the total encoded size of all entries; writes past
// it fail with ErrQuotaExceeded.
func OpenLevelStorage(path string, maxBytes int64) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &LevelStorage{
		db:       db,
		maxBytes: maxBytes,
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix)), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		n := int64(len(it.Value()))
		sizes[string(it.Key())] = n
		total += n
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load leveldb index: %w", err)
	}
	s.mu.Lock()
	s.sizes = sizes
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *LevelStorage) Close() error {
	return s.db.Close()
}

func (s *LevelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelStorage) Open(_ context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, fmt.Errorf("empty generation name")
	}
	gk := []byte(levelGenPrefix + name)
	ok, err := s.db.Has(gk, nil)
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	if !ok {
		b, err := encodeGob(levelGenMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(gk, b, nil); err != nil {
			return nil, fmt.Errorf("create generation %q: %w", name, err)
		}
	}
	return &levelGeneration{s: s, name: name}, nil
}

func (s *LevelStorage) Generations(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelGenPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(levelGenPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelStorage) Delete(_ context.Context, name string) (bool, error) {
	// Put checks the generation marker under the same lock.
	s.mu.Lock()
	defer s.mu.Unlock()

	gk := []byte(levelGenPrefix + name)
	existed, err := s.db.Has(gk, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(gk)
	var removed []string
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		removed = append(removed, string(k))
	}
	iterErr := it.Error()
	it.Release()
	if iterErr != nil {
		return false, iterErr
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}

	for _, k := range removed {
		s.totalSize -= s.sizes[k]
		delete(s.sizes, k)
	}
	return existed || len(removed) > 0, nil
}

func entryPrefix(gen string) []byte {
	return []byte(levelEntryPrefix + gen + "\x00")
}

type levelGeneration struct {
	s    *LevelStorage
	name string
}

func (g *levelGeneration) Name() string { return g.name }

func (g *levelGeneration) dbKey(key string) []byte {
	return append(entryPrefix(g.name), key...)
}

func (g *levelGeneration) Match(_ context.Context, key string) (Entry, error) {
	b, err := g.s.db.Get(g.dbKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, nil
}

func (g *levelGeneration) Put(_ context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	dk := g.dbKey(key)
	size := int64(len(b))

	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.db.Has([]byte(levelGenPrefix+g.name), nil)
	if err != nil {
		return fmt.Errorf("put entry %q: %w", key, err)
	}
	if !live {
		return fmt.Errorf("put %q into %q: %w", key, g.name, ErrGenerationDeleted)
	}

	old := s.sizes[string(dk)]
	if s.maxBytes > 0 && s.totalSize-old+size > s.maxBytes {
		return ErrQuotaExceeded
	}
	if err := s.db.Put(dk, b, nil); err != nil {
		return err
	}
	s.sizes[string(dk)] = size
	s.totalSize += size - old
	return nil
}

func (g *levelGeneration) Keys(_ context.Context) ([]string, error) {
	prefix := entryPrefix(g.name)
	it := g.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
