package imgcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

var (
	ErrNotFound      = errors.New("imgcache: entry not found")
	ErrQuotaExceeded = errors.New("imgcache: storage quota exceeded")

	// ErrGenerationDeleted is returned by Put on a handle whose generation
	// was deleted after it was opened.
	ErrGenerationDeleted = errors.New("imgcache: generation was deleted")
)

// Storage owns every cache generation. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)

	// Generations lists the names of all existing generations, sorted.
	Generations(ctx context.Context) ([]string, error)

	// Delete removes a generation and all of its entries. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Generation is one versioned request→response store.
//
// Writes to the same key are last-writer-wins; there is no compare-and-set.
type Generation interface {
	Name() string

	// Match returns ErrNotFound when key is absent.
	Match(ctx context.Context, key string) (Entry, error)

	Put(ctx context.Context, key string, ent Entry) error

	Keys(ctx context.Context) ([]string, error)
}

// sizer is implemented by backends that account for their own footprint.
type sizer interface {
	TotalSize() int64
}

// OpenStorage builds the backend selected by cfg.Backend.
func OpenStorage(ctx context.Context, cfg StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "leveldb":
		return OpenLevelStorage(cfg.Path, cfg.MaxBytes())
	case "redis":
		return OpenRedisStorage(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
	case "memory":
		return NewMemoryStorage(cfg.MaxBytes()), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// PruneGenerations deletes every generation whose name is not in keep and
// returns the deleted names.
func PruneGenerations(ctx context.Context, st Storage, keep ...string) ([]string, error) {
	names, err := st.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		ok, err := st.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete generation %q: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

type GenerationInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// DescribeGenerations lists every generation with its entry count, marking
// the ones named in current.
func DescribeGenerations(ctx context.Context, st Storage, current ...string) ([]GenerationInfo, error) {
	names, err := st.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		gen, err := st.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys of %q: %w", name, err)
		}
		out = append(out, GenerationInfo{
			Name:    name,
			Entries: len(keys),
			Current: slices.Contains(current, name),
		})
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
