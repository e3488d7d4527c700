package imgcache

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStorage runs the behaviour every backend shares.
func exerciseStorage(t *testing.T, st Storage) {
	ctx := context.Background()

	t.Run("OpenCreatesGeneration", func(t *testing.T) {
		g, err := st.Open(ctx, "site-images-v1")
		require.NoError(t, err)
		assert.Equal(t, "site-images-v1", g.Name())
		names, err := st.Generations(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "site-images-v1")
	})

	t.Run("OpenRejectsEmptyName", func(t *testing.T) {
		_, err := st.Open(ctx, "")
		require.Error(t, err)
	})

	t.Run("PutMatchRoundTrip", func(t *testing.T) {
		g, err := st.Open(ctx, "site-images-v1")
		require.NoError(t, err)

		h := http.Header{}
		h.Set("Content-Type", "image/jpeg")
		h.Add("Vary", "Accept")
		h.Add("Vary", "Accept-Encoding")
		in := Entry{Status: http.StatusOK, Header: h, Body: []byte{0xff, 0xd8, 0xff}, StoredAt: 1700000000, Hash: 42}
		require.NoError(t, g.Put(ctx, "GET /photo.jpg", in))

		out, err := g.Match(ctx, "GET /photo.jpg")
		require.NoError(t, err)
		assert.Equal(t, in.Status, out.Status)
		assert.Equal(t, in.Body, out.Body)
		assert.Equal(t, in.StoredAt, out.StoredAt)
		assert.Equal(t, in.Hash, out.Hash)
		assert.Equal(t, []string{"Accept", "Accept-Encoding"}, out.Header.Values("Vary"))
	})

	t.Run("MatchMissing", func(t *testing.T) {
		g, err := st.Open(ctx, "site-images-v1")
		require.NoError(t, err)
		_, err = g.Match(ctx, "GET /missing.jpg")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("KeysAreScopedToGeneration", func(t *testing.T) {
		a, err := st.Open(ctx, "scope-a")
		require.NoError(t, err)
		b, err := st.Open(ctx, "scope-a-b")
		require.NoError(t, err)
		require.NoError(t, a.Put(ctx, "GET /1.png", Entry{Status: http.StatusOK}))
		require.NoError(t, a.Put(ctx, "GET /2.png", Entry{Status: http.StatusOK}))
		require.NoError(t, b.Put(ctx, "GET /3.png", Entry{Status: http.StatusOK}))

		keys, err := a.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"GET /1.png", "GET /2.png"}, keys)

		_, err = b.Match(ctx, "GET /1.png")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LastWriterWins", func(t *testing.T) {
		g, err := st.Open(ctx, "site-images-v1")
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, "GET /lww.jpg", Entry{Status: http.StatusOK, Body: []byte("first")}))
		require.NoError(t, g.Put(ctx, "GET /lww.jpg", Entry{Status: http.StatusOK, Body: []byte("second")}))
		ent, err := g.Match(ctx, "GET /lww.jpg")
		require.NoError(t, err)
		assert.Equal(t, "second", string(ent.Body))
	})

	t.Run("DeleteGeneration", func(t *testing.T) {
		g, err := st.Open(ctx, "doomed")
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, "GET /x.jpg", Entry{Status: http.StatusOK, Body: []byte("x")}))

		ok, err := st.Delete(ctx, "doomed")
		require.NoError(t, err)
		assert.True(t, ok)

		names, err := st.Generations(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "doomed")

		ok, err = st.Delete(ctx, "doomed")
		require.NoError(t, err)
		assert.False(t, ok)

		g, err = st.Open(ctx, "doomed")
		require.NoError(t, err)
		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("PutThroughDeletedHandle", func(t *testing.T) {
		g, err := st.Open(ctx, "rolled-back")
		require.NoError(t, err)
		_, err = st.Delete(ctx, "rolled-back")
		require.NoError(t, err)

		require.ErrorIs(t, g.Put(ctx, "GET /a.jpg", Entry{Status: http.StatusOK, Body: []byte("late")}), ErrGenerationDeleted)

		names, err := st.Generations(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "rolled-back")
		keys, err := g.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Prune", func(t *testing.T) {
		for _, name := range []string{"keep-general", "keep-images", "old-1", "old-2"} {
			_, err := st.Open(ctx, name)
			require.NoError(t, err)
		}
		deleted, err := PruneGenerations(ctx, st, "keep-general", "keep-images")
		require.NoError(t, err)
		assert.Contains(t, deleted, "old-1")
		assert.Contains(t, deleted, "old-2")

		names, err := st.Generations(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"keep-general", "keep-images"}, names)
	})
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage(0))
}

func TestMemoryStorageQuota(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage(10)
	g, err := st.Open(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, g.Put(ctx, "GET /a", Entry{Body: []byte("12345")}))
	require.ErrorIs(t, g.Put(ctx, "GET /b", Entry{Body: []byte("123456")}), ErrQuotaExceeded)
	// overwriting frees the old size first
	require.NoError(t, g.Put(ctx, "GET /a", Entry{Body: []byte("1234567890")}))
	assert.Equal(t, int64(10), st.TotalSize())

	_, err = st.Delete(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, st.TotalSize())
}

func TestMemoryStorageDeletedHandle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage(0)
	g, err := st.Open(ctx, "gone")
	require.NoError(t, err)
	_, err = st.Delete(ctx, "gone")
	require.NoError(t, err)
	require.ErrorIs(t, g.Put(ctx, "GET /a", Entry{}), ErrGenerationDeleted)
}

func TestLevelStorage(t *testing.T) {
	st, err := OpenLevelStorage(filepath.Join(t.TempDir(), "db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	exerciseStorage(t, st)
}

func TestLevelStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	st, err := OpenLevelStorage(dir, 0)
	require.NoError(t, err)
	g, err := st.Open(ctx, "site-images-v1")
	require.NoError(t, err)
	_, err = st.Open(ctx, "empty-gen")
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, "GET /photo.jpg", Entry{Status: http.StatusOK, Body: []byte("B")}))
	size := st.TotalSize()
	require.Positive(t, size)
	require.NoError(t, st.Close())

	st, err = OpenLevelStorage(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	assert.Equal(t, size, st.TotalSize())
	names, err := st.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty-gen", "site-images-v1"}, names)

	g, err = st.Open(ctx, "site-images-v1")
	require.NoError(t, err)
	ent, err := g.Match(ctx, "GET /photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "B", string(ent.Body))
}

func TestLevelStorageQuota(t *testing.T) {
	ctx := context.Background()
	st, err := OpenLevelStorage(filepath.Join(t.TempDir(), "db"), 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g, err := st.Open(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, "GET /small.jpg", Entry{Status: http.StatusOK, Body: []byte("tiny")}))

	big := Entry{Status: http.StatusOK, Body: []byte(strings.Repeat("x", 2048))}
	require.ErrorIs(t, g.Put(ctx, "GET /big.jpg", big), ErrQuotaExceeded)
	_, err = g.Match(ctx, "GET /big.jpg")
	require.ErrorIs(t, err, ErrNotFound)

	before := st.TotalSize()
	_, err = st.Delete(ctx, "q")
	require.NoError(t, err)
	assert.Less(t, st.TotalSize(), before)
	assert.Zero(t, st.TotalSize())

	require.ErrorIs(t, g.Put(ctx, "GET /small.jpg", Entry{Status: http.StatusOK, Body: []byte("tiny")}), ErrGenerationDeleted)
	assert.Zero(t, st.TotalSize(), "a rejected write must not count toward the quota")
}

func TestRedisStorage(t *testing.T) {
	url := os.Getenv("IMGCACHE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("IMGCACHE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("imgcache-test-%d:", time.Now().UnixNano())
	st, err := OpenRedisStorage(ctx, url, prefix)
	require.NoError(t, err)
	t.Cleanup(func() {
		names, _ := st.Generations(ctx)
		for _, name := range names {
			_, _ = st.Delete(ctx, name)
		}
		_ = st.Close()
	})
	exerciseStorage(t, st)
}

func TestOpenStorageBackends(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t, "")
	st, err := OpenStorage(ctx, cfg.Storage)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, st)
	require.NoError(t, st.Close())

	lcfg, err := ParseConfig([]byte("storage:\n  backend: leveldb\n  path: " + filepath.Join(t.TempDir(), "db") + "\n  max: 1mb\n"))
	require.NoError(t, err)
	st, err = OpenStorage(ctx, lcfg.Storage)
	require.NoError(t, err)
	assert.IsType(t, &LevelStorage{}, st)
	require.NoError(t, st.Close())

	_, err = OpenStorage(ctx, StorageConfig{Backend: "etcd"})
	require.Error(t, err)
}
