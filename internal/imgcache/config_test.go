package imgcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "leveldb", cfg.Storage.Backend)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, "imgcache:", cfg.Storage.Redis.Prefix)
	assert.Zero(t, cfg.Storage.MaxBytes())
	assert.Equal(t, DefaultGeneralCache, cfg.Cache.General)
	assert.Equal(t, DefaultImageCache, cfg.Cache.Images)
	require.NotNil(t, cfg.Lifecycle.SkipWaiting)
	assert.True(t, *cfg.Lifecycle.SkipWaiting)
	assert.Contains(t, cfg.Images.Extensions, ".jpg")
	assert.Contains(t, cfg.Images.Extensions, ".webp")
	assert.Equal(t, DefaultSyncTag, cfg.Sync.Tag)
	assert.Zero(t, cfg.Sync.everyDur)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 3000, cfg.Static.Port)
	assert.Equal(t, 24*time.Hour, cfg.StaticMaxAge())
	assert.Equal(t, []string{DefaultGeneralCache, DefaultImageCache}, cfg.CurrentGenerations())
}

func TestParseConfigFull(t *testing.T) {
	raw := `
server:
  port: 9000
  origin: http://site.internal:3000/
  fetchTimeout: 15s
storage:
  backend: memory
  max: 256mb
cache:
  general: awards-v7
  images: awards-images-v7
lifecycle:
  skipWaiting: false
images:
  extensions: [JPG, "png", " .Webp "]
  acceptHeader: true
sync:
  tag: gallery-refresh
  every: 30m
logging:
  level: debug
  json: true
  logStatsEvery: 1m
metrics:
  enabled: true
  path: /internal/metrics
static:
  root: ./public
  port: 4000
  maxAge: 1h
  spaFallback: true
`
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "http://site.internal:3000", cfg.Server.Origin)
	assert.Equal(t, 15*time.Second, cfg.Server.fetchTimeoutDur)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, int64(256<<20), cfg.Storage.MaxBytes())
	assert.Equal(t, []string{"awards-v7", "awards-images-v7"}, cfg.CurrentGenerations())
	assert.False(t, *cfg.Lifecycle.SkipWaiting)
	assert.Equal(t, []string{".jpg", ".png", ".webp"}, cfg.Images.Extensions)
	assert.True(t, cfg.Images.AcceptHeader)
	assert.Equal(t, "gallery-refresh", cfg.Sync.Tag)
	assert.Equal(t, 30*time.Minute, cfg.Sync.everyDur)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, time.Minute, cfg.Logging.logStatsEveryDur)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
	assert.Equal(t, "./public", cfg.Static.Root)
	assert.Equal(t, 4000, cfg.Static.Port)
	assert.Equal(t, time.Hour, cfg.StaticMaxAge())
	assert.True(t, cfg.Static.SPAFallback)
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "storage:\n  backend: etcd\n",
		"redis without url": "storage:\n  backend: redis\n",
		"bad max":           "storage:\n  max: lots\n",
		"same names":        "cache:\n  general: v1\n  images: v1\n",
		"bad fetchTimeout":  "server:\n  fetchTimeout: soon\n",
		"bad sync.every":    "sync:\n  every: hourly\n",
		"bad logStatsEvery": "logging:\n  logStatsEvery: often\n",
		"bad static.maxAge": "static:\n  maxAge: 1d\n",
		"empty extension":   "images:\n  extensions: [\"\"]\n",
		"not yaml":          "server: [\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8081\n  origin: http://from-file\n"), 0o644))

	t.Setenv("IMGCACHE_PORT", "9090")
	t.Setenv("IMGCACHE_ORIGIN", "http://from-env/")
	t.Setenv("IMGCACHE_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("IMGCACHE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://from-env", cfg.Server.Origin)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Storage.Redis.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigBadEnvPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	t.Setenv("IMGCACHE_PORT", "eighty")

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{in: "100", want: 100},
		{in: "100b", want: 100},
		{in: "64k", want: 64 << 10},
		{in: "64KB", want: 64 << 10},
		{in: "512mb", want: 512 << 20},
		{in: "1.5g", want: 3 << 29},
		{in: "2tb", want: 2 << 40},
		{in: " 8 m ", want: 8 << 20},
		{in: "", err: true},
		{in: "b", err: true},
		{in: "kb", err: true},
		{in: "-1mb", err: true},
		{in: "lots", err: true},
	}
	for _, tc := range cases {
		got, err := parseBytes(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
