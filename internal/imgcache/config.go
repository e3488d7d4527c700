package imgcache

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGeneralCache = "uk-tamil-awards-v1"
	DefaultImageCache   = "uk-tamil-awards-images-v1"
	DefaultSyncTag      = "image-sync"
)

var defaultImageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif", ".svg", ".ico", ".bmp",
}

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		FetchTimeout string `yaml:"fetchTimeout"`

		fetchTimeoutDur time.Duration
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`

	// Cache holds the version tags of the two cache roles. Bumping either one
	// invalidates every generation stored under the previous name.
	Cache struct {
		General string `yaml:"general"`
		Images  string `yaml:"images"`
	} `yaml:"cache"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Images struct {
		Extensions   []string `yaml:"extensions"`
		AcceptHeader bool     `yaml:"acceptHeader"`
	} `yaml:"images"`

	Sync struct {
		Tag   string `yaml:"tag"`
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		JSON          bool   `yaml:"json"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Static struct {
		Root        string `yaml:"root"`
		Port        int    `yaml:"port"`
		MaxAge      string `yaml:"maxAge"`
		SPAFallback bool   `yaml:"spaFallback"`

		maxAgeDur time.Duration
	} `yaml:"static"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // leveldb | redis | memory
	Path    string `yaml:"path"`
	Max     string `yaml:"max"`
	Redis   struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	maxBytes int64
}

// LoadConfig reads the YAML file at path, applies IMGCACHE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := decodeConfig(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig is LoadConfig without the file read and environment overlay.
func ParseConfig(b []byte) (Config, error) {
	cfg, err := decodeConfig(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("IMGCACHE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMGCACHE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("IMGCACHE_ORIGIN"); v != "" {
		c.Server.Origin = v
	}
	if v := os.Getenv("IMGCACHE_REDIS_URL"); v != "" {
		c.Storage.Redis.URL = v
		if c.Storage.Backend == "" {
			c.Storage.Backend = "redis"
		}
	}
	if v := os.Getenv("IMGCACHE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func (c *Config) finalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(c.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		c.Server.fetchTimeoutDur = d
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "leveldb"
	case "leveldb", "redis", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "leveldb" && c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required for the redis backend")
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "imgcache:"
	}
	if c.Storage.Max != "" {
		n, err := parseBytes(c.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		c.Storage.maxBytes = n
	}

	if c.Cache.General == "" {
		c.Cache.General = DefaultGeneralCache
	}
	if c.Cache.Images == "" {
		c.Cache.Images = DefaultImageCache
	}
	if c.Cache.General == c.Cache.Images {
		return fmt.Errorf("cache.general and cache.images must differ, both are %q", c.Cache.Images)
	}

	if c.Lifecycle.SkipWaiting == nil {
		skip := true
		c.Lifecycle.SkipWaiting = &skip
	}

	if len(c.Images.Extensions) == 0 {
		c.Images.Extensions = append([]string(nil), defaultImageExtensions...)
	}
	for i, ext := range c.Images.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			return fmt.Errorf("images.extensions[%d]: empty extension", i)
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Images.Extensions[i] = ext
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = DefaultSyncTag
	}
	if c.Sync.Every != "" {
		d, err := time.ParseDuration(c.Sync.Every)
		if err != nil {
			return fmt.Errorf("sync.every: %w", err)
		}
		c.Sync.everyDur = d
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.Logging.logStatsEveryDur = d
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Static.Port == 0 {
		c.Static.Port = 3000
	}
	c.Static.maxAgeDur = 24 * time.Hour
	if c.Static.MaxAge != "" {
		d, err := time.ParseDuration(c.Static.MaxAge)
		if err != nil {
			return fmt.Errorf("static.maxAge: %w", err)
		}
		c.Static.maxAgeDur = d
	}
	return nil
}

// StaticMaxAge is the parsed static.maxAge, 24h when unset.
func (c Config) StaticMaxAge() time.Duration { return c.Static.maxAgeDur }

// MaxBytes is the parsed storage.max; zero means unlimited.
func (c StorageConfig) MaxBytes() int64 { return c.maxBytes }

// CurrentGenerations returns the generation names that survive activation.
func (c Config) CurrentGenerations() []string {
	return []string{c.Cache.General, c.Cache.Images}
}
