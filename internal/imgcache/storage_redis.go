package imgcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps generations in Redis so several proxy instances share
// one image cache. Each generation is a hash (field = request key, value =
// gob(Entry)) and the set <prefix>generations indexes the generation names.
//
// Redis maxmemory is the storage quota here; the proxy does not account for
// sizes itself.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// OpenRedisStorage connects to url (redis://[:password@]host:port/db) and
// pings the server before returning.
func OpenRedisStorage(ctx context.Context, url, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (s *RedisStorage) indexKey() string { return s.prefix + "generations" }

func (s *RedisStorage) genKey(name string) string { return s.prefix + "gen:" + name }

func (s *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, fmt.Errorf("empty generation name")
	}
	if err := s.client.SAdd(ctx, s.indexKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &redisGeneration{s: s, name: name, key: s.genKey(name)}, nil
}

func (s *RedisStorage) Generations(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	pipe := s.client.TxPipeline()
	srem := pipe.SRem(ctx, s.indexKey(), name)
	pipe.Del(ctx, s.genKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	return srem.Val() > 0, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// putIfLive writes the entry only while the generation is still indexed, so
// a handle held across a prune by another instance cannot resurrect it.
//
// KEYS[1] index set, KEYS[2] generation hash; ARGV name, field, value.
var putIfLive = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisGeneration struct {
	s    *RedisStorage
	name string
	key  string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(ctx context.Context, key string) (Entry, error) {
	b, err := g.s.client.HGet(ctx, g.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get entry %q: %w", key, err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, nil
}

func (g *redisGeneration) Put(ctx context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	ok, err := putIfLive.Run(ctx, g.s.client, []string{g.s.indexKey(), g.key}, g.name, key, b).Int()
	if err != nil {
		return fmt.Errorf("put entry %q: %w", key, err)
	}
	if ok == 0 {
		return fmt.Errorf("put %q into %q: %w", key, g.name, ErrGenerationDeleted)
	}
	return nil
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.s.client.HKeys(ctx, g.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys of %q: %w", g.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}
