package geodata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

// NewCache returns a Redis cache when one is configured and reachable, and the
// SQL cache otherwise.
func NewCache(cfg config.GeodataConfig, repo repository.GeodataCache) Cache {
	if cfg.RedisAddr == "" {
		return NewSQLCache(repo)
	}
	c, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		slog.Warn("redis unavailable, caching geodata in sqlite", "addr", cfg.RedisAddr, "error", err)
		return NewSQLCache(repo)
	}
	return c
}

// SQLCache keeps entries in the osm_cache table.
type SQLCache struct {
	repo repository.GeodataCache
	now  func() time.Time
}

func NewSQLCache(repo repository.GeodataCache) *SQLCache {
	return &SQLCache{repo: repo, now: time.Now}
}

func (c *SQLCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.repo.GetCachedGeodata(ctx, key, c.now())
}

func (c *SQLCache) Put(ctx context.Context, key string, bbox geo.BBox, payload []byte, featureCount int, ttl time.Duration) error {
	now := c.now()
	return c.repo.PutCachedGeodata(ctx, key, bbox.String(), payload, featureCount, now, now.Add(ttl))
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func redisKey(key string) string {
	return "geodata:" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get geodata cache: %w", err)
	}
	return data, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, _ geo.BBox, payload []byte, _ int, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set geodata cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
