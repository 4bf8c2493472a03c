package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultDialTimeout = 3 * time.Second

// Options описывает подключение к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Namespace добавляется ко всем ключам: "<namespace>:<key>".
	Namespace string
}

// Cache реализует domain.Cache поверх Redis.
type Cache struct {
	client    *goredis.Client
	namespace string
}

// NewCache подключается к Redis и проверяет доступность сервера.
func NewCache(ctx context.Context, opts Options) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: defaultDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return &Cache{client: client, namespace: opts.Namespace}, nil
}

func (c *Cache) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Transient("redis get", err)
	}
	return value, true, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return domain.Transient("redis set", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, c.key(k))
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return domain.Transient("redis del", err)
	}
	return nil
}

// Incr увеличивает счётчик и продлевает TTL в одной транзакции MULTI/EXEC.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := c.key(key)
	var incr *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, full)
		if ttl > 0 {
			pipe.Expire(ctx, full, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, domain.Transient("redis incr", err)
	}
	return incr.Val(), nil
}

// Ping проверяет доступность Redis для health-check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close закрывает пул соединений.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ domain.Cache = (*Cache)(nil)
