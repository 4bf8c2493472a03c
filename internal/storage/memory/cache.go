package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Cache — in-memory реализация domain.Cache с TTL. Истёкшие ключи не видны сразу,
// физически удаляются через DeleteExpired.
type Cache struct {
	mu    sync.Mutex
	items map[string]cacheEntry
	now   func() time.Time
}

// NewCache создаёт пустой кэш.
func NewCache() *Cache {
	return &Cache{
		items: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Get возвращает значение, если ключ существует и не истёк.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok || entry.expired(c.now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set сохраняет значение; при ttl <= 0 ключ не истекает.
func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheEntry{value: value, expiresAt: c.expiry(ttl)}
	return nil
}

// Delete удаляет ключи.
func (c *Cache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.items, key)
	}
	return nil
}

// Incr увеличивает счётчик. Истёкший или отсутствующий ключ считается нулём.
func (c *Cache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current int64
	if entry, ok := c.items[key]; ok && !entry.expired(c.now()) {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, domain.Validationf("cache key %s is not a counter", key)
		}
		current = parsed
	}
	current++
	c.items[key] = cacheEntry{value: strconv.FormatInt(current, 10), expiresAt: c.expiry(ttl)}
	return current, nil
}

// DeleteExpired удаляет до limit истёкших ключей (все при limit <= 0).
func (c *Cache) DeleteExpired(before time.Time, limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.items {
		if !entry.expired(before) {
			continue
		}
		delete(c.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

// Len — число хранимых ключей, включая истёкшие.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

var _ domain.Cache = (*Cache)(nil)
