package docqw

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/docqw/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long task metadata and result pointers live in the shared cache.
const DefaultCacheTTL = 24 * time.Hour

// Cache is the store shared by all replicas for cross-instance task visibility.
// Get and ResultKey return zero values without error on a miss.
type Cache interface {
	Put(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	PutResultKey(ctx context.Context, id, key string) error
	ResultKey(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// cachedTask is the persisted shape of a task. Meta is a pointer so an
// entry written without counters decodes as zeroed counters.
type cachedTask struct {
	ID     string          `json:"task_id"`
	Type   TaskType        `json:"task_type"`
	Status TaskStatus      `json:"task_status"`
	Meta   *ProcessingMeta `json:"processing_meta,omitempty"`
}

// RedisCache implements Cache on Redis strings with a TTL.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	enc    Encoder
}

// CacheOption configures a RedisCache.
type CacheOption func(*RedisCache)

// WithCachePrefix overrides the key namespace (default "docqw:tasks").
func WithCachePrefix(p string) CacheOption { return func(c *RedisCache) { c.prefix = p } }

// WithCacheTTL overrides the entry TTL (default 24h).
func WithCacheTTL(d time.Duration) CacheOption { return func(c *RedisCache) { c.ttl = d } }

// WithCacheEncoder overrides the encoder used for metadata.
func WithCacheEncoder(e Encoder) CacheOption { return func(c *RedisCache) { c.enc = e } }

// NewRedisCache creates a cache backed by rdb.
func NewRedisCache(rdb redis.UniversalClient, opts ...CacheOption) *RedisCache {
	c := &RedisCache{rdb: rdb, prefix: keys.DefaultTaskPrefix, ttl: DefaultCacheTTL, enc: &JSONEncoder{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Put writes the task metadata.
func (c *RedisCache) Put(ctx context.Context, t *Task) error {
	meta := t.Meta
	b, err := c.enc.Encode(cachedTask{ID: t.ID, Type: t.Type, Status: t.Status, Meta: &meta})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keys.Metadata(c.prefix, t.ID), b, c.ttl).Err()
}

// Get reads the task metadata.
func (c *RedisCache) Get(ctx context.Context, id string) (*Task, error) {
	b, err := c.rdb.Get(ctx, keys.Metadata(c.prefix, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ct cachedTask
	if err := c.enc.Decode(b, &ct); err != nil {
		return nil, err
	}
	t := &Task{ID: ct.ID, Type: ct.Type, Status: ct.Status}
	if t.ID == "" {
		t.ID = id
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if ct.Meta != nil {
		t.Meta = *ct.Meta
	}
	return t, nil
}

// PutResultKey records where the backend keeps the result of id.
func (c *RedisCache) PutResultKey(ctx context.Context, id, key string) error {
	return c.rdb.Set(ctx, keys.ResultKey(c.prefix, id), key, c.ttl).Err()
}

// ResultKey returns the stored result pointer of id.
func (c *RedisCache) ResultKey(ctx context.Context, id string) (string, error) {
	v, err := c.rdb.Get(ctx, keys.ResultKey(c.prefix, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Delete removes both entries of id.
func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, keys.Metadata(c.prefix, id), keys.ResultKey(c.prefix, id)).Err()
}

// noopCache is used when no shared cache is configured; every read misses.
type noopCache struct{}

func (noopCache) Put(context.Context, *Task) error                   { return nil }
func (noopCache) Get(context.Context, string) (*Task, error)         { return nil, nil }
func (noopCache) PutResultKey(context.Context, string, string) error { return nil }
func (noopCache) ResultKey(context.Context, string) (string, error)  { return "", nil }
func (noopCache) Delete(context.Context, string) error               { return nil }
