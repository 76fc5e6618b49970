package docqw

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/docqw/internal/keys"
	"github.com/redis/go-redis/v9"
)

// ResultStore holds task result payloads. Put returns the key the payload can
// be fetched with later; that key is what the shared cache records as the
// task's result pointer. Get returns nil without error on a miss.
type ResultStore interface {
	Put(ctx context.Context, id string, res *TaskResult) (string, error)
	Get(ctx context.Context, key string) (*TaskResult, error)
	Delete(ctx context.Context, key string) error
}

// RedisResultStore keeps results as encoded strings under <prefix>:<id>.
type RedisResultStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	enc    Encoder
}

// NewRedisResultStore creates a result store on rdb. An empty prefix selects
// "docqw:results"; ttl <= 0 keeps results until deleted.
func NewRedisResultStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisResultStore {
	if prefix == "" {
		prefix = keys.DefaultResultsPrefix
	}
	return &RedisResultStore{rdb: rdb, prefix: prefix, ttl: ttl, enc: &ResultEncoder{}}
}

func (s *RedisResultStore) Put(ctx context.Context, id string, res *TaskResult) (string, error) {
	b, err := s.enc.Encode(res)
	if err != nil {
		return "", err
	}
	key := keys.Result(s.prefix, id)
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisResultStore) Get(ctx context.Context, key string) (*TaskResult, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res TaskResult
	if err := s.enc.Decode(b, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *RedisResultStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
