package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each bucket in one hash.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bredai"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) hashKey(bucket Bucket) string {
	return fmt.Sprintf("%s:%s", r.prefix, bucket)
}

func (r *RedisStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if !validBucket(bucket) {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	raw, err := r.rdb.HGet(ctx, r.hashKey(bucket), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hget %s/%s: %w", bucket, key, err)
	}
	return raw, nil
}

func (r *RedisStore) GetAll(ctx context.Context, bucket Bucket) (map[string][]byte, error) {
	if !validBucket(bucket) {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	raw, err := r.rdb.HGetAll(ctx, r.hashKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", bucket, err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Save(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if !validBucket(bucket) {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	if key == "" {
		return fmt.Errorf("record key is empty")
	}
	if err := r.rdb.HSet(ctx, r.hashKey(bucket), key, value).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	if !validBucket(bucket) {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	n, err := r.rdb.HDel(ctx, r.hashKey(bucket), key).Result()
	if err != nil {
		return fmt.Errorf("hdel %s/%s: %w", bucket, key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
