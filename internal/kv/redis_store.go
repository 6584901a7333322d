package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "custodian:"

// RedisStore keeps values as strings and sets as Redis sets. Commit runs
// the batch inside MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced with prefix
// ("custodian:" when empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL and returns a connected store.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) k(key string) string { return r.prefix + "v:" + key }
func (r *RedisStore) s(set string) string { return r.prefix + "s:" + set }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.k(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Claim(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.k(key), value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Members(ctx context.Context, set string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.s(set)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", set, err)
	}
	sort.Strings(members)
	return members, nil
}

func (r *RedisStore) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range b.ops {
			switch o.kind {
			case opPut:
				pipe.Set(ctx, r.k(o.key), o.value, 0)
			case opDelete:
				pipe.Del(ctx, r.k(o.key))
			case opAdd:
				pipe.SAdd(ctx, r.s(o.key), o.member)
			case opRemove:
				pipe.SRem(ctx, r.s(o.key), o.member)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
