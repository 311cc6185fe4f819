package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisRegistry stores partitions in Redis.
// Partition names live in one set, and each partition is a hash of key to encoded entry.
type RedisRegistry struct {
	redis  *redis.Client
	prefix string
}

type redisEntry struct {
	RequestedAt int64  `msgpack:"req"`
	ReceivedAt  int64  `msgpack:"rec"`
	Bytes       []byte `msgpack:"b"`
}

// NewRedisRegistry creates a registry on top of the given client.
// All Redis keys written by the registry start with prefix.
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisRegistry{
		redis:  client,
		prefix: prefix,
	}
}

func (r *RedisRegistry) namesKey() string {
	return r.prefix + "partitions"
}

func (r *RedisRegistry) partitionKey(name string) string {
	return r.prefix + "partition:" + name
}

func (r *RedisRegistry) Open(ctx context.Context, name string) (Partition, error) {
	if err := r.redis.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return redisPartition{name: name, r: r}, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.partitionKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete partition: %w", err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisRegistry) Names(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisRegistry) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return CacheEntry{}, false, err
	}
	for _, name := range names {
		entry, ok, err := redisPartition{name: name, r: r}.Match(ctx, key)
		if err != nil {
			return CacheEntry{}, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

type redisPartition struct {
	name string
	r    *RedisRegistry
}

func (p redisPartition) Name() string {
	return p.name
}

// putRetries bounds how often Put starts over when the partition set changes under it.
const putRetries = 10

func (p redisPartition) Put(ctx context.Context, ce CacheEntry) error {
	data, err := msgpack.Marshal(redisEntry{
		RequestedAt: ce.RequestedAt.UnixMilli(),
		ReceivedAt:  ce.ReceivedAt.UnixMilli(),
		Bytes:       ce.Bytes,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	// the write only commits if no partition was added or deleted since the check
	put := func(tx *redis.Tx) error {
		exists, err := tx.SIsMember(ctx, p.r.namesKey(), p.name).Result()
		if err != nil {
			return fmt.Errorf("redis sismember: %w", err)
		}
		if !exists {
			return ErrPartitionNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, p.r.partitionKey(p.name), ce.Key, data)
			return nil
		})
		return err
	}
	for i := 0; i < putRetries; i++ {
		err = p.r.redis.Watch(ctx, put, p.r.namesKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrPartitionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (p redisPartition) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	data, err := p.r.redis.HGet(ctx, p.r.partitionKey(p.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var re redisEntry
	if err := msgpack.Unmarshal(data, &re); err != nil {
		return CacheEntry{}, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return CacheEntry{
		Key:         key,
		RequestedAt: time.UnixMilli(re.RequestedAt),
		ReceivedAt:  time.UnixMilli(re.ReceivedAt),
		Bytes:       re.Bytes,
	}, true, nil
}

func (p redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.r.redis.HDel(ctx, p.r.partitionKey(p.name), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (p redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.r.redis.HKeys(ctx, p.r.partitionKey(p.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
