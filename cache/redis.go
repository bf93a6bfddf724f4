package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript writes field/value pairs into a bucket hash, but only while the
// bucket is registered. It runs atomically, so a batch is all or nothing.
var putScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisStorage keeps buckets in Redis under a namespace prefix:
//
//	<namespace>:buckets        sorted set of bucket names, scored by creation time
//	<namespace>:bucket:<name>  hash of key -> encoded entry
type RedisStorage struct {
	redis     redis.UniversalClient
	namespace string
}

// NewRedisStorage creates a storage backed by the given client.
func NewRedisStorage(client redis.UniversalClient, namespace string) RedisStorage {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return RedisStorage{
		redis:     client,
		namespace: namespace,
	}
}

type redisEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Bytes    []byte    `json:"bytes"`
}

func (s RedisStorage) bucketsKey() string {
	return s.namespace + ":buckets"
}

func (s RedisStorage) bucketKey(name string) string {
	return s.namespace + ":bucket:" + name
}

func (s RedisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	err := s.redis.ZAddNX(ctx, s.bucketsKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("redis zadd: %w", err)
	}
	return redisBucket{name: name, storage: s}, nil
}

func (s RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.redis.ZScore(ctx, s.bucketsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (s RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.bucketsKey(), name)
		pipe.Del(ctx, s.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete bucket: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.ZRange(ctx, s.bucketsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (s RedisStorage) Close() error {
	return s.redis.Close()
}

type redisBucket struct {
	name    string
	storage RedisStorage
}

func (b redisBucket) Name() string {
	return b.name
}

func (b redisBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	data, err := b.storage.redis.HGet(ctx, b.storage.bucketKey(b.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return Entry{Key: key, StoredAt: stored.StoredAt, Bytes: stored.Bytes}, true, nil
}

func (b redisBucket) Put(ctx context.Context, entry Entry) error {
	return b.PutAll(ctx, []Entry{entry})
}

func (b redisBucket) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 1+2*len(entries))
	args = append(args, b.name)
	for _, entry := range entries {
		data, err := json.Marshal(redisEntry{StoredAt: entry.StoredAt, Bytes: entry.Bytes})
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", entry.Key, err)
		}
		args = append(args, entry.Key, data)
	}
	keys := []string{b.storage.bucketsKey(), b.storage.bucketKey(b.name)}
	if err := putScript.Run(ctx, b.storage.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (b redisBucket) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.storage.redis.HDel(ctx, b.storage.bucketKey(b.name), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (b redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.storage.redis.HKeys(ctx, b.storage.bucketKey(b.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
