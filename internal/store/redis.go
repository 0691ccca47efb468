package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the primary production StateStore backend, grounded on
// the same go-redis client used elsewhere in the stack for inboxing.
// Sessions are plain SET...EX values; the signing key is a single
// fixed key with no TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) LoadSigningKey(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, signingKeyStoreKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisStore) SaveSigningKey(ctx context.Context, der []byte) error {
	return r.client.Set(ctx, signingKeyStoreKey, der, 0).Err()
}

func (r *RedisStore) SaveSession(ctx context.Context, userID string, blob []byte, ttlSeconds int64) error {
	return r.client.Set(ctx, sessionStoreKey(userID), blob, time.Duration(ttlSeconds)*time.Second).Err()
}

func (r *RedisStore) LoadSession(ctx context.Context, userID string) ([]byte, error) {
	data, err := r.client.Get(ctx, sessionStoreKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, userID string) error {
	return r.client.Del(ctx, sessionStoreKey(userID)).Err()
}

func (r *RedisStore) ScanSessions(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	var cursor uint64
	prefix := sessionStoreKey("")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			records = append(records, SessionRecord{
				UserID: key[len(prefix):],
				Blob:   data,
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
