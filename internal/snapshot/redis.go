package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed Store.
type RedisConfig struct {
	// Addr like "localhost:6379".
	Addr string
	// KeyPrefix for all snapshot keys.
	KeyPrefix string
}

// RedisStore persists snapshots as JSON values under prefixed keys, each
// SET with a TTL. Redis handles expiry, so idle sessions disappear from
// the durable cache without any sweep of our own.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "termshare:sessions:"
	}
	return &RedisStore{client: cl, keyPrefix: prefix}, nil
}

func (r *RedisStore) key(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisStore) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snap.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", sessionID, err)
	}
	return snap, true, nil
}

func (r *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get snapshot key %s: %w", iter.Val(), err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot key %s: %w", iter.Val(), err)
		}
		out = append(out, snap)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
