package fault

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisFaultStore is the durable ProcessedFaultStore backend for a
// multi-replica Coordinator/Controller deployment: Add/Contains against a
// single Redis set so a restart (or a second replica) never re-triggers
// recovery for a fault already handled. Grounded in the teacher's
// RedisStore key-prefixing convention (store/redis_idempotency.go's
// "idempotency:lock:"/"idempotency:result:" namespacing).
type RedisFaultStore struct {
	client *redis.Client
	key    string
}

// NewRedisFaultStore connects to addr/db and verifies the connection,
// mirroring the teacher's NewRedisStore Ping-on-construct pattern.
func NewRedisFaultStore(ctx context.Context, addr, password string, db int) (*RedisFaultStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisFaultStore{client: client, key: "mindie:processed_switch_faults"}, nil
}

// Close releases the underlying client.
func (r *RedisFaultStore) Close() error {
	return r.client.Close()
}

// Contains reports whether key has already been recorded as processed.
func (r *RedisFaultStore) Contains(ctx context.Context, key string) (bool, error) {
	return r.client.SIsMember(ctx, r.key, key).Result()
}

// Add records key as processed. Idempotent: adding an already-present key
// is a no-op.
func (r *RedisFaultStore) Add(ctx context.Context, key string) error {
	return r.client.SAdd(ctx, r.key, key).Err()
}
