package taskcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/go-redis/redis/v8"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// RedisBacking is the shared cache backing store used when multiple
// dispatcher instances must agree on at-most-once execution of cacheable
// tasks. SetNX gives the required putIfAbsent semantics.
type RedisBacking struct {
	client *redis.Client
}

var (
	redisBacking     *RedisBacking
	redisBackingOnce sync.Once
)

// GetOrInitRedis connects to REDIS_ADDRESS and pings it once. Call only
// when a shared backing store is configured.
func GetOrInitRedis() *RedisBacking {
	redisBackingOnce.Do(func() {
		address, err := env.GetAsString("REDIS_ADDRESS", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_ADDRESS from env: %s", err)
		}
		password, err := env.GetAsString("REDIS_PASSWORD", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_PASSWORD from env: %s", err)
		}
		db, err := env.GetAsInt("REDIS_DB", false, 0)
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_DB from env: %s", err)
		}

		client := redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			zap.S().Fatalf("Failed to ping redis at %s: %s", address, err)
		}
		redisBacking = &RedisBacking{client: client}
	})
	return redisBacking
}

func (r *RedisBacking) LoadCacheEntry(ctx context.Context, key string) (*datamodel.CacheEntry, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get for key %s failed: %w", key, err)
	}
	var entry datamodel.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for key %s: %w", key, err)
	}
	return &entry, nil
}

func (r *RedisBacking) PutCacheEntryIfAbsent(ctx context.Context, entry *datamodel.CacheEntry) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode cache entry for key %s: %w", entry.Key, err)
	}
	inserted, err := r.client.SetNX(ctx, entry.Key, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx for key %s failed: %w", entry.Key, err)
	}
	return inserted, nil
}
