package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const snapshotKey = "orchestrator:snapshot"

// RedisStore Redis快照存储
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Helper
}

// NewRedisStore 创建Redis快照存储，ttl为0表示快照不过期
func NewRedisStore(client *redis.Client, ttl time.Duration, logger log.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: log.NewHelper(logger),
	}
}

// Save 序列化并写入快照
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write snapshot to redis: %w", err)
	}
	s.logger.Debugf("snapshot saved, %d bytes", len(data))
	return nil
}

// Load 读取快照；键不存在返回(nil, nil)
func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot from redis: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// IdempotencyStore 基于Redis的幂等键存储
//
// SetNX保证同一幂等键只有第一个提交者拿到写入权，其余读到
// 已登记的任务ID。
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore 创建幂等键存储
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Claim 登记幂等键；返回(已有任务ID, 是否首次登记)
func (s *IdempotencyStore) Claim(ctx context.Context, key, taskID string) (string, bool, error) {
	redisKey := "orchestrator:idem:" + key
	ok, err := s.client.SetNX(ctx, redisKey, taskID, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return taskID, true, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return existing, false, nil
}
