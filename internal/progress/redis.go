package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlotStore 管理 Redis 中的 slot 状态记录（幂等控制）
type RedisSlotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

const slotKeyPrefix = "pipeline:progress:slot"

const defaultSlotTTL = 3 * 24 * time.Hour

// NewRedisSlotStore 创建 Redis 判重管理器。ttl<=0 时使用默认值。
func NewRedisSlotStore(rdb *redis.Client, ttl time.Duration) *RedisSlotStore {
	if ttl <= 0 {
		ttl = defaultSlotTTL
	}
	return &RedisSlotStore{rdb: rdb, ttl: ttl}
}

func slotKey(slot uint64) string {
	return fmt.Sprintf("%s:%d", slotKeyPrefix, slot)
}

// GetSlotStatus 获取 slot 的状态（Unknown / Processed / Invalid / Pending）
func (r *RedisSlotStore) GetSlotStatus(ctx context.Context, slot uint64) (SlotStatus, error) {
	val, err := r.rdb.Get(ctx, slotKey(slot)).Int()
	switch {
	case err == redis.Nil:
		return SlotUnknown, nil
	case err != nil:
		return SlotUnknown, fmt.Errorf("redis get error: %w", err)
	case val == int(SlotProcessed):
		return SlotProcessed, nil
	case val == int(SlotInvalid):
		return SlotInvalid, nil
	case val == int(SlotPending):
		return SlotPending, nil
	default:
		return SlotUnknown, nil // 容错处理
	}
}

// MarkSlotStatus 设置 slot 的状态
func (r *RedisSlotStore) MarkSlotStatus(ctx context.Context, slot uint64, status SlotStatus) error {
	return r.rdb.Set(ctx, slotKey(slot), int(status), r.ttl).Err()
}

func (r *RedisSlotStore) MarkSlotProcessed(ctx context.Context, slot uint64) error {
	return r.MarkSlotStatus(ctx, slot, SlotProcessed)
}

func (r *RedisSlotStore) MarkSlotInvalid(ctx context.Context, slot uint64) error {
	return r.MarkSlotStatus(ctx, slot, SlotInvalid)
}

// MarkSlotPending 标记 slot 正在处理（幂等控制）
func (r *RedisSlotStore) MarkSlotPending(ctx context.Context, slot uint64) error {
	return r.MarkSlotStatus(ctx, slot, SlotPending)
}
