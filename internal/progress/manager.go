package progress

import (
	"context"
	"time"

	"dex-pipeline-sol/internal/pkg/logger"
)

// Manager 统一封装 Redis + DB + 缓冲，控制进度判重与写入。
// 近期 block 直接放行；旧 block 先查 Redis，失效后 fallback 到 DB。
type Manager struct {
	redis           *RedisSlotStore
	db              *PgSlotStore
	buffer          *slotBuffer
	recentThreshold time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(redis *RedisSlotStore, db *PgSlotStore, recentThresholdSec int) *Manager {
	return &Manager{
		redis:           redis,
		db:              db,
		buffer:          newSlotBuffer(),
		recentThreshold: time.Duration(recentThresholdSec) * time.Second,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// ShouldProcessSlot 判断是否需要处理该 slot：
//   - block 足够新时直接处理（追块阶段不查存储）
//   - 否则 Redis 查状态，失效后 fallback 到 DB 并回填 Redis
func (pm *Manager) ShouldProcessSlot(ctx context.Context, slot uint64, blockTime int64) (bool, error) {
	if time.Since(time.Unix(blockTime, 0)) <= pm.recentThreshold {
		return true, nil
	}

	status, err := pm.redis.GetSlotStatus(ctx, slot)
	if err != nil {
		return false, err
	}
	if status == SlotProcessed || status == SlotInvalid {
		return false, nil
	}

	exists, err := pm.db.CheckSlotExists(ctx, slot)
	if err != nil {
		return false, err
	}
	if exists {
		_ = pm.redis.MarkSlotProcessed(ctx, slot)
		return false, nil
	}
	return true, nil
}

// MarkSlot 记录 slot 的处理结果：更新 Redis 并加入缓冲区待批量落库。
// SlotUnknown / SlotPending 不参与持久记录。
func (pm *Manager) MarkSlot(ctx context.Context, slot uint64, source int16, blockTime int64, status SlotStatus) error {
	var err error
	switch status {
	case SlotProcessed:
		err = pm.redis.MarkSlotProcessed(ctx, slot)
	case SlotInvalid:
		err = pm.redis.MarkSlotInvalid(ctx, slot)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	pm.buffer.Add(&SlotRecord{
		Slot:      slot,
		Source:    source,
		BlockTime: blockTime,
		Status:    status,
	})
	return nil
}

// ResumeSlot 返回重启续传的起始 slot（已处理最高 slot 的下一个），无记录时返回 0。
func (pm *Manager) ResumeSlot(ctx context.Context) (uint64, error) {
	latest, err := pm.db.LatestProcessedSlot(ctx)
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, nil
	}
	return latest + 1, nil
}

// Start 启动后台定时 flush 与进度 GC，实现 service.Service 接口。
func (pm *Manager) Start() {
	flushTicker := time.NewTicker(10 * time.Second)
	gcTicker := time.NewTicker(6 * time.Hour)
	defer flushTicker.Stop()
	defer gcTicker.Stop()
	defer close(pm.doneCh)

	for {
		select {
		case <-pm.stopCh:
			pm.flush(context.Background())
			return
		case <-flushTicker.C:
			pm.flush(context.Background())
		case <-gcTicker.C:
			if err := pm.db.DeleteOldSlots(context.Background()); err != nil {
				logger.Warnf("[progress] gc failed: %v", err)
			}
		}
	}
}

func (pm *Manager) Stop() {
	select {
	case <-pm.stopCh:
	default:
		close(pm.stopCh)
	}
	<-pm.doneCh
}

func (pm *Manager) flush(ctx context.Context) {
	records := pm.buffer.Flush()
	if len(records) == 0 {
		return
	}
	if err := pm.db.BatchUpsertSlots(ctx, records); err != nil {
		// buffer 已清空，丢失的只是进度标记，后续判重会 fallback 到 Redis
		logger.Warnf("[progress] flush %d records failed: %v", len(records), err)
	}
}
