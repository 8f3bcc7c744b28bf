package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dex-pipeline-sol/internal/pkg/logger"
)

// PgSlotStore 管理 slot 的持久化存储。
// 写入用于持久记录进度，服务恢复后续传；不做高频幂等判重，只 fallback 使用。
type PgSlotStore struct {
	pool *pgxpool.Pool
}

func NewPgSlotStore(pool *pgxpool.Pool) *PgSlotStore {
	return &PgSlotStore{pool: pool}
}

// Schema 是进度表的建表语句，部署时执行
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_progress_slot (
	slot       BIGINT PRIMARY KEY,
	source     SMALLINT NOT NULL,
	block_time BIGINT NOT NULL,
	status     SMALLINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// CheckSlotExists 判定某 slot 是否已存在（Redis 失效后的 fallback）
func (d *PgSlotStore) CheckSlotExists(ctx context.Context, slot uint64) (bool, error) {
	var dummy int
	err := d.pool.QueryRow(ctx,
		`SELECT 1 FROM pipeline_progress_slot WHERE slot = $1`, int64(slot)).Scan(&dummy)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check slot exists error: %w", err)
	}
	return true, nil
}

// LatestProcessedSlot 返回已处理的最高 slot，无记录时返回 (0, nil)。
// 轮询数据源重启后从这里续传。
func (d *PgSlotStore) LatestProcessedSlot(ctx context.Context) (uint64, error) {
	var slot *int64
	err := d.pool.QueryRow(ctx,
		`SELECT MAX(slot) FROM pipeline_progress_slot WHERE status = $1`,
		int(SlotProcessed)).Scan(&slot)
	if err != nil {
		return 0, fmt.Errorf("fetch latest processed slot error: %w", err)
	}
	if slot == nil {
		return 0, nil
	}
	return uint64(*slot), nil
}

// BatchUpsertSlots 批量写入 slot 记录，slot 冲突时只更新 status / updated_at。
// 用 pgx 的 Batch 管道化发送，按 1000 条分批。
func (d *PgSlotStore) BatchUpsertSlots(ctx context.Context, slots []*SlotRecord) error {
	if len(slots) == 0 {
		return nil
	}

	const query = `
		INSERT INTO pipeline_progress_slot (slot, source, block_time, status, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (slot) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = CURRENT_TIMESTAMP`

	const batchLimit = 1000
	for i := 0; i < len(slots); i += batchLimit {
		end := i + batchLimit
		if end > len(slots) {
			end = len(slots)
		}

		batch := &pgx.Batch{}
		for _, s := range slots[i:end] {
			batch.Queue(query, int64(s.Slot), s.Source, s.BlockTime, int(s.Status))
		}
		if err := d.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("batch upsert slots [%d,%d) failed: %w", i, end, err)
		}
	}
	return nil
}

// DeleteOldSlots 删除历史 slot 记录（进度 GC），保留最近 7 天。
// 估算公式：7天 × 每秒 2.5 slot ≈ 1,512,000 slots。
// 为防止长事务，分批删除（每批最多 1000 条）。
func (d *PgSlotStore) DeleteOldSlots(ctx context.Context) error {
	var latest *int64
	if err := d.pool.QueryRow(ctx,
		`SELECT MAX(slot) FROM pipeline_progress_slot`).Scan(&latest); err != nil {
		return fmt.Errorf("fetch latest slot failed: %w", err)
	}
	if latest == nil {
		return nil
	}

	days := 7 * 24 * 3600
	safeSlot := *latest - int64(float64(days)*2.5)
	if safeSlot <= 0 {
		return nil
	}

	for {
		tag, err := d.pool.Exec(ctx, `
			DELETE FROM pipeline_progress_slot
			WHERE slot IN (
				SELECT slot FROM pipeline_progress_slot
				WHERE slot < $1 ORDER BY slot LIMIT 1000
			)`, safeSlot)
		if err != nil {
			return fmt.Errorf("delete old slots failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			break
		}
		logger.Infof("[progress] gc deleted %d old rows", tag.RowsAffected())
	}
	return nil
}
