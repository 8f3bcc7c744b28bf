// Package rpcpoll 实现 polling-cycle 数据源：
// 按批拉取 [next, tip] 区间的区块，批内并发、按 slot 顺序交付。
// 进度存储（Redis + Postgres）提供重启续传与幂等判重。
package rpcpoll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blocto/solana-go-sdk/client"
	"github.com/blocto/solana-go-sdk/rpc"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pipeline"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/pkg/utils"
	"dex-pipeline-sol/internal/progress"
)

// Config 是 RPC 轮询数据源的配置。
type Config struct {
	Endpoint string

	PollIntervalMs  int // 追平 tip 后的轮询间隔
	BatchSize       int // 每轮拉取的 slot 数上限
	Concurrency     int // 批内并发 getBlock 数
	MaxRetries      int // 单个 slot 拉取的重试次数
	RetryIntervalMs int

	// StartSlot >0 时强制从该 slot 开始；否则优先进度存储续传，
	// 无进度时从当前 tip 开始。
	StartSlot uint64

	// 连续多少轮 getSlot 失败视为不可恢复
	MaxTipFailures int
}

func (c *Config) applyDefaults() {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 400
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Concurrency <= 0 {
		c.Concurrency = consts.CpuCount
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryIntervalMs <= 0 {
		c.RetryIntervalMs = 500
	}
	if c.MaxTipFailures <= 0 {
		c.MaxTipFailures = 30
	}
}

// Source 是 RPC 轮询数据源。progress 可为 nil（无持久化，直接从 tip 开始）。
type Source struct {
	cfg      Config
	filters  *pipeline.Filters
	client   *client.Client
	progress *progress.Manager
}

func New(cfg Config, filters *pipeline.Filters, pm *progress.Manager) (*Source, error) {
	cfg.applyDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("rpcpoll: endpoint is required")
	}
	c := client.NewClient(cfg.Endpoint)
	if c == nil {
		return nil, errors.New("rpcpoll: rpc client init failed")
	}
	return &Source{cfg: cfg, filters: filters, client: c, progress: pm}, nil
}

func (s *Source) Shutdown() error {
	return nil
}

func (s *Source) commitment() rpc.Commitment {
	switch s.filters.Commitment {
	case pipeline.CommitmentProcessed:
		return rpc.CommitmentProcessed
	case pipeline.CommitmentFinalized:
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// Consume 实现 pipeline.Datasource。
// 主循环：查 tip → 拉取 [next, tip] 的一批区块 → 按序交付 → 记进度。
func (s *Source) Consume(ctx context.Context, out chan<- *core.RawEnvelope) error {
	next, err := s.resolveStartSlot(ctx)
	if err != nil {
		return pipeline.FatalSourceError("resume", err)
	}
	logger.Infof("[rpcpoll] start polling: endpoint=%s from slot=%d batch=%d concurrency=%d",
		s.cfg.Endpoint, next, s.cfg.BatchSize, s.cfg.Concurrency)

	pollInterval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	tipFailures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		tip, err := s.client.GetSlotWithConfig(ctx, client.GetSlotConfig{Commitment: s.commitment()})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			tipFailures++
			if tipFailures >= s.cfg.MaxTipFailures {
				return pipeline.FatalSourceError("poll",
					fmt.Errorf("getSlot failed %d times in a row: %w", tipFailures, err))
			}
			logger.Warnf("[rpcpoll] getSlot failed (%d/%d): %v", tipFailures, s.cfg.MaxTipFailures, err)
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}
		tipFailures = 0

		if next == 0 {
			next = tip
		}
		if next > tip {
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		end := next + uint64(s.cfg.BatchSize) - 1
		if end > tip {
			end = tip
		}
		if err := s.pollBatch(ctx, next, end, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		next = end + 1
	}
}

func (s *Source) resolveStartSlot(ctx context.Context) (uint64, error) {
	if s.cfg.StartSlot > 0 {
		return s.cfg.StartSlot, nil
	}
	if s.progress != nil {
		slot, err := s.progress.ResumeSlot(ctx)
		if err != nil {
			return 0, fmt.Errorf("load resume slot: %w", err)
		}
		if slot > 0 {
			return slot, nil
		}
	}
	return 0, nil // 延迟到首次 getSlot 时取 tip
}

type fetchResult struct {
	slot    uint64
	block   *client.Block
	skipped bool
	err     error
}

// pollBatch 拉取闭区间 [from, to] 的区块：批内并发取块，按 slot 顺序交付。
func (s *Source) pollBatch(ctx context.Context, from, to uint64, out chan<- *core.RawEnvelope) error {
	slots := make([]uint64, 0, to-from+1)
	for slot := from; slot <= to; slot++ {
		if s.progress != nil {
			// blockTime 未知，传 0 强制走存储判重
			ok, err := s.progress.ShouldProcessSlot(ctx, slot, 0)
			if err != nil {
				logger.Warnf("[rpcpoll] progress check failed, processing anyway: slot=%d err=%v", slot, err)
			} else if !ok {
				continue
			}
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		return nil
	}

	results := utils.ParallelMap(slots, s.cfg.Concurrency, func(slot uint64) fetchResult {
		return s.fetchBlock(ctx, slot)
	})

	for _, r := range results {
		if r.err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return pipeline.FatalSourceError("poll",
				fmt.Errorf("fetch block %d: %w", r.slot, r.err))
		}
		if r.skipped {
			s.markSlot(ctx, r.slot, 0, progress.SlotInvalid)
			continue
		}

		env, blockTime := s.translateBlock(r.slot, r.block)
		if env != nil {
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
		s.markSlot(ctx, r.slot, blockTime, progress.SlotProcessed)
	}
	return nil
}

// fetchBlock 带重试拉取单个 slot：瞬时错误重试，skipped slot 直接返回标记。
func (s *Source) fetchBlock(ctx context.Context, slot uint64) fetchResult {
	var lastErr error
	retryInterval := time.Duration(s.cfg.RetryIntervalMs) * time.Millisecond

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, retryInterval) {
			return fetchResult{slot: slot, err: ctx.Err()}
		}
		block, err := s.client.GetBlockWithConfig(ctx, slot, client.GetBlockConfig{
			Commitment: s.commitment(),
		})
		if err == nil {
			return fetchResult{slot: slot, block: block}
		}
		if isSkippedSlotErr(err) {
			return fetchResult{slot: slot, skipped: true}
		}
		lastErr = err
		logger.Warnf("[rpcpoll] getBlock failed (attempt %d/%d): slot=%d err=%v",
			attempt+1, s.cfg.MaxRetries+1, slot, err)
	}
	return fetchResult{slot: slot, err: lastErr}
}

func (s *Source) markSlot(ctx context.Context, slot uint64, blockTime int64, status progress.SlotStatus) {
	if s.progress == nil {
		return
	}
	if err := s.progress.MarkSlot(ctx, slot, progress.SourceRpc, blockTime, status); err != nil {
		logger.Warnf("[rpcpoll] mark slot failed: slot=%d status=%d err=%v", slot, status, err)
	}
}

// isSkippedSlotErr 识别链上确实没有区块的 slot（跳过 / 被清理），重试无意义。
//   - -32007 / -32009: slot was skipped
//   - -32004: block not available
func isSkippedSlotErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-32007") ||
		strings.Contains(msg, "-32009") ||
		strings.Contains(msg, "-32004") ||
		strings.Contains(msg, "was skipped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
