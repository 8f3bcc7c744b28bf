// Package pipeline 实现统一的流式处理编排层：
// 任意数据源产出的 RawEnvelope 经指令提取、decoder 路由、processor 分发，
// 旁路汇入指标聚合器，并支持确定性的优雅/立即两种停机策略。
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/pkg/logger"
)

// State 表示管线控制器的生命周期状态。
type State int32

const (
	StateBuilt State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ShutdownStrategy 控制收到停机请求后的行为。
type ShutdownStrategy int

const (
	// ShutdownGraceful 停止拉取新 envelope，等待在途 processor 完成，
	// 做最后一次指标 flush 后进入 Stopped。
	ShutdownGraceful ShutdownStrategy = iota
	// ShutdownImmediate 取消在途工作（不等待），直接进入 Stopped，
	// 不保证再有指标 flush。
	ShutdownImmediate
)

// ParseShutdownStrategy 解析配置值，空值默认 graceful。
func ParseShutdownStrategy(s string) (ShutdownStrategy, error) {
	switch s {
	case "", "graceful":
		return ShutdownGraceful, nil
	case "immediate":
		return ShutdownImmediate, nil
	default:
		return ShutdownGraceful, fmt.Errorf("invalid shutdown strategy %q", s)
	}
}

const (
	defaultMaxInFlight    = 64
	defaultEnvelopeBuffer = 32
)

// Pipeline 是管线控制器：持有数据源、decoder 注册表、分发表与指标聚合器，
// 驱动主循环并应用停机策略。Build 之后注册表与分发表只读。
type Pipeline struct {
	source        Datasource
	registry      *Registry
	agg           *metrics.Aggregator
	flushInterval time.Duration
	strategy      ShutdownStrategy
	maxInFlight   int64

	state        atomic.Int32
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	inFlight     sync.WaitGroup
}

// State 返回当前生命周期状态。
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Metrics 返回管线的指标聚合器句柄。
func (p *Pipeline) Metrics() *metrics.Aggregator {
	return p.agg
}

// Shutdown 请求停机。幂等：重复调用与 Stopped 之后调用均无副作用。
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)
	})
}

// Run 驱动主循环：从数据源拉取 envelope，按交易粒度并发提取与分发，
// 直到停机请求或数据源致命错误。阻塞运行；返回非 nil 表示进入了 Failed。
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateBuilt), int32(StateRunning)) {
		return fmt.Errorf("pipeline is %s, expect built", p.State())
	}
	logger.Infof("[pipeline] running: programs=%d strategy=%v max_in_flight=%d",
		len(p.registry.Programs()), p.strategy, p.maxInFlight)

	// srcCtx 控制数据源拉取；procCtx 控制在途 processor。
	// graceful 只取消前者，immediate 两者都取消。
	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()

	// 停机请求到达时中断主循环里的阻塞点（semaphore 等待等）
	pullCtx, cancelPull := context.WithCancel(srcCtx)
	defer cancelPull()
	go func() {
		select {
		case <-p.shutdownCh:
			cancelPull()
		case <-pullCtx.Done():
		}
	}()

	flush := metrics.NewFlushService(p.agg, p.flushInterval)
	go flush.Start()

	envCh := make(chan *core.RawEnvelope, defaultEnvelopeBuffer)
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- p.source.Consume(srcCtx, envCh)
	}()

	sem := semaphore.NewWeighted(p.maxInFlight)
	var inFlightCount atomic.Int64

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-p.shutdownCh:
			break loop
		case err := <-srcDone:
			if err != nil && IsFatalSourceError(err) {
				runErr = err
			} else if err != nil {
				logger.Warnf("[pipeline] source exited: %v", err)
			}
			break loop
		case env := <-envCh:
			p.handleEnvelope(pullCtx, procCtx, env, sem, &inFlightCount)
		}
	}

	// 停止拉取
	cancelSrc()

	if runErr != nil {
		// 数据源致命错误：不等待在途工作，直接进入 Failed
		cancelProc()
		flush.Stop()
		_ = p.source.Shutdown()
		p.state.Store(int32(StateFailed))
		logger.Errorf("[pipeline] failed: %v", runErr)
		return runErr
	}

	switch p.strategy {
	case ShutdownGraceful:
		p.state.Store(int32(StateDraining))
		logger.Infof("[pipeline] draining: waiting for in-flight transactions")
		p.inFlight.Wait()
		flush.Stop()
		p.agg.Flush(context.Background()) // 最终一次 flush
	case ShutdownImmediate:
		cancelProc() // 在途工作尽力取消，不等待
		flush.Stop()
	}

	if err := p.source.Shutdown(); err != nil {
		logger.Warnf("[pipeline] source shutdown: %v", err)
	}
	p.state.Store(int32(StateStopped))
	logger.Infof("[pipeline] stopped")
	return nil
}

// handleEnvelope 将 envelope 内的每笔交易作为独立调度单元提交。
// semaphore 限制在途交易数：额度耗尽时本函数阻塞，主循环随之暂停拉取（背压）。
func (p *Pipeline) handleEnvelope(pullCtx, procCtx context.Context, env *core.RawEnvelope,
	sem *semaphore.Weighted, inFlightCount *atomic.Int64) {
	if env == nil {
		return
	}
	p.agg.Increment(metrics.CounterEnvelopesReceived)

	block := env.Block
	for _, tx := range env.Transactions {
		if err := sem.Acquire(pullCtx, 1); err != nil {
			// 停机请求打断了等待，放弃 envelope 中剩余交易
			return
		}
		p.inFlight.Add(1)
		p.agg.Observe(metrics.GaugeInFlightTransactions, float64(inFlightCount.Add(1)))

		go func(tx *core.RawTransaction) {
			defer func() {
				p.agg.Observe(metrics.GaugeInFlightTransactions, float64(inFlightCount.Add(-1)))
				sem.Release(1)
				p.inFlight.Done()
			}()
			p.processTransaction(procCtx, &block, tx)
		}(tx)
	}
}
