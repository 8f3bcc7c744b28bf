// Package metrics 提供进程级指标聚合：processor 与 pipeline 并发写入，
// 后台定时将快照交给 Sink。flush 失败只记日志，不影响累加路径。
package metrics

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dex-pipeline-sol/internal/pkg/logger"
)

// 管线内置指标名。processor 可自由使用自定义名字，不需要预注册。
const (
	CounterEnvelopesReceived     = "envelopes_received"
	CounterTransactionsExtracted = "transactions_extracted"
	CounterTransactionsMalformed = "transactions_malformed"
	CounterInstructionsDecoded   = "instructions_decoded"
	CounterInstructionsUnmatched = "instructions_unmatched"
	CounterProcessorFailures     = "processor_failures"
	GaugeInFlightTransactions    = "in_flight_transactions"
)

const DefaultFlushInterval = 30 * time.Second

// Snapshot 表示两次 flush 之间的指标快照。
// 计数器为区间增量（flush 后归零重计），gauge 为最近一次观测值。
type Snapshot struct {
	At       time.Time
	Counters map[string]uint64
	Gauges   map[string]float64
}

// accumulator 是当前累加窗口。计数器与 gauge 均为无锁原子结构，
// 供任意数量的 processor 并发调用。
type accumulator struct {
	counters sync.Map // name -> *uint64（atomic add）
	gauges   sync.Map // name -> *uint64（float64 bits，atomic store）
}

func (a *accumulator) increment(name string, delta uint64) {
	v, ok := a.counters.Load(name)
	if !ok {
		v, _ = a.counters.LoadOrStore(name, new(uint64))
	}
	atomic.AddUint64(v.(*uint64), delta)
}

func (a *accumulator) observe(name string, value float64) {
	v, ok := a.gauges.Load(name)
	if !ok {
		v, _ = a.gauges.LoadOrStore(name, new(uint64))
	}
	atomic.StoreUint64(v.(*uint64), math.Float64bits(value))
}

func (a *accumulator) snapshot() *Snapshot {
	snap := &Snapshot{
		At:       time.Now(),
		Counters: make(map[string]uint64),
		Gauges:   make(map[string]float64),
	}
	a.counters.Range(func(k, v any) bool {
		snap.Counters[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})
	a.gauges.Range(func(k, v any) bool {
		snap.Gauges[k.(string)] = math.Float64frombits(atomic.LoadUint64(v.(*uint64)))
		return true
	})
	return snap
}

// Aggregator 聚合 pipeline 与 processor 的运行期指标。
// 累加路径完全无锁；flush 时原子替换累加窗口，旧窗口转成快照交给 sink。
type Aggregator struct {
	acc   atomic.Pointer[accumulator]
	sinks []Sink
}

func NewAggregator(sinks ...Sink) *Aggregator {
	agg := &Aggregator{sinks: sinks}
	agg.acc.Store(&accumulator{})
	return agg
}

// Increment 将计数器 name 加一。可从任意协程并发调用。
func (m *Aggregator) Increment(name string) {
	m.acc.Load().increment(name, 1)
}

// Add 将计数器 name 加 delta。
func (m *Aggregator) Add(name string, delta uint64) {
	m.acc.Load().increment(name, delta)
}

// Observe 记录 gauge 的最新观测值。
func (m *Aggregator) Observe(name string, value float64) {
	m.acc.Load().observe(name, value)
}

// Flush 原子替换累加窗口并将旧窗口快照交给全部 sink。
// gauge 的最新值会带入新窗口（carry forward），计数器归零重计。
// sink 失败只记日志，不中断其余 sink，也不影响新窗口累加。
func (m *Aggregator) Flush(ctx context.Context) {
	old := m.acc.Swap(&accumulator{})
	snap := old.snapshot()

	// gauge 带入新窗口，避免无新观测时快照丢值
	for name, v := range snap.Gauges {
		m.acc.Load().observe(name, v)
	}

	for _, sink := range m.sinks {
		if err := sink.Flush(ctx, snap); err != nil {
			logger.Errorf("[metrics] sink flush failed: %v", err)
		}
	}
}

// FlushService 是挂在 ServiceGroup 上的定时 flush 服务。
type FlushService struct {
	agg      *Aggregator
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewFlushService(agg *Aggregator, interval time.Duration) *FlushService {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FlushService{
		agg:      agg,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *FlushService) Start() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.agg.Flush(s.ctx)
		}
	}
}

func (s *FlushService) Stop() {
	s.cancel()
	<-s.done
}
