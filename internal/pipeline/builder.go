package pipeline

import (
	"errors"
	"time"

	"dex-pipeline-sol/internal/metrics"
)

func (s ShutdownStrategy) String() string {
	if s == ShutdownImmediate {
		return "immediate"
	}
	return "graceful"
}

// Builder 在构建期收集数据源、decoder 绑定与指标配置。
// Build 一次性校验全部配置；校验失败属于配置错误，管线永远不会进入 Running。
type Builder struct {
	source        Datasource
	sinks         []metrics.Sink
	flushInterval time.Duration
	strategy      ShutdownStrategy
	maxInFlight   int64
	registry      *Registry
	errs          []error
}

func NewBuilder() *Builder {
	return &Builder{
		flushInterval: metrics.DefaultFlushInterval,
		strategy:      ShutdownGraceful,
		maxInFlight:   defaultMaxInFlight,
		registry:      newRegistry(),
	}
}

// Datasource 设置管线的数据源（必填）。
func (b *Builder) Datasource(ds Datasource) *Builder {
	b.source = ds
	return b
}

// Metrics 追加指标 sink。未设置时默认使用 LogSink。
func (b *Builder) Metrics(sinks ...metrics.Sink) *Builder {
	b.sinks = append(b.sinks, sinks...)
	return b
}

// MetricsFlushInterval 设置指标快照周期。
func (b *Builder) MetricsFlushInterval(d time.Duration) *Builder {
	if d > 0 {
		b.flushInterval = d
	}
	return b
}

// Decoder 登记一条 (decoder → processors) 绑定。
// 同一 programID 注册两次会在 Build 时返回 ErrDuplicateDecoderBinding。
func (b *Builder) Decoder(d Decoder, processors ...Processor) *Builder {
	if err := b.registry.register(d, processors); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// ShutdownStrategy 设置停机策略，默认 graceful。
func (b *Builder) ShutdownStrategy(s ShutdownStrategy) *Builder {
	b.strategy = s
	return b
}

// MaxInFlight 设置在途交易并发上限（背压阈值）。
func (b *Builder) MaxInFlight(n int64) *Builder {
	if n > 0 {
		b.maxInFlight = n
	}
	return b
}

// Build 校验配置并产出 Built 状态的管线。
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.source == nil {
		return nil, errors.New("pipeline datasource is required")
	}
	if len(b.registry.Programs()) == 0 {
		return nil, errors.New("pipeline needs at least one decoder binding")
	}

	sinks := b.sinks
	if len(sinks) == 0 {
		sinks = []metrics.Sink{metrics.NewLogSink()}
	}

	p := &Pipeline{
		source:        b.source,
		registry:      b.registry,
		agg:           metrics.NewAggregator(sinks...),
		flushInterval: b.flushInterval,
		strategy:      b.strategy,
		maxInFlight:   b.maxInFlight,
		shutdownCh:    make(chan struct{}),
	}
	p.state.Store(int32(StateBuilt))
	return p, nil
}
