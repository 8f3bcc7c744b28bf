package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dex-pipeline-sol/internal/pkg/logger"
)

// Sink 接收聚合器的周期快照。实现方不得长期阻塞：
// flush 慢会延迟下一次快照，但不会阻塞指标累加。
type Sink interface {
	Flush(ctx context.Context, snap *Snapshot) error
}

// LogSink 将快照按行输出到全局日志器，是默认的指标出口。
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Flush(_ context.Context, snap *Snapshot) error {
	if len(snap.Counters) == 0 && len(snap.Gauges) == 0 {
		return nil
	}

	parts := make([]string, 0, len(snap.Counters)+len(snap.Gauges))
	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, snap.Counters[name]))
	}

	names = names[:0]
	for name := range snap.Gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%g", name, snap.Gauges[name]))
	}

	logger.Infof("[metrics] %s", strings.Join(parts, " "))
	return nil
}
