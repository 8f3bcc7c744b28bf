package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink 记录每次收到的快照，供断言用
type collectSink struct {
	mu    sync.Mutex
	snaps []*Snapshot
	err   error
}

func (s *collectSink) Flush(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func (s *collectSink) last() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil
	}
	return s.snaps[len(s.snaps)-1]
}

// 并发累加不丢计数：N 协程 × M 次 Increment 必须精确等于 N*M
func TestAggregatorConcurrentIncrement(t *testing.T) {
	const workers = 16
	const rounds = 1000

	agg := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				agg.Increment(CounterInstructionsDecoded)
				agg.Add("custom_total", 3)
			}
		}()
	}
	wg.Wait()

	sink := &collectSink{}
	agg.sinks = []Sink{sink}
	agg.Flush(context.Background())

	snap := sink.last()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(workers*rounds), snap.Counters[CounterInstructionsDecoded])
	assert.Equal(t, uint64(workers*rounds*3), snap.Counters["custom_total"])
}

// flush 后计数器归零重计，gauge 带入新窗口
func TestAggregatorFlushSemantics(t *testing.T) {
	sink := &collectSink{}
	agg := NewAggregator(sink)

	agg.Increment(CounterEnvelopesReceived)
	agg.Increment(CounterEnvelopesReceived)
	agg.Observe(GaugeInFlightTransactions, 7)
	agg.Flush(context.Background())

	first := sink.last()
	require.NotNil(t, first)
	assert.Equal(t, uint64(2), first.Counters[CounterEnvelopesReceived])
	assert.Equal(t, float64(7), first.Gauges[GaugeInFlightTransactions])

	// 第二个窗口没有任何新写入：计数器消失，gauge 保留上次观测值
	agg.Flush(context.Background())
	second := sink.last()
	require.NotNil(t, second)
	_, ok := second.Counters[CounterEnvelopesReceived]
	assert.False(t, ok)
	assert.Equal(t, float64(7), second.Gauges[GaugeInFlightTransactions])

	// 第三个窗口覆盖 gauge
	agg.Observe(GaugeInFlightTransactions, 0)
	agg.Flush(context.Background())
	assert.Equal(t, float64(0), sink.last().Gauges[GaugeInFlightTransactions])
}

// sink 失败不影响其余 sink，也不影响后续累加
func TestAggregatorSinkFailureIsolated(t *testing.T) {
	bad := &collectSink{err: errors.New("sink down")}
	good := &collectSink{}
	agg := NewAggregator(bad, good)

	agg.Increment(CounterProcessorFailures)
	agg.Flush(context.Background())

	require.NotNil(t, good.last())
	assert.Equal(t, uint64(1), good.last().Counters[CounterProcessorFailures])

	agg.Increment(CounterProcessorFailures)
	agg.Flush(context.Background())
	assert.Equal(t, uint64(1), good.last().Counters[CounterProcessorFailures])
}

// Observe 取最新值而非累加
func TestAggregatorObserveLatestWins(t *testing.T) {
	sink := &collectSink{}
	agg := NewAggregator(sink)

	agg.Observe("queue_depth", 10)
	agg.Observe("queue_depth", 4)
	agg.Flush(context.Background())

	assert.Equal(t, float64(4), sink.last().Gauges["queue_depth"])
}
