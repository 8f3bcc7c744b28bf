package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/types"
)

// ---------- 测试辅助 ----------

func testPubkey(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func testSig(b byte) types.Signature {
	var s types.Signature
	s[0] = b
	return s
}

// makeTx 构造一笔交易：账户 0 为 signer，账户 1 为 program，每条指令一份 data
func makeTx(sigByte byte, program types.Pubkey, datas ...[]byte) *core.RawTransaction {
	tx := &core.RawTransaction{
		Signature:             testSig(sigByte),
		NumRequiredSignatures: 1,
		AccountKeys: []core.AccountMeta{
			{Pubkey: testPubkey(0xA0), Writable: true, Signer: true},
			{Pubkey: program},
		},
	}
	for _, data := range datas {
		tx.Instructions = append(tx.Instructions, core.CompiledInstruction{
			ProgramIDIndex: 1,
			AccountIndexes: []uint16{0},
			Data:           data,
		})
	}
	return tx
}

func makeEnvelope(slot uint64, txs ...*core.RawTransaction) *core.RawEnvelope {
	return &core.RawEnvelope{
		Block:        core.BlockContext{Slot: slot, BlockTime: time.Now().Unix()},
		Transactions: txs,
	}
}

// stubSource 先交付固定 envelope 序列，然后按配置返回错误或等待取消
type stubSource struct {
	envs     []*core.RawEnvelope
	exitErr  error // 交付完毕后返回的错误；nil 则阻塞到 ctx 取消
	shutdown sync.Once
	closed   chan struct{}
}

func newStubSource(envs ...*core.RawEnvelope) *stubSource {
	return &stubSource{envs: envs, closed: make(chan struct{})}
}

func (s *stubSource) Consume(ctx context.Context, out chan<- *core.RawEnvelope) error {
	for _, env := range s.envs {
		select {
		case out <- env:
		case <-ctx.Done():
			return nil
		}
	}
	if s.exitErr != nil {
		return s.exitErr
	}
	<-ctx.Done()
	return nil
}

func (s *stubSource) Shutdown() error {
	s.shutdown.Do(func() { close(s.closed) })
	return nil
}

// stubDecoder 把 data[0]==0xEE 视为字节级解析失败，其余解码为 "stub/op"
type stubDecoder struct {
	program types.Pubkey
}

func (d *stubDecoder) ProgramID() types.Pubkey {
	return d.program
}

func (d *stubDecoder) TryDecode(ix *core.RawInstruction) (*core.DecodedInstruction, error) {
	if len(ix.Data) > 0 && ix.Data[0] == 0xEE {
		return nil, errors.New("unknown opcode")
	}
	return &core.DecodedInstruction{Raw: ix, Kind: "stub/op", Payload: ix.Data}, nil
}

// recorder 跨 processor 共享的调用记录
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// recordProcessor 记录每次调用；可配置失败、panic 或延迟
type recordProcessor struct {
	name      string
	rec       *recorder
	fail      bool
	panics    bool
	delay     time.Duration
	wantNest  bool
	nestCount int
}

func (p *recordProcessor) Process(_ context.Context, meta *core.InstructionMetadata,
	decoded *core.DecodedInstruction, nested []*core.RawInstruction, _ *metrics.Aggregator) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.rec.add(fmt.Sprintf("%s:%s:%d.%d", p.name, meta.Signature,
		decoded.Raw.IxIndex, decoded.Raw.InnerIndex))
	if p.wantNest {
		p.nestCount = len(nested)
	}
	if p.panics {
		panic("boom")
	}
	if p.fail {
		return errors.New("processor failed")
	}
	return nil
}

// captureSink 累计每次快照的计数器增量，记录最后一次的 gauge
type captureSink struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]float64
}

func newCaptureSink() *captureSink {
	return &captureSink{
		counters: map[string]uint64{},
		gauges:   map[string]float64{},
	}
}

func (s *captureSink) Flush(_ context.Context, snap *metrics.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, v := range snap.Counters {
		s.counters[name] += v
	}
	for name, v := range snap.Gauges {
		s.gauges[name] = v
	}
	return nil
}

func (s *captureSink) counter(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// ---------- 构建期校验 ----------

// 同一 programID 注册两个 decoder 必须在 Build 阶段失败
func TestBuildDuplicateBinding(t *testing.T) {
	program := testPubkey(1)
	rec := &recorder{}

	_, err := NewBuilder().
		Datasource(newStubSource()).
		Decoder(&stubDecoder{program: program}, &recordProcessor{name: "a", rec: rec}).
		Decoder(&stubDecoder{program: program}, &recordProcessor{name: "b", rec: rec}).
		Build()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateDecoderBinding)
}

func TestBuildMissingPieces(t *testing.T) {
	t.Run("无数据源", func(t *testing.T) {
		_, err := NewBuilder().
			Decoder(&stubDecoder{program: testPubkey(1)}).
			Build()
		assert.Error(t, err)
	})

	t.Run("无 decoder 绑定", func(t *testing.T) {
		_, err := NewBuilder().Datasource(newStubSource()).Build()
		assert.Error(t, err)
	})
}

// ---------- 运行期行为 ----------

// 单 envelope 场景：主指令匹配成功、inner 指令未匹配，
// 期望恰好一次 processor 调用、unmatched 计数恰好加一
func TestSingleEnvelopeDispatch(t *testing.T) {
	program := testPubkey(1)
	unknown := testPubkey(2)

	tx := makeTx(0x01, program, []byte{0x01})
	// inner 指令调用未注册的程序
	tx.AccountKeys = append(tx.AccountKeys, core.AccountMeta{Pubkey: unknown})
	tx.InnerGroups = []core.InnerInstructionGroup{{
		IxIndex: 0,
		Instructions: []core.CompiledInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint16{0}, Data: []byte{0x09}},
		},
	}}

	rec := &recorder{}
	proc := &recordProcessor{name: "p", rec: rec, wantNest: true}
	sink := newCaptureSink()

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(100, tx))).
		Decoder(&stubDecoder{program: program}, proc).
		Metrics(sink).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, p.State())
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, fmt.Sprintf("p:%s:0.0", testSig(0x01)), calls[0])
	assert.Equal(t, 1, proc.nestCount) // inner 指令作为 nested 传入

	assert.Equal(t, uint64(1), sink.counter(metrics.CounterEnvelopesReceived))
	assert.Equal(t, uint64(1), sink.counter(metrics.CounterTransactionsExtracted))
	assert.Equal(t, uint64(1), sink.counter(metrics.CounterInstructionsDecoded))
	assert.Equal(t, uint64(1), sink.counter(metrics.CounterInstructionsUnmatched))
}

// 同一交易内：processor 调用顺序严格等于链上指令顺序，且每条指令按注册顺序跑完所有 processor
func TestProcessorOrderWithinTransaction(t *testing.T) {
	program := testPubkey(1)
	tx := makeTx(0x02, program, []byte{0x01}, []byte{0x02}, []byte{0x03})

	rec := &recorder{}
	a := &recordProcessor{name: "a", rec: rec}
	b := &recordProcessor{name: "b", rec: rec}

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(101, tx))).
		Decoder(&stubDecoder{program: program}, a, b).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 6 }, 3*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	sig := testSig(0x02)
	want := []string{
		fmt.Sprintf("a:%s:0.0", sig), fmt.Sprintf("b:%s:0.0", sig),
		fmt.Sprintf("a:%s:1.0", sig), fmt.Sprintf("b:%s:1.0", sig),
		fmt.Sprintf("a:%s:2.0", sig), fmt.Sprintf("b:%s:2.0", sig),
	}
	assert.Equal(t, want, rec.snapshot())
}

// 某个 processor 失败（含 panic）不能影响同指令的其它 processor 与后续指令
func TestFailingProcessorIsolation(t *testing.T) {
	program := testPubkey(1)
	tx := makeTx(0x03, program, []byte{0x01}, []byte{0x02})

	rec := &recorder{}
	bad := &recordProcessor{name: "bad", rec: rec, panics: true}
	good := &recordProcessor{name: "good", rec: rec}
	sink := newCaptureSink()

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(102, tx))).
		Decoder(&stubDecoder{program: program}, bad, good).
		Metrics(sink).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 4 }, 3*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	// good 在 bad panic 之后仍然对两条指令各跑了一次
	goodCalls := 0
	for _, c := range rec.snapshot() {
		if c[0] == 'g' {
			goodCalls++
		}
	}
	assert.Equal(t, 2, goodCalls)
	assert.Equal(t, uint64(2), sink.counter(metrics.CounterProcessorFailures))
	assert.Equal(t, StateStopped, p.State())
}

// 字节级解析失败的指令按未匹配计数，不回退、不报错
func TestDecodeFailureCountsUnmatched(t *testing.T) {
	program := testPubkey(1)
	tx := makeTx(0x04, program, []byte{0xEE}, []byte{0x01})

	rec := &recorder{}
	proc := &recordProcessor{name: "p", rec: rec}
	sink := newCaptureSink()

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(103, tx))).
		Decoder(&stubDecoder{program: program}, proc).
		Metrics(sink).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), sink.counter(metrics.CounterInstructionsUnmatched))
	assert.Equal(t, uint64(1), sink.counter(metrics.CounterInstructionsDecoded))
}

// 结构损坏的交易按交易粒度跳过，其余交易正常处理
func TestMalformedTransactionSkipped(t *testing.T) {
	program := testPubkey(1)
	good := makeTx(0x05, program, []byte{0x01})
	bad := makeTx(0x06, program, []byte{0x01})
	bad.AccountKeys = nil // 账户列表为空

	rec := &recorder{}
	proc := &recordProcessor{name: "p", rec: rec}
	sink := newCaptureSink()

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(104, bad, good))).
		Decoder(&stubDecoder{program: program}, proc).
		Metrics(sink).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), sink.counter(metrics.CounterTransactionsMalformed))
	assert.Equal(t, uint64(1), sink.counter(metrics.CounterTransactionsExtracted))
}

// ---------- 生命周期 ----------

// 数据源致命错误：管线进入 Failed，Run 返回该错误
func TestFatalSourceError(t *testing.T) {
	src := newStubSource()
	src.exitErr = FatalSourceError("subscribe", errors.New("bad token"))

	p, err := NewBuilder().
		Datasource(src).
		Decoder(&stubDecoder{program: testPubkey(1)}).
		Build()
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatalSourceError(err))
	assert.Equal(t, StateFailed, p.State())

	// Failed 是终态：Shutdown 无副作用，Run 不可重入
	p.Shutdown()
	assert.Equal(t, StateFailed, p.State())
	assert.Error(t, p.Run(context.Background()))
}

// 数据源非致命退出：管线正常走停机流程
func TestSourceBenignExit(t *testing.T) {
	src := newStubSource()
	src.exitErr = RetryableSourceError("stream", errors.New("gone"))

	p, err := NewBuilder().
		Datasource(src).
		Decoder(&stubDecoder{program: testPubkey(1)}).
		Build()
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, StateStopped, p.State())

	// 数据源的 Shutdown 被调用过
	select {
	case <-src.closed:
	default:
		t.Fatal("source shutdown not called")
	}
}

// graceful 停机等待在途慢 processor 完成
func TestGracefulShutdownDrains(t *testing.T) {
	program := testPubkey(1)
	tx := makeTx(0x07, program, []byte{0x01})

	rec := &recorder{}
	slow := &recordProcessor{name: "slow", rec: rec, delay: 150 * time.Millisecond}

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(105, tx))).
		Decoder(&stubDecoder{program: program}, slow).
		ShutdownStrategy(ShutdownGraceful).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// 等 envelope 进入在途后立刻停机
	time.Sleep(50 * time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 1, rec.count()) // 慢 processor 被等到完成
}

// immediate 停机不等待在途工作
func TestImmediateShutdown(t *testing.T) {
	program := testPubkey(1)
	tx := makeTx(0x08, program, []byte{0x01})

	rec := &recorder{}
	slow := &recordProcessor{name: "slow", rec: rec, delay: 5 * time.Second}

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(106, tx))).
		Decoder(&stubDecoder{program: program}, slow).
		ShutdownStrategy(ShutdownImmediate).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, p.State())
}

// Shutdown 幂等：重复调用与 Stopped 之后调用均无副作用
func TestShutdownIdempotent(t *testing.T) {
	p, err := NewBuilder().
		Datasource(newStubSource()).
		Decoder(&stubDecoder{program: testPubkey(1)}).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	p.Shutdown()
	p.Shutdown()
	require.NoError(t, <-done)
	p.Shutdown()
	assert.Equal(t, StateStopped, p.State())
}

// 多交易并发处理：跨交易不保证顺序，但全部恰好处理一次
func TestConcurrentTransactions(t *testing.T) {
	program := testPubkey(1)
	var txs []*core.RawTransaction
	for i := 0; i < 20; i++ {
		txs = append(txs, makeTx(byte(0x10+i), program, []byte{0x01}))
	}

	rec := &recorder{}
	proc := &recordProcessor{name: "p", rec: rec, delay: 5 * time.Millisecond}
	sink := newCaptureSink()

	p, err := NewBuilder().
		Datasource(newStubSource(makeEnvelope(107, txs...))).
		Decoder(&stubDecoder{program: program}, proc).
		MaxInFlight(4).
		Metrics(sink).
		Build()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.count() == 20 }, 5*time.Second, 10*time.Millisecond)
	p.Shutdown()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(20), sink.counter(metrics.CounterTransactionsExtracted))
	assert.Equal(t, uint64(20), sink.counter(metrics.CounterInstructionsDecoded))

	// 每笔交易恰好一次，无重复
	seen := map[string]int{}
	for _, c := range rec.snapshot() {
		seen[c]++
	}
	for call, n := range seen {
		assert.Equal(t, 1, n, "duplicate call: %s", call)
	}
}
