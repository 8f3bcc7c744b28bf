package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/extractor"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/pkg/logger"
)

// processTransaction 完成一笔交易的提取 → 解码 → 分发全流程。
// 作为独立调度单元运行：慢 processor 只拖慢本交易，不阻塞后续 envelope 的提取。
func (p *Pipeline) processTransaction(ctx context.Context, block *core.BlockContext, tx *core.RawTransaction) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[pipeline] panic processing tx=%s: %+v\nstack: %s",
				tx.Signature, r, debug.Stack())
		}
	}()

	tree, err := extractor.ExtractTransaction(block, tx)
	if err != nil {
		if errors.Is(err, extractor.ErrMalformedEnvelope) {
			// 按交易粒度跳过：上游数据损坏不应拖垮整条管线
			logger.Warnf("[pipeline] skip malformed tx=%s slot=%d: %v", tx.Signature, block.Slot, err)
			p.agg.Increment(metrics.CounterTransactionsMalformed)
			return
		}
		logger.Errorf("[pipeline] extract tx=%s slot=%d: %v", tx.Signature, block.Slot, err)
		p.agg.Increment(metrics.CounterTransactionsMalformed)
		return
	}
	p.agg.Increment(metrics.CounterTransactionsExtracted)

	p.dispatchTree(ctx, tree)
}

// dispatchTree 按链上指令顺序依次解码与分发。
// 同一交易内的调用顺序严格等于链上指令顺序；跨交易顺序不做保证。
func (p *Pipeline) dispatchTree(ctx context.Context, tree *core.InstructionTree) {
	meta := tree.Meta
	for i := 0; i < tree.Len(); i++ {
		ix := tree.At(i)
		decoded, b, _ := p.registry.Decode(ix)
		if decoded == nil {
			// 无 decoder 或字节级解析失败：丢弃但计数
			p.agg.Increment(metrics.CounterInstructionsUnmatched)
			continue
		}
		p.agg.Increment(metrics.CounterInstructionsDecoded)

		nested := tree.Children(i)
		for _, proc := range b.processors {
			if err := runProcessor(ctx, proc, meta, decoded, nested, p.agg); err != nil {
				// 指令级隔离边界：记完整上下文后继续处理后续指令，不重试
				logger.Errorf("[pipeline] processor failed tx=%s program=%s ix=%d inner=%d: %v",
					meta.Signature, ix.ProgramID, ix.IxIndex, ix.InnerIndex, err)
				p.agg.Increment(metrics.CounterProcessorFailures)
			}
		}
	}
}

// runProcessor 调用单个 processor，panic 一并转为错误，避免击穿隔离边界。
func runProcessor(ctx context.Context, proc Processor, meta *core.InstructionMetadata,
	decoded *core.DecodedInstruction, nested []*core.RawInstruction, agg *metrics.Aggregator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, meta, decoded, nested, agg)
}
