package processors

import (
	"context"
	"strings"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/decoders/spltoken"
	"dex-pipeline-sol/internal/metrics"
)

// StatsProcessor 按指令变体累计业务计数，并统计 CPI 嵌套规模。
// 只写指标，永不失败。
type StatsProcessor struct{}

func NewStatsProcessor() *StatsProcessor {
	return &StatsProcessor{}
}

func (p *StatsProcessor) Process(
	_ context.Context,
	_ *core.InstructionMetadata,
	decoded *core.DecodedInstruction,
	nested []*core.RawInstruction,
	agg *metrics.Aggregator,
) error {
	// "spltoken/transfer" → "decoded_spltoken_transfer"
	name := "decoded_" + strings.ReplaceAll(decoded.Kind, "/", "_")
	agg.Increment(name)

	if len(nested) > 0 {
		agg.Add("nested_instructions_seen", uint64(len(nested)))
	}
	if payload, ok := decoded.Payload.(*spltoken.TransferPayload); ok {
		agg.Add("spltoken_transfer_amount_total", payload.Amount)
	}
	return nil
}
