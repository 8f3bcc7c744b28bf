package pipeline

import (
	"context"
	"errors"
	"fmt"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/types"
)

// ErrDuplicateDecoderBinding 表示同一 programID 被注册了两个 decoder。
// 构建期致命错误，管线不会进入 Running。
var ErrDuplicateDecoderBinding = errors.New("duplicate decoder binding")

// Decoder 是外部程序解析库接入管线的插件契约。
// TryDecode 对指令的 opcode/数据做字节级解析：识别失败返回 error，
// 该指令按"未匹配"处理（不回退到其它 decoder，programID 精确匹配）。
type Decoder interface {
	// ProgramID 返回该 decoder 绑定的程序地址，注册后不可变。
	ProgramID() types.Pubkey

	// TryDecode 尝试将指令负载解析为强类型变体。
	TryDecode(ix *core.RawInstruction) (*core.DecodedInstruction, error)
}

// Processor 是应用层处理器契约，按每条解码成功的指令调用一次。
// nested 为该指令的直接 CPI 子指令（只读共享）；metricsHandle 供处理器上报自定义指标。
// 返回的 error 按指令粒度隔离：记日志、计数，不影响其它指令与交易。
type Processor interface {
	Process(ctx context.Context, meta *core.InstructionMetadata, decoded *core.DecodedInstruction,
		nested []*core.RawInstruction, metricsHandle *metrics.Aggregator) error
}

// binding 表示一条 (programID → decoder → processors) 绑定。
type binding struct {
	decoder    Decoder
	processors []Processor
}

// Registry 是 programID → decoder 的路由表。
// 按注册顺序保留 bindings；由于禁止重复 programID，精确匹配等价于首个匹配。
// Build 之后只读，运行期无需加锁。
type Registry struct {
	order     []types.Pubkey
	byProgram map[types.Pubkey]*binding
}

func newRegistry() *Registry {
	return &Registry{
		byProgram: make(map[types.Pubkey]*binding),
	}
}

// register 登记一条绑定。重复 programID 返回 ErrDuplicateDecoderBinding。
func (r *Registry) register(d Decoder, processors []Processor) error {
	program := d.ProgramID()
	if _, exists := r.byProgram[program]; exists {
		return fmt.Errorf("%w: program %s", ErrDuplicateDecoderBinding, program)
	}
	r.order = append(r.order, program)
	r.byProgram[program] = &binding{decoder: d, processors: processors}
	return nil
}

// lookup 按 programID 精确匹配绑定。
func (r *Registry) lookup(program types.Pubkey) (*binding, bool) {
	b, ok := r.byProgram[program]
	return b, ok
}

// Decode 尝试解码一条指令。
// 返回值约定：
//   - 匹配且解析成功：(decoded, binding, nil)
//   - 无匹配 decoder 或字节级解析失败：(nil, nil, nil)，调用方按"未匹配"计数
func (r *Registry) Decode(ix *core.RawInstruction) (*core.DecodedInstruction, *binding, error) {
	b, ok := r.lookup(ix.ProgramID)
	if !ok {
		return nil, nil, nil
	}
	decoded, err := b.decoder.TryDecode(ix)
	if err != nil || decoded == nil {
		// 解析失败不回退到其它 decoder：programID 匹配是精确的
		return nil, nil, nil
	}
	return decoded, b, nil
}

// Programs 返回已注册的程序列表（注册顺序）。
func (r *Registry) Programs() []types.Pubkey {
	out := make([]types.Pubkey, len(r.order))
	copy(out, r.order)
	return out
}
