package core

import (
	"dex-pipeline-sol/internal/types"
)

// RawInstruction 表示一条已展开账户引用的指令（主指令或 inner 指令）。
// 提取完成后不可变。
type RawInstruction struct {
	IxIndex    uint16        // 主指令索引（从 0 开始）
	InnerIndex uint16        // Inner 指令在主指令中的序号，主指令本身为 0，CPI 调用从 1 开始
	ProgramID  types.Pubkey  // 指令对应的程序 ID
	Accounts   []AccountMeta // 指令涉及的账户列表，保持原始顺序
	Data       []byte        // 指令原始数据
}

// IsTopLevel 判断是否为主指令（非 CPI inner 指令）。
func (ix *RawInstruction) IsTopLevel() bool {
	return ix.InnerIndex == 0
}

// InstructionMetadata 表示一笔交易的指令共享元数据。
// 同一交易的所有指令按引用共享该结构，生命周期与该交易的处理过程一致。
type InstructionMetadata struct {
	Signature   types.Signature // 交易签名
	Slot        uint64          // 所属 Slot
	BlockTime   int64           // 区块时间戳（Unix 秒）
	TxIndex     uint32          // 交易在区块中的序号
	AccountKeys []AccountMeta   // 交易的完整账户列表，保持链上顺序
	LogMessages []string        // 交易执行日志（部分协议判定需要）
}

// DecodedInstruction 表示注册表匹配成功后的指令。
// Payload 由具体 decoder 给出强类型值；仅在匹配成功后存在，且不可变。
type DecodedInstruction struct {
	Raw     *RawInstruction
	Kind    string // decoder 声明的指令变体名，如 "spltoken/transfer"
	Payload any    // decoder 专属的强类型负载
}

// InstructionTree 表示一笔交易的指令树。
// 采用扁平数组 + 索引的 arena 结构：Instructions 按链上执行顺序排列，
// 父子关系通过下标表达，避免指针环并支持多处理器廉价共享只读访问。
type InstructionTree struct {
	Meta         *InstructionMetadata
	Instructions []*RawInstruction
	parent       []int32 // parent[i] 为 instructions[i] 的父指令下标，主指令为 -1
	children     [][]int32
}

// NewInstructionTree 由展平后的指令序列构建指令树。
// instrs 必须按链上执行顺序排列：主指令后紧跟其全部 inner 指令。
func NewInstructionTree(meta *InstructionMetadata, instrs []*RawInstruction) *InstructionTree {
	t := &InstructionTree{
		Meta:         meta,
		Instructions: instrs,
		parent:       make([]int32, len(instrs)),
		children:     make([][]int32, len(instrs)),
	}

	lastTop := int32(-1)
	for i, ix := range instrs {
		if ix.IsTopLevel() {
			t.parent[i] = -1
			lastTop = int32(i)
			continue
		}
		// inner 指令挂在最近一条主指令之下（单层 CPI 视角，与链上 inner 块结构一致）
		t.parent[i] = lastTop
		if lastTop >= 0 {
			t.children[lastTop] = append(t.children[lastTop], int32(i))
		}
	}
	return t
}

func (t *InstructionTree) Len() int {
	return len(t.Instructions)
}

// At 返回第 i 条指令（按链上执行顺序）。
func (t *InstructionTree) At(i int) *RawInstruction {
	return t.Instructions[i]
}

// Parent 返回第 i 条指令的父指令下标，主指令返回 -1。
func (t *InstructionTree) Parent(i int) int {
	return int(t.parent[i])
}

// Children 返回第 i 条指令的直接子指令。
// 返回的切片只读共享，调用方不得修改。
func (t *InstructionTree) Children(i int) []*RawInstruction {
	idxs := t.children[i]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]*RawInstruction, len(idxs))
	for j, idx := range idxs {
		out[j] = t.Instructions[idx]
	}
	return out
}

// TopLevel 返回所有主指令的下标（按执行顺序）。
func (t *InstructionTree) TopLevel() []int {
	var out []int
	for i := range t.Instructions {
		if t.parent[i] == -1 {
			out = append(out, i)
		}
	}
	return out
}
