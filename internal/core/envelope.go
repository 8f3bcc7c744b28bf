package core

import (
	"dex-pipeline-sol/internal/types"
)

// BlockContext 表示交易所属区块的上下文信息。
// 同一区块内的所有交易共享同一个 BlockContext。
type BlockContext struct {
	BlockTime   int64      // 区块时间戳（Unix 秒）
	Slot        uint64     // 当前 Slot（Solana 高度单位）
	ParentSlot  uint64     // 父 Slot（用于分叉检测）
	BlockHeight uint64     // 区块高度（辅助比对）
	BlockHash   types.Hash // 区块哈希（辅助去重与 fork 检测）
}

// AccountMeta 表示指令引用的账户及其访问属性。
type AccountMeta struct {
	Pubkey   types.Pubkey
	Writable bool
	Signer   bool
}

// CompiledInstruction 表示尚未展开账户索引的原始指令，
// 结构与链上 message.instructions / innerInstructions 一致。
type CompiledInstruction struct {
	ProgramIDIndex uint16   // 指向 AccountKeys 的程序索引
	AccountIndexes []uint16 // 指令引用账户在 AccountKeys 中的索引
	Data           []byte   // 指令原始数据
}

// InnerInstructionGroup 表示某条主指令产生的 inner 指令块。
// Solana 标准中每个主指令最多对应一个 inner 块，且按主指令索引递增排列。
type InnerInstructionGroup struct {
	IxIndex      uint16 // 所属主指令索引
	Instructions []CompiledInstruction
}

// RawTransaction 表示一笔尚未提取指令的原始交易。
type RawTransaction struct {
	Index                 uint32          // 交易在区块中的序号
	Signature             types.Signature // 首个签名，作为交易唯一标识
	NumRequiredSignatures uint8           // 前 N 个账户为 signer
	AccountKeys           []AccountMeta   // 完整账户列表（含 Address Lookup 展开结果）
	Instructions          []CompiledInstruction
	InnerGroups           []InnerInstructionGroup
	LogMessages           []string
	IsVote                bool
	Failed                bool
}

// RawEnvelope 表示数据源交付的一个区块级原始数据包。
// 所有数据源（gRPC 流、WebSocket 订阅、RPC 轮询）统一输出该结构。
type RawEnvelope struct {
	Block        BlockContext
	Transactions []*RawTransaction
}
