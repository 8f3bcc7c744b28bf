// Package extractor 将数据源交付的 RawEnvelope 展开为逐交易的指令树。
// 展开顺序严格保持链上执行顺序：主指令后紧跟其全部 inner 指令，不做重排。
package extractor

import (
	"errors"
	"fmt"

	"dex-pipeline-sol/internal/core"
)

// ErrMalformedEnvelope 表示交易的调用轨迹与账户列表无法对齐，
// 通常意味着上游数据损坏或解码不完整。该错误按交易粒度处理：记日志并跳过。
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ExtractTransaction 将一笔原始交易展开为指令树。
// 完整流程：
//  1. 校验签名与账户列表；
//  2. 展平主指令与 inner 指令（账户索引解引用为 AccountMeta）；
//  3. 构建共享元数据与 arena 指令树。
func ExtractTransaction(block *core.BlockContext, tx *core.RawTransaction) (*core.InstructionTree, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrMalformedEnvelope)
	}
	if tx.Signature.IsZero() {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedEnvelope)
	}
	if len(tx.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: empty account keys", ErrMalformedEnvelope)
	}
	if int(tx.NumRequiredSignatures) > len(tx.AccountKeys) {
		return nil, fmt.Errorf("%w: signer count %d exceeds account keys %d",
			ErrMalformedEnvelope, tx.NumRequiredSignatures, len(tx.AccountKeys))
	}

	instrs, err := flattenInstructions(tx)
	if err != nil {
		return nil, err
	}

	meta := &core.InstructionMetadata{
		Signature:   tx.Signature,
		Slot:        block.Slot,
		BlockTime:   block.BlockTime,
		TxIndex:     tx.Index,
		AccountKeys: tx.AccountKeys,
		LogMessages: tx.LogMessages,
	}
	return core.NewInstructionTree(meta, instrs), nil
}

// flattenInstructions 扁平化解析主指令与 inner 指令，输出统一结构。
// 每条主指令与其 inner 指令将展开为多条 RawInstruction：
//   - IxIndex：主指令索引；
//   - InnerIndex：0 表示主指令，1 及以上表示对应的 inner 指令序号。
func flattenInstructions(tx *core.RawTransaction) ([]*core.RawInstruction, error) {
	// 预分配容量：假设每条主指令平均含有 2 条 inner 指令，最低保留 16 条
	capacity := len(tx.Instructions) * 2
	if capacity < 16 {
		capacity = 16
	}
	instrs := make([]*core.RawInstruction, 0, capacity)

	innerIdx := 0
	for i, inst := range tx.Instructions {
		ix, err := expandInstruction(tx, inst, uint16(i), 0)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ix)

		// inner 块按主指令索引递增排列，顺序匹配即可，无需 map 或多次扫描
		if innerIdx < len(tx.InnerGroups) && int(tx.InnerGroups[innerIdx].IxIndex) == i {
			for j, inner := range tx.InnerGroups[innerIdx].Instructions {
				cix, err := expandInstruction(tx, inner, uint16(i), uint16(j+1))
				if err != nil {
					return nil, err
				}
				instrs = append(instrs, cix)
			}
			innerIdx++
		}
	}

	// 残留的 inner 块指向不存在的主指令，说明调用轨迹无法对齐
	if innerIdx < len(tx.InnerGroups) {
		return nil, fmt.Errorf("%w: inner group for instruction %d has no parent (tx has %d instructions)",
			ErrMalformedEnvelope, tx.InnerGroups[innerIdx].IxIndex, len(tx.Instructions))
	}
	return instrs, nil
}

// expandInstruction 解引用指令的账户索引，索引越界视为 envelope 损坏。
func expandInstruction(tx *core.RawTransaction, inst core.CompiledInstruction, ixIndex, innerIndex uint16) (*core.RawInstruction, error) {
	if int(inst.ProgramIDIndex) >= len(tx.AccountKeys) {
		return nil, fmt.Errorf("%w: program index %d out of range (%d account keys)",
			ErrMalformedEnvelope, inst.ProgramIDIndex, len(tx.AccountKeys))
	}

	accounts := make([]core.AccountMeta, 0, len(inst.AccountIndexes))
	for _, idx := range inst.AccountIndexes {
		if int(idx) >= len(tx.AccountKeys) {
			return nil, fmt.Errorf("%w: account index %d out of range (%d account keys)",
				ErrMalformedEnvelope, idx, len(tx.AccountKeys))
		}
		accounts = append(accounts, tx.AccountKeys[idx])
	}

	return &core.RawInstruction{
		IxIndex:    ixIndex,
		InnerIndex: innerIndex,
		ProgramID:  tx.AccountKeys[inst.ProgramIDIndex].Pubkey,
		Accounts:   accounts,
		Data:       inst.Data,
	}, nil
}
