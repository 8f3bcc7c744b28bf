package grpcsrc

import (
	"fmt"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/types"
)

// isUsableGrpcTx 过滤结构上无法处理的交易：
//   - nil transaction info / 缺 Message
//   - 缺签名或签名长度非法
//
// 这类交易属于"未通过过滤校验"，允许静默跳过。
// vote / failed 标记保留给 Filters 判定，不在这里丢弃。
func isUsableGrpcTx(tx *pb.SubscribeUpdateTransactionInfo) bool {
	return tx != nil &&
		tx.Transaction != nil &&
		tx.Transaction.Message != nil &&
		len(tx.Transaction.Signatures) > 0 &&
		len(tx.Transaction.Signatures[0]) == 64
}

// buildAccountMetas 构造交易的完整账户列表（含访问属性）。
// 拼接 message.accountKeys 与 Address Lookup Table 中的 writable / readonly 地址，
// 读写与 signer 属性按 message header 规则推导：
//   - 前 numRequiredSignatures 个为 signer，其中末尾 numReadonlySigned 个只读；
//   - 静态未签名段末尾 numReadonlyUnsigned 个只读；
//   - lookup 展开部分先 writable 后 readonly。
func buildAccountMetas(msg *pb.Message, loadedWritable, loadedReadonly [][]byte) ([]core.AccountMeta, error) {
	header := msg.Header
	if header == nil {
		return nil, fmt.Errorf("missing message header")
	}

	numSigners := int(header.NumRequiredSignatures)
	numRoSigned := int(header.NumReadonlySignedAccounts)
	numRoUnsigned := int(header.NumReadonlyUnsignedAccounts)
	numStatic := len(msg.AccountKeys)
	if numSigners > numStatic || numRoSigned > numSigners || numRoUnsigned > numStatic-numSigners {
		return nil, fmt.Errorf("inconsistent message header: signers=%d roSigned=%d roUnsigned=%d static=%d",
			numSigners, numRoSigned, numRoUnsigned, numStatic)
	}

	total := numStatic + len(loadedWritable) + len(loadedReadonly)
	metas := make([]core.AccountMeta, 0, total)

	appendKey := func(raw []byte, writable, signer bool) error {
		pk, err := types.PubkeyFromBytes(raw)
		if err != nil {
			return err
		}
		metas = append(metas, core.AccountMeta{Pubkey: pk, Writable: writable, Signer: signer})
		return nil
	}

	for i, raw := range msg.AccountKeys {
		signer := i < numSigners
		var writable bool
		if signer {
			writable = i < numSigners-numRoSigned
		} else {
			writable = i < numStatic-numRoUnsigned
		}
		if err := appendKey(raw, writable, signer); err != nil {
			return nil, fmt.Errorf("accountKeys[%d]: %w", i, err)
		}
	}
	for i, raw := range loadedWritable {
		if err := appendKey(raw, true, false); err != nil {
			return nil, fmt.Errorf("loadedWritable[%d]: %w", i, err)
		}
	}
	for i, raw := range loadedReadonly {
		if err := appendKey(raw, false, false); err != nil {
			return nil, fmt.Errorf("loadedReadonly[%d]: %w", i, err)
		}
	}
	return metas, nil
}

func toCompiled(programIdx uint32, accounts []byte, data []byte) core.CompiledInstruction {
	idxs := make([]uint16, len(accounts))
	for i, a := range accounts {
		idxs[i] = uint16(a)
	}
	return core.CompiledInstruction{
		ProgramIDIndex: uint16(programIdx),
		AccountIndexes: idxs,
		Data:           data,
	}
}

// translateTx 将 gRPC 推送的交易转为内部 RawTransaction。
// 结构非法时返回 error，由调用方按交易粒度跳过。
func translateTx(tx *pb.SubscribeUpdateTransactionInfo) (_ *core.RawTransaction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("translateTx panic: %v", r)
		}
	}()

	var loadedWritable, loadedReadonly [][]byte
	var failed bool
	if tx.Meta != nil {
		loadedWritable = tx.Meta.LoadedWritableAddresses
		loadedReadonly = tx.Meta.LoadedReadonlyAddresses
		failed = tx.Meta.Err != nil
	}

	metas, err := buildAccountMetas(tx.Transaction.Message, loadedWritable, loadedReadonly)
	if err != nil {
		return nil, err
	}

	sig, err := types.SignatureFromBytes(tx.Transaction.Signatures[0])
	if err != nil {
		return nil, err
	}

	instructions := make([]core.CompiledInstruction, 0, len(tx.Transaction.Message.Instructions))
	for _, inst := range tx.Transaction.Message.Instructions {
		instructions = append(instructions, toCompiled(inst.ProgramIdIndex, inst.Accounts, inst.Data))
	}

	var innerGroups []core.InnerInstructionGroup
	var logMessages []string
	if tx.Meta != nil {
		logMessages = tx.Meta.LogMessages
		innerGroups = make([]core.InnerInstructionGroup, 0, len(tx.Meta.InnerInstructions))
		for _, group := range tx.Meta.InnerInstructions {
			g := core.InnerInstructionGroup{IxIndex: uint16(group.Index)}
			for _, inner := range group.Instructions {
				g.Instructions = append(g.Instructions, toCompiled(inner.ProgramIdIndex, inner.Accounts, inner.Data))
			}
			innerGroups = append(innerGroups, g)
		}
	}

	var numSigners uint8
	if tx.Transaction.Message.Header != nil {
		numSigners = uint8(tx.Transaction.Message.Header.NumRequiredSignatures)
	}

	return &core.RawTransaction{
		Index:                 uint32(tx.Index),
		Signature:             sig,
		NumRequiredSignatures: numSigners,
		AccountKeys:           metas,
		Instructions:          instructions,
		InnerGroups:           innerGroups,
		LogMessages:           logMessages,
		IsVote:                tx.IsVote,
		Failed:                failed,
	}, nil
}

// translateBlock 将 gRPC 推送的区块转为 RawEnvelope，逐交易应用过滤。
// 没有交易通过过滤时返回 nil（整个 envelope 静默跳过）。
func (s *Source) translateBlock(block *pb.SubscribeUpdateBlock) *core.RawEnvelope {
	blockTime := int64(0)
	if block.BlockTime != nil {
		blockTime = block.BlockTime.Timestamp
	}
	blockHash, err := types.HashFromBase58(block.Blockhash)
	if err != nil {
		// 哈希解析失败只打日志，零值继续：区块内容仍可处理
		logger.Errorf("[grpcsrc] unparsable blockhash, using zero value: slot=%d blockhash=%s err=%v",
			block.Slot, block.Blockhash, err)
	}
	blockHeight := uint64(0)
	if block.BlockHeight != nil {
		blockHeight = block.BlockHeight.BlockHeight
	}

	env := &core.RawEnvelope{
		Block: core.BlockContext{
			BlockTime:   blockTime,
			Slot:        block.Slot,
			ParentSlot:  block.ParentSlot,
			BlockHeight: blockHeight,
			BlockHash:   blockHash,
		},
	}

	for _, txInfo := range block.Transactions {
		if !isUsableGrpcTx(txInfo) {
			continue
		}
		tx, err := translateTx(txInfo)
		if err != nil {
			logger.Warnf("[grpcsrc] skip untranslatable tx: slot=%d err=%v", block.Slot, err)
			continue
		}
		if !s.filters.MatchTransaction(tx) {
			continue
		}
		env.Transactions = append(env.Transactions, tx)
	}

	if len(env.Transactions) == 0 {
		return nil
	}
	return env
}
