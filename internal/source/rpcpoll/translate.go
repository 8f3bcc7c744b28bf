package rpcpoll

import (
	"fmt"

	"github.com/blocto/solana-go-sdk/client"
	sdktypes "github.com/blocto/solana-go-sdk/types"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/types"
)

// translateBlock 将 SDK 解析后的区块转为 RawEnvelope，逐交易应用过滤。
// 返回 (envelope, blockTime)；没有交易通过过滤时 envelope 为 nil。
func (s *Source) translateBlock(slot uint64, block *client.Block) (*core.RawEnvelope, int64) {
	blockHash, err := types.HashFromBase58(block.Blockhash)
	if err != nil {
		logger.Errorf("[rpcpoll] unparsable blockhash, using zero value: slot=%d blockhash=%s err=%v",
			slot, block.Blockhash, err)
	}
	blockTime := int64(0)
	if block.BlockTime != nil {
		blockTime = block.BlockTime.Unix()
	}
	blockHeight := uint64(0)
	if block.BlockHeight != nil {
		blockHeight = uint64(*block.BlockHeight)
	}

	env := &core.RawEnvelope{
		Block: core.BlockContext{
			BlockTime:   blockTime,
			Slot:        slot,
			ParentSlot:  block.ParentSlot,
			BlockHeight: blockHeight,
			BlockHash:   blockHash,
		},
	}

	for i := range block.Transactions {
		tx, err := translateSDKTx(uint32(i), &block.Transactions[i])
		if err != nil {
			logger.Warnf("[rpcpoll] skip untranslatable tx: slot=%d index=%d err=%v", slot, i, err)
			continue
		}
		if !s.filters.MatchTransaction(tx) {
			continue
		}
		env.Transactions = append(env.Transactions, tx)
	}

	if len(env.Transactions) == 0 {
		return nil, blockTime
	}
	return env, blockTime
}

// translateSDKTx 将 SDK 交易转为内部 RawTransaction。
// 账户访问属性按 message header 规则推导，lookup 展开部分来自 meta.loadedAddresses。
func translateSDKTx(index uint32, btx *client.BlockTransaction) (*core.RawTransaction, error) {
	msg := &btx.Transaction.Message
	if len(btx.Transaction.Signatures) == 0 {
		return nil, fmt.Errorf("missing signatures")
	}
	sig, err := types.SignatureFromBytes(btx.Transaction.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	numSigners := int(msg.Header.NumRequireSignatures)
	numRoSigned := int(msg.Header.NumReadonlySignedAccounts)
	numRoUnsigned := int(msg.Header.NumReadonlyUnsignedAccounts)
	numStatic := len(msg.Accounts)
	if numSigners <= 0 || numSigners > numStatic || numRoSigned > numSigners || numRoUnsigned > numStatic-numSigners {
		return nil, fmt.Errorf("inconsistent message header: signers=%d roSigned=%d roUnsigned=%d static=%d",
			numSigners, numRoSigned, numRoUnsigned, numStatic)
	}

	var loadedWritable, loadedReadonly []string
	var failed bool
	var logMessages []string
	if btx.Meta != nil {
		failed = btx.Meta.Err != nil
		logMessages = btx.Meta.LogMessages
		loadedWritable = btx.Meta.LoadedAddresses.Writable
		loadedReadonly = btx.Meta.LoadedAddresses.Readonly
	}

	metas := make([]core.AccountMeta, 0, numStatic+len(loadedWritable)+len(loadedReadonly))
	for i, key := range msg.Accounts {
		signer := i < numSigners
		var writable bool
		if signer {
			writable = i < numSigners-numRoSigned
		} else {
			writable = i < numStatic-numRoUnsigned
		}
		pk, err := types.PubkeyFromBytes(key.Bytes())
		if err != nil {
			return nil, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		metas = append(metas, core.AccountMeta{Pubkey: pk, Writable: writable, Signer: signer})
	}
	appendLoaded := func(keys []string, writable bool, label string) error {
		for i, b58 := range keys {
			pk, err := types.TryPubkeyFromBase58(b58)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", label, i, err)
			}
			metas = append(metas, core.AccountMeta{Pubkey: pk, Writable: writable, Signer: false})
		}
		return nil
	}
	if err := appendLoaded(loadedWritable, true, "loadedWritable"); err != nil {
		return nil, err
	}
	if err := appendLoaded(loadedReadonly, false, "loadedReadonly"); err != nil {
		return nil, err
	}

	instructions := make([]core.CompiledInstruction, 0, len(msg.Instructions))
	isVote := false
	for i := range msg.Instructions {
		ci := toCompiledSDK(&msg.Instructions[i])
		instructions = append(instructions, ci)
		if int(ci.ProgramIDIndex) < len(metas) &&
			metas[ci.ProgramIDIndex].Pubkey.Equals(consts.VoteProgram) {
			isVote = true
		}
	}

	var innerGroups []core.InnerInstructionGroup
	if btx.Meta != nil {
		innerGroups = make([]core.InnerInstructionGroup, 0, len(btx.Meta.InnerInstructions))
		for _, group := range btx.Meta.InnerInstructions {
			g := core.InnerInstructionGroup{IxIndex: uint16(group.Index)}
			for i := range group.Instructions {
				g.Instructions = append(g.Instructions, toCompiledSDK(&group.Instructions[i]))
			}
			innerGroups = append(innerGroups, g)
		}
	}

	return &core.RawTransaction{
		Index:                 index,
		Signature:             sig,
		NumRequiredSignatures: uint8(numSigners),
		AccountKeys:           metas,
		Instructions:          instructions,
		InnerGroups:           innerGroups,
		LogMessages:           logMessages,
		IsVote:                isVote,
		Failed:                failed,
	}, nil
}

func toCompiledSDK(inst *sdktypes.CompiledInstruction) core.CompiledInstruction {
	idxs := make([]uint16, len(inst.Accounts))
	for i, a := range inst.Accounts {
		idxs[i] = uint16(a)
	}
	return core.CompiledInstruction{
		ProgramIDIndex: uint16(inst.ProgramIDIndex),
		AccountIndexes: idxs,
		Data:           inst.Data,
	}
}
