package wssrc

import (
	"fmt"

	"github.com/mr-tron/base58"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/types"
)

// jsonBlock 对应 blockNotification 中 encoding=json 的区块结构。
type jsonBlock struct {
	Blockhash         string            `json:"blockhash"`
	PreviousBlockhash string            `json:"previousBlockhash"`
	ParentSlot        uint64            `json:"parentSlot"`
	BlockTime         *int64            `json:"blockTime"`
	BlockHeight       *uint64           `json:"blockHeight"`
	Transactions      []jsonTransaction `json:"transactions"`
}

type jsonTransaction struct {
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []string `json:"accountKeys"`
			Header      struct {
				NumRequiredSignatures       int `json:"numRequiredSignatures"`
				NumReadonlySignedAccounts   int `json:"numReadonlySignedAccounts"`
				NumReadonlyUnsignedAccounts int `json:"numReadonlyUnsignedAccounts"`
			} `json:"header"`
			Instructions []jsonInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err               any      `json:"err"`
		LogMessages       []string `json:"logMessages"`
		InnerInstructions []struct {
			Index        int               `json:"index"`
			Instructions []jsonInstruction `json:"instructions"`
		} `json:"innerInstructions"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
}

type jsonInstruction struct {
	ProgramIdIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"` // base58
}

// translateBlock 将 JSON 区块转为 RawEnvelope，逐交易应用过滤。
// 没有交易通过过滤时返回 nil。
func (s *Source) translateBlock(slot uint64, block *jsonBlock) *core.RawEnvelope {
	blockHash, err := types.HashFromBase58(block.Blockhash)
	if err != nil {
		logger.Errorf("[wssrc] unparsable blockhash, using zero value: slot=%d blockhash=%s err=%v",
			slot, block.Blockhash, err)
	}
	blockTime := int64(0)
	if block.BlockTime != nil {
		blockTime = *block.BlockTime
	}
	blockHeight := uint64(0)
	if block.BlockHeight != nil {
		blockHeight = *block.BlockHeight
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
		tx, err := translateJSONTx(uint32(i), &block.Transactions[i])
		if err != nil {
			logger.Warnf("[wssrc] skip untranslatable tx: slot=%d index=%d err=%v", slot, i, err)
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

// translateJSONTx 将 JSON 交易转为内部 RawTransaction。
// 账户访问属性按 message header 规则推导，lookup 展开部分先 writable 后 readonly。
func translateJSONTx(index uint32, jtx *jsonTransaction) (*core.RawTransaction, error) {
	msg := &jtx.Transaction.Message
	if len(jtx.Transaction.Signatures) == 0 {
		return nil, fmt.Errorf("missing signatures")
	}
	sig, err := types.TrySignatureFromBase58(jtx.Transaction.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	numSigners := msg.Header.NumRequiredSignatures
	numRoSigned := msg.Header.NumReadonlySignedAccounts
	numRoUnsigned := msg.Header.NumReadonlyUnsignedAccounts
	numStatic := len(msg.AccountKeys)
	if numSigners <= 0 || numSigners > numStatic || numRoSigned > numSigners || numRoUnsigned > numStatic-numSigners {
		return nil, fmt.Errorf("inconsistent message header: signers=%d roSigned=%d roUnsigned=%d static=%d",
			numSigners, numRoSigned, numRoUnsigned, numStatic)
	}

	var loadedWritable, loadedReadonly []string
	var failed bool
	var logMessages []string
	if jtx.Meta != nil {
		failed = jtx.Meta.Err != nil
		logMessages = jtx.Meta.LogMessages
		if jtx.Meta.LoadedAddresses != nil {
			loadedWritable = jtx.Meta.LoadedAddresses.Writable
			loadedReadonly = jtx.Meta.LoadedAddresses.Readonly
		}
	}

	metas := make([]core.AccountMeta, 0, numStatic+len(loadedWritable)+len(loadedReadonly))
	appendKey := func(b58 string, writable, signer bool) error {
		pk, err := types.TryPubkeyFromBase58(b58)
		if err != nil {
			return err
		}
		metas = append(metas, core.AccountMeta{Pubkey: pk, Writable: writable, Signer: signer})
		return nil
	}
	for i, key := range msg.AccountKeys {
		signer := i < numSigners
		var writable bool
		if signer {
			writable = i < numSigners-numRoSigned
		} else {
			writable = i < numStatic-numRoUnsigned
		}
		if err := appendKey(key, writable, signer); err != nil {
			return nil, fmt.Errorf("accountKeys[%d]: %w", i, err)
		}
	}
	for i, key := range loadedWritable {
		if err := appendKey(key, true, false); err != nil {
			return nil, fmt.Errorf("loadedWritable[%d]: %w", i, err)
		}
	}
	for i, key := range loadedReadonly {
		if err := appendKey(key, false, false); err != nil {
			return nil, fmt.Errorf("loadedReadonly[%d]: %w", i, err)
		}
	}

	instructions := make([]core.CompiledInstruction, 0, len(msg.Instructions))
	isVote := false
	for _, inst := range msg.Instructions {
		ci, err := decodeJSONInstruction(&inst)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ci)
		if int(ci.ProgramIDIndex) < len(metas) &&
			metas[ci.ProgramIDIndex].Pubkey.Equals(consts.VoteProgram) {
			isVote = true
		}
	}

	var innerGroups []core.InnerInstructionGroup
	if jtx.Meta != nil {
		innerGroups = make([]core.InnerInstructionGroup, 0, len(jtx.Meta.InnerInstructions))
		for _, group := range jtx.Meta.InnerInstructions {
			g := core.InnerInstructionGroup{IxIndex: uint16(group.Index)}
			for _, inner := range group.Instructions {
				ci, err := decodeJSONInstruction(&inner)
				if err != nil {
					return nil, err
				}
				g.Instructions = append(g.Instructions, ci)
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

func decodeJSONInstruction(inst *jsonInstruction) (core.CompiledInstruction, error) {
	data, err := base58.Decode(inst.Data)
	if err != nil {
		return core.CompiledInstruction{}, fmt.Errorf("instruction data: %w", err)
	}
	idxs := make([]uint16, len(inst.Accounts))
	for i, a := range inst.Accounts {
		idxs[i] = uint16(a)
	}
	return core.CompiledInstruction{
		ProgramIDIndex: uint16(inst.ProgramIdIndex),
		AccountIndexes: idxs,
		Data:           data,
	}, nil
}
