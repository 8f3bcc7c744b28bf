// Package system 解码 System Program 的常用指令。
// 指令判别为 4 字节小端 tag（data[0:4]），字段为小端定长编码，
// 与 borsh 的整数布局一致，负载部分直接用 borsh 反序列化。
package system

import (
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/types"
)

const (
	KindCreateAccount = "system/create_account"
	KindTransfer      = "system/transfer"
)

// tag 值见 system program 指令定义
const (
	tagCreateAccount = 0
	tagTransfer      = 2
)

type CreateAccountPayload struct {
	Funder     types.Pubkey
	NewAccount types.Pubkey
	Lamports   uint64
	Space      uint64
	Owner      types.Pubkey
}

type TransferPayload struct {
	From     types.Pubkey
	To       types.Pubkey
	Lamports uint64
}

// createAccountBody 是 data[4:] 的 borsh 布局
type createAccountBody struct {
	Lamports uint64
	Space    uint64
	Owner    [32]uint8
}

type transferBody struct {
	Lamports uint64
}

type Decoder struct{}

func New() *Decoder {
	return &Decoder{}
}

func (d *Decoder) ProgramID() types.Pubkey {
	return consts.SystemProgram
}

func (d *Decoder) TryDecode(ix *core.RawInstruction) (*core.DecodedInstruction, error) {
	if len(ix.Data) < 4 {
		return nil, fmt.Errorf("instruction data too short: %d", len(ix.Data))
	}

	switch binary.LittleEndian.Uint32(ix.Data[:4]) {
	case tagCreateAccount:
		// Layout: [funder, newAccount]
		if len(ix.Accounts) < 2 {
			return nil, fmt.Errorf("malformed create_account: accounts=%d", len(ix.Accounts))
		}
		var body createAccountBody
		if err := borsh.Deserialize(&body, ix.Data[4:]); err != nil {
			return nil, fmt.Errorf("create_account body: %w", err)
		}
		return &core.DecodedInstruction{
			Raw:  ix,
			Kind: KindCreateAccount,
			Payload: &CreateAccountPayload{
				Funder:     ix.Accounts[0].Pubkey,
				NewAccount: ix.Accounts[1].Pubkey,
				Lamports:   body.Lamports,
				Space:      body.Space,
				Owner:      types.Pubkey(body.Owner),
			},
		}, nil

	case tagTransfer:
		// Layout: [from, to]
		if len(ix.Accounts) < 2 {
			return nil, fmt.Errorf("malformed transfer: accounts=%d", len(ix.Accounts))
		}
		var body transferBody
		if err := borsh.Deserialize(&body, ix.Data[4:]); err != nil {
			return nil, fmt.Errorf("transfer body: %w", err)
		}
		return &core.DecodedInstruction{
			Raw:  ix,
			Kind: KindTransfer,
			Payload: &TransferPayload{
				From:     ix.Accounts[0].Pubkey,
				To:       ix.Accounts[1].Pubkey,
				Lamports: body.Lamports,
			},
		}, nil
	}

	return nil, fmt.Errorf("unsupported tag: %d", binary.LittleEndian.Uint32(ix.Data[:4]))
}
