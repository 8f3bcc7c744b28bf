// Package spltoken 解码 SPL Token / Token-2022 程序的常用指令。
// 指令判别为单字节 discriminator（data[0]），两套程序共用同一布局。
package spltoken

import (
	"encoding/binary"
	"fmt"

	sdktoken "github.com/blocto/solana-go-sdk/program/token"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/types"
)

// 指令变体名
const (
	KindTransfer        = "spltoken/transfer"
	KindTransferChecked = "spltoken/transfer_checked"
	KindMintTo          = "spltoken/mint_to"
	KindBurn            = "spltoken/burn"
	KindCloseAccount    = "spltoken/close_account"
)

// TransferPayload 对应 Transfer / TransferChecked。
// TransferChecked 额外携带 Mint 与 Decimals；Transfer 两者为零值。
type TransferPayload struct {
	Source      types.Pubkey
	Destination types.Pubkey
	Authority   types.Pubkey
	Mint        types.Pubkey
	Amount      uint64
	Decimals    uint8
	Checked     bool
}

type MintToPayload struct {
	Mint        types.Pubkey
	Destination types.Pubkey
	Authority   types.Pubkey
	Amount      uint64
}

type BurnPayload struct {
	Account   types.Pubkey
	Mint      types.Pubkey
	Authority types.Pubkey
	Amount    uint64
}

type CloseAccountPayload struct {
	Account     types.Pubkey
	Destination types.Pubkey
	Owner       types.Pubkey
}

// Decoder 以构造时指定的 programID 注册，Token 与 Token-2022 各注册一个实例。
type Decoder struct {
	programID types.Pubkey
}

func New(programID types.Pubkey) *Decoder {
	return &Decoder{programID: programID}
}

func (d *Decoder) ProgramID() types.Pubkey {
	return d.programID
}

// TryDecode 按 data[0] 判别指令变体。
// 不认识的 discriminator 或账户/数据长度不足均返回 error（指令计为未匹配）。
func (d *Decoder) TryDecode(ix *core.RawInstruction) (*core.DecodedInstruction, error) {
	if len(ix.Data) == 0 {
		return nil, fmt.Errorf("empty instruction data")
	}

	switch ix.Data[0] {
	case byte(sdktoken.InstructionTransfer):
		// Layout: [source, destination, authority], amount in data[1:9]
		if len(ix.Accounts) < 3 || len(ix.Data) < 9 {
			return nil, fmt.Errorf("malformed transfer: accounts=%d data=%d", len(ix.Accounts), len(ix.Data))
		}
		return d.decoded(ix, KindTransfer, &TransferPayload{
			Source:      ix.Accounts[0].Pubkey,
			Destination: ix.Accounts[1].Pubkey,
			Authority:   ix.Accounts[2].Pubkey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
		}), nil

	case byte(sdktoken.InstructionTransferChecked):
		// Layout: [source, mint, destination, authority], amount + decimals in data[1:10]
		if len(ix.Accounts) < 4 || len(ix.Data) < 10 {
			return nil, fmt.Errorf("malformed transfer_checked: accounts=%d data=%d", len(ix.Accounts), len(ix.Data))
		}
		return d.decoded(ix, KindTransferChecked, &TransferPayload{
			Source:      ix.Accounts[0].Pubkey,
			Mint:        ix.Accounts[1].Pubkey,
			Destination: ix.Accounts[2].Pubkey,
			Authority:   ix.Accounts[3].Pubkey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
			Decimals:    ix.Data[9],
			Checked:     true,
		}), nil

	case byte(sdktoken.InstructionMintTo), byte(sdktoken.InstructionMintToChecked):
		// Layout: [mint, destination, authority], amount in data[1:9]
		if len(ix.Accounts) < 3 || len(ix.Data) < 9 {
			return nil, fmt.Errorf("malformed mint_to: accounts=%d data=%d", len(ix.Accounts), len(ix.Data))
		}
		return d.decoded(ix, KindMintTo, &MintToPayload{
			Mint:        ix.Accounts[0].Pubkey,
			Destination: ix.Accounts[1].Pubkey,
			Authority:   ix.Accounts[2].Pubkey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
		}), nil

	case byte(sdktoken.InstructionBurn), byte(sdktoken.InstructionBurnChecked):
		// Layout: [account, mint, authority], amount in data[1:9]
		if len(ix.Accounts) < 3 || len(ix.Data) < 9 {
			return nil, fmt.Errorf("malformed burn: accounts=%d data=%d", len(ix.Accounts), len(ix.Data))
		}
		return d.decoded(ix, KindBurn, &BurnPayload{
			Account:   ix.Accounts[0].Pubkey,
			Mint:      ix.Accounts[1].Pubkey,
			Authority: ix.Accounts[2].Pubkey,
			Amount:    binary.LittleEndian.Uint64(ix.Data[1:9]),
		}), nil

	case byte(sdktoken.InstructionCloseAccount):
		// Layout: [account, destination, owner]
		if len(ix.Accounts) < 3 {
			return nil, fmt.Errorf("malformed close_account: accounts=%d", len(ix.Accounts))
		}
		return d.decoded(ix, KindCloseAccount, &CloseAccountPayload{
			Account:     ix.Accounts[0].Pubkey,
			Destination: ix.Accounts[1].Pubkey,
			Owner:       ix.Accounts[2].Pubkey,
		}), nil
	}

	return nil, fmt.Errorf("unsupported discriminator: %d", ix.Data[0])
}

func (d *Decoder) decoded(ix *core.RawInstruction, kind string, payload any) *core.DecodedInstruction {
	return &core.DecodedInstruction{Raw: ix, Kind: kind, Payload: payload}
}
