package spltoken

import (
	"encoding/binary"
	"testing"

	sdktoken "github.com/blocto/solana-go-sdk/program/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/types"
)

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func metas(bs ...byte) []core.AccountMeta {
	out := make([]core.AccountMeta, len(bs))
	for i, b := range bs {
		out[i] = core.AccountMeta{Pubkey: pk(b)}
	}
	return out
}

func amountData(tag byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

func TestDecodeTransfer(t *testing.T) {
	d := New(consts.TokenProgram)
	ix := &core.RawInstruction{
		ProgramID: consts.TokenProgram,
		Accounts:  metas(0x01, 0x02, 0x03),
		Data:      amountData(byte(sdktoken.InstructionTransfer), 5_000_000),
	}

	decoded, err := d.TryDecode(ix)
	require.NoError(t, err)
	assert.Equal(t, KindTransfer, decoded.Kind)
	assert.Same(t, ix, decoded.Raw)

	p := decoded.Payload.(*TransferPayload)
	assert.Equal(t, pk(0x01), p.Source)
	assert.Equal(t, pk(0x02), p.Destination)
	assert.Equal(t, pk(0x03), p.Authority)
	assert.Equal(t, uint64(5_000_000), p.Amount)
	assert.False(t, p.Checked)
}

func TestDecodeTransferChecked(t *testing.T) {
	d := New(consts.TokenProgram2022)
	data := append(amountData(byte(sdktoken.InstructionTransferChecked), 1234), 6) // decimals
	ix := &core.RawInstruction{
		ProgramID: consts.TokenProgram2022,
		Accounts:  metas(0x01, 0x0F, 0x02, 0x03), // [source, mint, destination, authority]
		Data:      data,
	}

	decoded, err := d.TryDecode(ix)
	require.NoError(t, err)
	assert.Equal(t, KindTransferChecked, decoded.Kind)

	p := decoded.Payload.(*TransferPayload)
	assert.Equal(t, pk(0x0F), p.Mint)
	assert.Equal(t, pk(0x02), p.Destination)
	assert.Equal(t, uint64(1234), p.Amount)
	assert.Equal(t, uint8(6), p.Decimals)
	assert.True(t, p.Checked)
}

func TestDecodeMintToAndBurn(t *testing.T) {
	d := New(consts.TokenProgram)

	t.Run("mint_to", func(t *testing.T) {
		ix := &core.RawInstruction{
			Accounts: metas(0x0F, 0x02, 0x03),
			Data:     amountData(byte(sdktoken.InstructionMintTo), 77),
		}
		decoded, err := d.TryDecode(ix)
		require.NoError(t, err)
		assert.Equal(t, KindMintTo, decoded.Kind)
		p := decoded.Payload.(*MintToPayload)
		assert.Equal(t, pk(0x0F), p.Mint)
		assert.Equal(t, uint64(77), p.Amount)
	})

	// checked 变体与普通变体共用同一布局，归入同一 kind
	t.Run("burn_checked", func(t *testing.T) {
		ix := &core.RawInstruction{
			Accounts: metas(0x01, 0x0F, 0x03),
			Data:     amountData(byte(sdktoken.InstructionBurnChecked), 42),
		}
		decoded, err := d.TryDecode(ix)
		require.NoError(t, err)
		assert.Equal(t, KindBurn, decoded.Kind)
		p := decoded.Payload.(*BurnPayload)
		assert.Equal(t, pk(0x0F), p.Mint)
		assert.Equal(t, uint64(42), p.Amount)
	})
}

func TestDecodeCloseAccount(t *testing.T) {
	d := New(consts.TokenProgram)
	ix := &core.RawInstruction{
		Accounts: metas(0x01, 0x02, 0x03),
		Data:     []byte{byte(sdktoken.InstructionCloseAccount)},
	}

	decoded, err := d.TryDecode(ix)
	require.NoError(t, err)
	assert.Equal(t, KindCloseAccount, decoded.Kind)
	p := decoded.Payload.(*CloseAccountPayload)
	assert.Equal(t, pk(0x02), p.Destination)
	assert.Equal(t, pk(0x03), p.Owner)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	d := New(consts.TokenProgram)

	t.Run("空数据", func(t *testing.T) {
		_, err := d.TryDecode(&core.RawInstruction{Accounts: metas(0x01, 0x02, 0x03)})
		assert.Error(t, err)
	})

	t.Run("未知 discriminator", func(t *testing.T) {
		_, err := d.TryDecode(&core.RawInstruction{
			Accounts: metas(0x01, 0x02, 0x03),
			Data:     []byte{0xFF},
		})
		assert.Error(t, err)
	})

	t.Run("数据长度不足", func(t *testing.T) {
		_, err := d.TryDecode(&core.RawInstruction{
			Accounts: metas(0x01, 0x02, 0x03),
			Data:     []byte{byte(sdktoken.InstructionTransfer), 0x01},
		})
		assert.Error(t, err)
	})

	t.Run("账户不足", func(t *testing.T) {
		_, err := d.TryDecode(&core.RawInstruction{
			Accounts: metas(0x01),
			Data:     amountData(byte(sdktoken.InstructionTransfer), 1),
		})
		assert.Error(t, err)
	})
}
