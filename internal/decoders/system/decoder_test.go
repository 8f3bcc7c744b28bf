package system

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestDecodeTransfer(t *testing.T) {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[:4], tagTransfer)
	binary.LittleEndian.PutUint64(data[4:], 1_500_000_000)

	d := New()
	decoded, err := d.TryDecode(&core.RawInstruction{
		Accounts: metas(0x01, 0x02),
		Data:     data,
	})
	require.NoError(t, err)
	assert.Equal(t, KindTransfer, decoded.Kind)

	p := decoded.Payload.(*TransferPayload)
	assert.Equal(t, pk(0x01), p.From)
	assert.Equal(t, pk(0x02), p.To)
	assert.Equal(t, uint64(1_500_000_000), p.Lamports)
}

func TestDecodeCreateAccount(t *testing.T) {
	owner := pk(0x0A)
	data := make([]byte, 4+8+8+32)
	binary.LittleEndian.PutUint32(data[:4], tagCreateAccount)
	binary.LittleEndian.PutUint64(data[4:12], 2_039_280) // lamports
	binary.LittleEndian.PutUint64(data[12:20], 165)      // space
	copy(data[20:], owner[:])

	d := New()
	decoded, err := d.TryDecode(&core.RawInstruction{
		Accounts: metas(0x01, 0x02),
		Data:     data,
	})
	require.NoError(t, err)
	assert.Equal(t, KindCreateAccount, decoded.Kind)

	p := decoded.Payload.(*CreateAccountPayload)
	assert.Equal(t, pk(0x01), p.Funder)
	assert.Equal(t, pk(0x02), p.NewAccount)
	assert.Equal(t, uint64(2_039_280), p.Lamports)
	assert.Equal(t, uint64(165), p.Space)
	assert.Equal(t, owner, p.Owner)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	d := New()

	t.Run("tag 不足 4 字节", func(t *testing.T) {
		_, err := d.TryDecode(&core.RawInstruction{Accounts: metas(0x01, 0x02), Data: []byte{0x02}})
		assert.Error(t, err)
	})

	t.Run("未知 tag", func(t *testing.T) {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, 99)
		_, err := d.TryDecode(&core.RawInstruction{Accounts: metas(0x01, 0x02), Data: data})
		assert.Error(t, err)
	})

	t.Run("账户不足", func(t *testing.T) {
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[:4], tagTransfer)
		_, err := d.TryDecode(&core.RawInstruction{Accounts: metas(0x01), Data: data})
		assert.Error(t, err)
	})

	t.Run("负载截断", func(t *testing.T) {
		data := make([]byte, 6)
		binary.LittleEndian.PutUint32(data[:4], tagTransfer)
		_, err := d.TryDecode(&core.RawInstruction{Accounts: metas(0x01, 0x02), Data: data})
		assert.Error(t, err)
	})
}
