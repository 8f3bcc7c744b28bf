package extractor

import (
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

func sig(b byte) types.Signature {
	var s types.Signature
	s[0] = b
	return s
}

func baseTx() *core.RawTransaction {
	return &core.RawTransaction{
		Signature:             sig(1),
		NumRequiredSignatures: 1,
		AccountKeys: []core.AccountMeta{
			{Pubkey: pk(0xA0), Writable: true, Signer: true},
			{Pubkey: pk(0xB0)}, // program
			{Pubkey: pk(0xC0)},
		},
	}
}

var block = core.BlockContext{Slot: 123, BlockTime: 1700000000}

// 展平顺序：主指令后紧跟其全部 inner 指令，InnerIndex 从 1 开始
func TestExtractFlattenOrder(t *testing.T) {
	tx := baseTx()
	tx.Instructions = []core.CompiledInstruction{
		{ProgramIDIndex: 1, AccountIndexes: []uint16{0}, Data: []byte{0x01}},
		{ProgramIDIndex: 1, AccountIndexes: []uint16{0}, Data: []byte{0x02}},
	}
	tx.InnerGroups = []core.InnerInstructionGroup{
		{IxIndex: 0, Instructions: []core.CompiledInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint16{0}, Data: []byte{0x11}},
			{ProgramIDIndex: 2, AccountIndexes: []uint16{0}, Data: []byte{0x12}},
		}},
	}

	tree, err := ExtractTransaction(&block, tx)
	require.NoError(t, err)
	require.Equal(t, 4, tree.Len())

	type pos struct{ ix, inner uint16 }
	var got []pos
	for i := 0; i < tree.Len(); i++ {
		got = append(got, pos{tree.At(i).IxIndex, tree.At(i).InnerIndex})
	}
	assert.Equal(t, []pos{{0, 0}, {0, 1}, {0, 2}, {1, 0}}, got)

	// inner 指令挂在对应主指令之下
	assert.Equal(t, -1, tree.Parent(0))
	assert.Equal(t, 0, tree.Parent(1))
	assert.Equal(t, 0, tree.Parent(2))
	assert.Equal(t, -1, tree.Parent(3))
	assert.Len(t, tree.Children(0), 2)
	assert.Empty(t, tree.Children(3))
}

// 账户索引解引用：指令携带的是 AccountMeta 而非裸索引
func TestExtractAccountDeref(t *testing.T) {
	tx := baseTx()
	tx.Instructions = []core.CompiledInstruction{
		{ProgramIDIndex: 1, AccountIndexes: []uint16{2, 0}, Data: []byte{0x01}},
	}

	tree, err := ExtractTransaction(&block, tx)
	require.NoError(t, err)

	ix := tree.At(0)
	assert.Equal(t, pk(0xB0), ix.ProgramID)
	require.Len(t, ix.Accounts, 2)
	assert.Equal(t, pk(0xC0), ix.Accounts[0].Pubkey)
	assert.Equal(t, pk(0xA0), ix.Accounts[1].Pubkey)
	assert.True(t, ix.Accounts[1].Signer)
}

// 元数据共享：签名、slot、账户表
func TestExtractMetadata(t *testing.T) {
	tx := baseTx()
	tx.Index = 7
	tx.LogMessages = []string{"Program log: hi"}
	tx.Instructions = []core.CompiledInstruction{
		{ProgramIDIndex: 1, AccountIndexes: []uint16{0}},
	}

	tree, err := ExtractTransaction(&block, tx)
	require.NoError(t, err)

	meta := tree.Meta
	assert.Equal(t, sig(1), meta.Signature)
	assert.Equal(t, uint64(123), meta.Slot)
	assert.Equal(t, int64(1700000000), meta.BlockTime)
	assert.Equal(t, uint32(7), meta.TxIndex)
	assert.Len(t, meta.AccountKeys, 3)
	assert.Len(t, meta.LogMessages, 1)
}

// 各类结构损坏都必须归入 ErrMalformedEnvelope
func TestExtractMalformed(t *testing.T) {
	t.Run("nil 交易", func(t *testing.T) {
		_, err := ExtractTransaction(&block, nil)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("缺签名", func(t *testing.T) {
		tx := baseTx()
		tx.Signature = types.Signature{}
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("账户列表为空", func(t *testing.T) {
		tx := baseTx()
		tx.AccountKeys = nil
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("signer 数超过账户数", func(t *testing.T) {
		tx := baseTx()
		tx.NumRequiredSignatures = 9
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("程序索引越界", func(t *testing.T) {
		tx := baseTx()
		tx.Instructions = []core.CompiledInstruction{{ProgramIDIndex: 99}}
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("账户索引越界", func(t *testing.T) {
		tx := baseTx()
		tx.Instructions = []core.CompiledInstruction{
			{ProgramIDIndex: 1, AccountIndexes: []uint16{99}},
		}
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("inner 块指向不存在的主指令", func(t *testing.T) {
		tx := baseTx()
		tx.Instructions = []core.CompiledInstruction{
			{ProgramIDIndex: 1, AccountIndexes: []uint16{0}},
		}
		tx.InnerGroups = []core.InnerInstructionGroup{
			{IxIndex: 5, Instructions: []core.CompiledInstruction{
				{ProgramIDIndex: 1, AccountIndexes: []uint16{0}},
			}},
		}
		_, err := ExtractTransaction(&block, tx)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}
