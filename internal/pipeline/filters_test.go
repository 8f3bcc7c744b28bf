package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/types"
)

func filterTx(accounts ...core.AccountMeta) *core.RawTransaction {
	return &core.RawTransaction{AccountKeys: accounts}
}

// include 与 exclude 交集属于配置错误
func TestFiltersIncludeExcludeOverlap(t *testing.T) {
	_, err := NewFilters(Filters{
		AccountInclude: []types.Pubkey{testPubkey(1)},
		AccountExclude: []types.Pubkey{testPubkey(1)},
	})
	assert.Error(t, err)
}

func TestFiltersMatch(t *testing.T) {
	f, err := NewFilters(Filters{
		AccountInclude: []types.Pubkey{testPubkey(1)},
		AccountExclude: []types.Pubkey{testPubkey(2)},
		ExcludeVotes:   true,
		ExcludeFailed:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, CommitmentConfirmed, f.Commitment)

	t.Run("引用 include 账户则通过", func(t *testing.T) {
		tx := filterTx(core.AccountMeta{Pubkey: testPubkey(1)})
		assert.True(t, f.MatchTransaction(tx))
	})

	t.Run("未引用 include 账户则丢弃", func(t *testing.T) {
		tx := filterTx(core.AccountMeta{Pubkey: testPubkey(9)})
		assert.False(t, f.MatchTransaction(tx))
	})

	t.Run("引用 exclude 账户优先丢弃", func(t *testing.T) {
		tx := filterTx(
			core.AccountMeta{Pubkey: testPubkey(1)},
			core.AccountMeta{Pubkey: testPubkey(2)},
		)
		assert.False(t, f.MatchTransaction(tx))
	})

	t.Run("投票与失败交易被丢弃", func(t *testing.T) {
		vote := filterTx(core.AccountMeta{Pubkey: testPubkey(1)})
		vote.IsVote = true
		assert.False(t, f.MatchTransaction(vote))

		failed := filterTx(core.AccountMeta{Pubkey: testPubkey(1)})
		failed.Failed = true
		assert.False(t, f.MatchTransaction(failed))
	})
}

// program include：至少一条指令调用指定程序
func TestFiltersProgramInclude(t *testing.T) {
	f, err := NewFilters(Filters{
		ProgramInclude: []types.Pubkey{testPubkey(5)},
	})
	require.NoError(t, err)

	hit := filterTx(
		core.AccountMeta{Pubkey: testPubkey(1)},
		core.AccountMeta{Pubkey: testPubkey(5)},
	)
	hit.Instructions = []core.CompiledInstruction{{ProgramIDIndex: 1}}
	assert.True(t, f.MatchTransaction(hit))

	miss := filterTx(
		core.AccountMeta{Pubkey: testPubkey(1)},
		core.AccountMeta{Pubkey: testPubkey(6)},
	)
	miss.Instructions = []core.CompiledInstruction{{ProgramIDIndex: 1}}
	assert.False(t, f.MatchTransaction(miss))
}

func TestParseCommitment(t *testing.T) {
	c, err := ParseCommitment("")
	require.NoError(t, err)
	assert.Equal(t, CommitmentConfirmed, c)

	c, err = ParseCommitment("finalized")
	require.NoError(t, err)
	assert.Equal(t, CommitmentFinalized, c)

	_, err = ParseCommitment("nonsense")
	assert.Error(t, err)
}
