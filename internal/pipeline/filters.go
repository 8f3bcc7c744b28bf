package pipeline

import (
	"fmt"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/types"
)

// Commitment 表示订阅链上数据所要求的确认级别。
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment 解析配置中的确认级别，空值默认 confirmed。
func ParseCommitment(s string) (Commitment, error) {
	switch Commitment(s) {
	case "":
		return CommitmentConfirmed, nil
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return Commitment(s), nil
	default:
		return "", fmt.Errorf("invalid commitment level %q", s)
	}
}

// Filters 是数据源的声明式订阅谓词。构造后不可变：
// 数据源重连时必须用同一份 Filters 重建订阅请求，不依赖传输层保存状态。
type Filters struct {
	AccountInclude []types.Pubkey // 交易须引用其中至少一个账户（空表示不限制）
	AccountExclude []types.Pubkey // 交易引用任一账户即丢弃
	ProgramInclude []types.Pubkey // 交易须调用其中至少一个程序（空表示不限制）
	ExcludeVotes   bool           // 丢弃投票交易
	ExcludeFailed  bool           // 丢弃执行失败的交易
	Commitment     Commitment

	include map[types.Pubkey]struct{}
	exclude map[types.Pubkey]struct{}
	program map[types.Pubkey]struct{}
}

// NewFilters 构造并校验过滤器。include 与 exclude 交集视为配置错误。
func NewFilters(f Filters) (*Filters, error) {
	if f.Commitment == "" {
		f.Commitment = CommitmentConfirmed
	}

	f.include = make(map[types.Pubkey]struct{}, len(f.AccountInclude))
	for _, p := range f.AccountInclude {
		f.include[p] = struct{}{}
	}
	f.exclude = make(map[types.Pubkey]struct{}, len(f.AccountExclude))
	for _, p := range f.AccountExclude {
		if _, ok := f.include[p]; ok {
			return nil, fmt.Errorf("account %s appears in both include and exclude filters", p)
		}
		f.exclude[p] = struct{}{}
	}
	f.program = make(map[types.Pubkey]struct{}, len(f.ProgramInclude))
	for _, p := range f.ProgramInclude {
		f.program[p] = struct{}{}
	}
	return &f, nil
}

// MatchTransaction 判断一笔交易是否通过过滤。
// 数据源在交付 envelope 前调用；未通过的交易允许被静默跳过。
func (f *Filters) MatchTransaction(tx *core.RawTransaction) bool {
	if tx == nil {
		return false
	}
	if f.ExcludeVotes && tx.IsVote {
		return false
	}
	if f.ExcludeFailed && tx.Failed {
		return false
	}

	for _, acc := range tx.AccountKeys {
		if _, ok := f.exclude[acc.Pubkey]; ok {
			return false
		}
	}

	if len(f.include) > 0 {
		hit := false
		for _, acc := range tx.AccountKeys {
			if _, ok := f.include[acc.Pubkey]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	if len(f.program) > 0 {
		hit := false
		for _, inst := range tx.Instructions {
			if int(inst.ProgramIDIndex) >= len(tx.AccountKeys) {
				continue
			}
			if _, ok := f.program[tx.AccountKeys[inst.ProgramIDIndex].Pubkey]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// AccountIncludeStrs 返回 include 账户的 base58 形式，供订阅请求构造使用。
func (f *Filters) AccountIncludeStrs() []string {
	out := make([]string, 0, len(f.AccountInclude))
	for _, p := range f.AccountInclude {
		out = append(out, p.String())
	}
	return out
}
