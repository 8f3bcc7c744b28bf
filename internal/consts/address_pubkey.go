package consts

import "dex-pipeline-sol/internal/types"

// Pubkey 形式的地址常量（热路径上直接比较，避免重复 base58 解码）
var (
	SystemProgram          = types.PubkeyFromBase58(SystemProgramStr)
	TokenProgram           = types.PubkeyFromBase58(TokenProgramStr)
	TokenProgram2022       = types.PubkeyFromBase58(TokenProgram2022Str)
	AssociatedTokenProgram = types.PubkeyFromBase58(AssociatedTokenProgramStr)
	ComputeBudgetProgram   = types.PubkeyFromBase58(ComputeBudgetProgramStr)
	VoteProgram            = types.PubkeyFromBase58(VoteProgramStr)

	WSOLMint = types.PubkeyFromBase58(WSOLMintStr)
)
