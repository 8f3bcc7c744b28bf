package types

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Signature 表示交易签名（64 字节原始数据）。
// 同一笔交易的所有指令共享同一个签名，可作为去重键使用。
type Signature [64]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

// SignatureFromBytes 从原始字节构造 Signature，长度不合法时返回 error
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != 64 {
		return Signature{}, fmt.Errorf("invalid signature length: got %d, want 64", len(b))
	}
	var s Signature
	copy(s[:], b)
	return s, nil
}

// TrySignatureFromBase58 解析 base58 字符串为 Signature（用于 RPC 返回值路径）
func TrySignatureFromBase58(str string) (Signature, error) {
	data, err := base58.Decode(str)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to decode base58 signature %q: %w", str, err)
	}
	return SignatureFromBytes(data)
}
