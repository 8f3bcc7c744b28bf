// Package publisher 将处理器产出的事件发布到下游（Kafka 或日志）。
// 消息帧格式：4 字节小端 kind 前缀 + borsh 序列化的事件体。
package publisher

import (
	"encoding/binary"
	"fmt"

	"dex-pipeline-sol/internal/types"
)

// Event 是一条待发布的事件：kind 标识事件类型，Payload 为序列化后的事件体。
type Event struct {
	Kind      uint32
	Slot      uint64
	Signature types.Signature
	Payload   []byte
}

const kindPrefixLen = 4

// EncodeFrame 编码消息帧：4 字节小端 kind + payload。
func EncodeFrame(kind uint32, payload []byte) []byte {
	buf := make([]byte, kindPrefixLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:kindPrefixLen], kind)
	copy(buf[kindPrefixLen:], payload)
	return buf
}

// DecodeFrame 解码消息帧，返回 (kind, payload)。
func DecodeFrame(frame []byte) (uint32, []byte, error) {
	if len(frame) < kindPrefixLen {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	return binary.LittleEndian.Uint32(frame[:kindPrefixLen]), frame[kindPrefixLen:], nil
}
