// Package progress 持久化 slot 处理进度：
// Redis 做高频幂等判重，Postgres 做持久记录，重启后轮询数据源据此续传。
package progress

// SlotStatus 表示 slot 的处理状态（Redis 与 DB 统一编码）
type SlotStatus int

const (
	SlotUnknown   SlotStatus = 0 // Redis 不存在
	SlotProcessed SlotStatus = 1 // 已处理成功
	SlotInvalid   SlotStatus = 2 // 明确结构错误、跳过
	SlotPending   SlotStatus = 3 // 标记中，暂未完成（仅 Redis 用）
)

// 事件来源（数据源变体）
const (
	SourceUnknown int16 = 0
	SourceGrpc    int16 = 1
	SourceWs      int16 = 2
	SourceRpc     int16 = 3
)

func SourceName(src int16) string {
	switch src {
	case SourceGrpc:
		return "grpc"
	case SourceWs:
		return "ws"
	case SourceRpc:
		return "rpc"
	default:
		return "unknown"
	}
}

// SlotRecord 表示一条待写入 DB 的 slot 记录
type SlotRecord struct {
	Slot      uint64
	Source    int16
	BlockTime int64 // Unix timestamp（秒）
	Status    SlotStatus
}
