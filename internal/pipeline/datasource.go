package pipeline

import (
	"context"
	"errors"
	"fmt"

	"dex-pipeline-sol/internal/core"
)

// Datasource 是所有数据源变体（gRPC 流 / WebSocket 订阅 / RPC 轮询）的统一能力边界：
// 产出一个惰性、无界的 RawEnvelope 序列，可取消，可重启续传。
//
// 约定：
//   - Consume 阻塞运行，直到 ctx 取消（返回 nil）或发生不可重试错误（返回 *SourceError）；
//   - 可重试错误（断连、超时）由数据源内部退避重连消化，不向上抛出；
//   - 未通过过滤校验的 envelope 允许静默跳过；通过过滤的 envelope 绝不允许静默丢弃：
//     out 写入受阻时数据源必须等待（背压），而不是丢数据。
type Datasource interface {
	Consume(ctx context.Context, out chan<- *core.RawEnvelope) error
	Shutdown() error
}

// SourceError 区分数据源错误的可重试性。
// Retryable 错误由数据源内部处理；Fatal 错误（认证拒绝、过滤器非法）使管线进入 Failed。
type SourceError struct {
	Op        string // 出错环节，如 "subscribe"、"poll"
	Err       error
	Retryable bool
}

func (e *SourceError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("source %s error (%s): %v", e.Op, kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// RetryableSourceError 包装瞬时错误（网络抖动、流中断），数据源据此决定退避重连。
func RetryableSourceError(op string, err error) *SourceError {
	return &SourceError{Op: op, Err: err, Retryable: true}
}

// FatalSourceError 包装不可恢复错误，会终止整条管线。
func FatalSourceError(op string, err error) *SourceError {
	return &SourceError{Op: op, Err: err, Retryable: false}
}

// IsFatalSourceError 判断错误链中是否含不可重试的数据源错误。
func IsFatalSourceError(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return !se.Retryable
	}
	return false
}
