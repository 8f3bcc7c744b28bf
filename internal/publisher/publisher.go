package publisher

import (
	"context"

	"dex-pipeline-sol/internal/pkg/logger"
)

// Publisher 是事件出口的统一能力边界。
// Publish 的失败由调用方记日志与计数，不向上传播为管线故障。
type Publisher interface {
	Publish(ctx context.Context, events []*Event) error
	Close()
}

// LogPublisher 把事件打到日志，开发与测试环境使用。
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(_ context.Context, events []*Event) error {
	for _, ev := range events {
		logger.Infof("[publisher] event kind=%d slot=%d tx=%s payload=%d bytes",
			ev.Kind, ev.Slot, ev.Signature, len(ev.Payload))
	}
	return nil
}

func (p *LogPublisher) Close() {}
