// Package processors 提供挂接在注册表上的处理器实现。
package processors

import (
	"context"
	"fmt"
	"reflect"

	"github.com/near/borsh-go"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/decoders/spltoken"
	"dex-pipeline-sol/internal/decoders/system"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/publisher"
)

// 事件帧的 kind 编号（4 字节小端前缀），下游消费端按此分发
const (
	FrameTokenTransfer     uint32 = 1
	FrameTokenMintTo       uint32 = 2
	FrameTokenBurn         uint32 = 3
	FrameTokenCloseAccount uint32 = 4
	FrameSystemCreate      uint32 = 5
	FrameSystemTransfer    uint32 = 6
)

var frameKinds = map[string]uint32{
	spltoken.KindTransfer:        FrameTokenTransfer,
	spltoken.KindTransferChecked: FrameTokenTransfer,
	spltoken.KindMintTo:          FrameTokenMintTo,
	spltoken.KindBurn:            FrameTokenBurn,
	spltoken.KindCloseAccount:    FrameTokenCloseAccount,
	system.KindCreateAccount:     FrameSystemCreate,
	system.KindTransfer:          FrameSystemTransfer,
}

// PublishProcessor 把解码成功的指令序列化为事件帧并发布到下游。
// 发布失败返回 error，由调度层记日志与计数，不影响其他指令。
type PublishProcessor struct {
	pub publisher.Publisher
}

func NewPublishProcessor(pub publisher.Publisher) *PublishProcessor {
	return &PublishProcessor{pub: pub}
}

func (p *PublishProcessor) Process(
	ctx context.Context,
	meta *core.InstructionMetadata,
	decoded *core.DecodedInstruction,
	_ []*core.RawInstruction,
	_ *metrics.Aggregator,
) error {
	kind, ok := frameKinds[decoded.Kind]
	if !ok {
		// decoder 与帧表不同步属于编码错误，直接暴露
		return fmt.Errorf("no frame kind for %q", decoded.Kind)
	}

	// borsh 把指针当 Option 编码，序列化前取值
	val := decoded.Payload
	if rv := reflect.ValueOf(val); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		val = rv.Elem().Interface()
	}
	payload, err := borsh.Serialize(val)
	if err != nil {
		return fmt.Errorf("serialize %s payload: %w", decoded.Kind, err)
	}

	return p.pub.Publish(ctx, []*publisher.Event{{
		Kind:      kind,
		Slot:      meta.Slot,
		Signature: meta.Signature,
		Payload:   payload,
	}})
}
