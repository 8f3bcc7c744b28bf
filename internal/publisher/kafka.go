package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/pkg/mq"
	"dex-pipeline-sol/internal/pkg/utils"
)

const defaultSendTimeout = 10 * time.Second

// KafkaPublisher 把事件帧发布到单一 topic。
// 分区按交易签名哈希，同一笔交易的事件落在同一分区，保序。
type KafkaPublisher struct {
	producer   *kafka.Producer
	topic      string
	partitions int
	timeout    time.Duration
}

func NewKafkaPublisher(cfg mq.ProducerOption) (*KafkaPublisher, error) {
	producer, err := mq.NewKafkaProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return &KafkaPublisher{
		producer:   producer,
		topic:      cfg.Topic,
		partitions: partitions,
		timeout:    defaultSendTimeout,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	jobs := make([]*mq.Job, 0, len(events))
	for _, ev := range events {
		jobs = append(jobs, &mq.Job{
			Topic:     p.topic,
			Partition: int32(utils.PartitionHashBytes(ev.Signature[:], uint32(p.partitions))),
			// key 携带链 ID 与签名，供下游按来源链路由与判重
			Key:   []byte(fmt.Sprintf("%d:%s", consts.ChainIDSolana, ev.Signature)),
			Value: EncodeFrame(ev.Kind, ev.Payload),
		})
	}

	_, failed := mq.SendJobs(ctx, p.producer, jobs, p.timeout)
	if len(failed) > 0 {
		for _, f := range failed {
			logger.Errorf("[publisher] kafka send failed: topic=%s partition=%d err=%v",
				f.Job.Topic, f.Job.Partition, f.Err)
		}
		return fmt.Errorf("kafka publish: %d/%d messages failed", len(failed), len(jobs))
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	// Flush 等待未决消息投递完成后再关闭
	p.producer.Flush(int(p.timeout / time.Millisecond))
	p.producer.Close()
}
