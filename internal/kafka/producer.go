// Package kafka 提供 Kafka 生产者功能
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// TopicBatchEvents 批次链上事件 Topic
//
// 生产者: agrichain-chain (事件处理器)
// 消费者: 信任评分 / 通知等下游服务
// Partition Key: batch_id
// 消息格式: model.BatchEventMessage
const TopicBatchEvents = "batch-events"

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	metrics.RecordKafkaMessage(topic)
	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendBatchEvent 发送批次链上事件
func (p *Producer) SendBatchEvent(ctx context.Context, event *model.BatchEventMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(TopicBatchEvents, event.BatchID, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishBatchEvent(ctx context.Context, event *model.BatchEventMessage) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishBatchEvent(ctx context.Context, event *model.BatchEventMessage) error {
	return p.producer.SendBatchEvent(ctx, event)
}

// NopPublisher 空发布器，未配置 Kafka 时使用
type NopPublisher struct{}

func (NopPublisher) PublishBatchEvent(ctx context.Context, event *model.BatchEventMessage) error {
	return nil
}
