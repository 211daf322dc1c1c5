package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrichain/agrichain-chain/internal/model"
)

func newMockProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	mock := mocks.NewSyncProducer(t, cfg)
	return &Producer{producer: mock}, mock
}

// TestSendBatchEvent 测试批次事件发送
func TestSendBatchEvent(t *testing.T) {
	p, mock := newMockProducer(t)

	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var msg model.BatchEventMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return err
		}
		assert.Equal(t, "BatchMinted", msg.EventName)
		assert.Equal(t, "a2f0b8a4-1111-4222-8333-444455556666", msg.BatchID)
		assert.Equal(t, int64(120), msg.BlockNumber)
		return nil
	})

	err := p.SendBatchEvent(context.Background(), &model.BatchEventMessage{
		EventName:   "BatchMinted",
		BatchID:     "a2f0b8a4-1111-4222-8333-444455556666",
		TxHash:      "0x4e3a3754410177e6937ef1f84bba68ea139e8d1a2258c5f85db9f1cd715a1bdd",
		BlockNumber: 120,
		MetadataCID: "QmTestCID",
		AppliedAt:   1700000000000,
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

// TestSendAfterClose 测试关闭后发送报错
func TestSendAfterClose(t *testing.T) {
	p, _ := newMockProducer(t)
	require.NoError(t, p.Close())
	// 重复关闭幂等
	require.NoError(t, p.Close())

	err := p.SendBatchEvent(context.Background(), &model.BatchEventMessage{BatchID: "x"})
	assert.Error(t, err)
}

// TestNopPublisher 测试空发布器
func TestNopPublisher(t *testing.T) {
	var pub EventPublisher = NopPublisher{}
	assert.NoError(t, pub.PublishBatchEvent(context.Background(), &model.BatchEventMessage{}))
}

// TestTopicName 测试 Topic 命名
func TestTopicName(t *testing.T) {
	assert.Equal(t, "batch-events", TopicBatchEvents)
}
