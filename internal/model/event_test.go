package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventStatusString 测试事件状态字符串
func TestEventStatusString(t *testing.T) {
	assert.Equal(t, "PENDING", EventStatusPending.String())
	assert.Equal(t, "PROCESSING", EventStatusProcessing.String())
	assert.Equal(t, "COMPLETED", EventStatusCompleted.String())
	assert.Equal(t, "FAILED", EventStatusFailed.String())
	assert.Equal(t, "UNKNOWN", EventStatus(99).String())
}

// TestBlockchainEventPoisoned 测试毒丸判定
func TestBlockchainEventPoisoned(t *testing.T) {
	retryAt := int64(1700000000000)

	t.Run("failed without next retry is poisoned", func(t *testing.T) {
		e := &BlockchainEvent{Status: EventStatusFailed, NextRetryAt: nil}
		assert.True(t, e.Poisoned())
	})

	t.Run("failed with next retry is not poisoned", func(t *testing.T) {
		e := &BlockchainEvent{Status: EventStatusFailed, NextRetryAt: &retryAt}
		assert.False(t, e.Poisoned())
	})

	t.Run("pending is not poisoned", func(t *testing.T) {
		e := &BlockchainEvent{Status: EventStatusPending}
		assert.False(t, e.Poisoned())
	})
}

// TestParseEventArgs 测试事件参数解析
func TestParseEventArgs(t *testing.T) {
	batchID := "a2f0b8a4-1111-4222-8333-444455556666"

	t.Run("batch minted", func(t *testing.T) {
		args, err := ParseEventArgs(EventBatchMinted, map[string]string{
			"batchId":     batchID,
			"metadataCID": "QmTestCID",
		})
		require.NoError(t, err)

		mint, ok := args.(MintArgs)
		require.True(t, ok)
		assert.Equal(t, batchID, mint.BatchID)
		assert.Equal(t, "QmTestCID", mint.MetadataCID)
	})

	t.Run("ownership transferred", func(t *testing.T) {
		args, err := ParseEventArgs(EventOwnershipTransferred, map[string]string{
			"batchId": batchID,
			"from":    "0xAAA0000000000000000000000000000000000001",
			"to":      "0xBBB0000000000000000000000000000000000002",
		})
		require.NoError(t, err)

		transfer, ok := args.(TransferArgs)
		require.True(t, ok)
		assert.Equal(t, batchID, transfer.BatchID)
		assert.Equal(t, "0xAAA0000000000000000000000000000000000001", transfer.From)
		assert.Equal(t, "0xBBB0000000000000000000000000000000000002", transfer.To)
	})

	t.Run("missing batch id", func(t *testing.T) {
		_, err := ParseEventArgs(EventBatchMinted, map[string]string{})
		assert.Error(t, err)
	})

	t.Run("malformed batch id", func(t *testing.T) {
		_, err := ParseEventArgs(EventBatchMinted, map[string]string{
			"batchId": "not-a-uuid",
		})
		assert.Error(t, err)
	})

	t.Run("transfer missing to address", func(t *testing.T) {
		_, err := ParseEventArgs(EventOwnershipTransferred, map[string]string{
			"batchId": batchID,
			"from":    "0xAAA0000000000000000000000000000000000001",
		})
		assert.Error(t, err)
	})

	t.Run("unknown event is forward compatible", func(t *testing.T) {
		args, err := ParseEventArgs("QualityCertified", map[string]string{
			"batchId": batchID,
			"grade":   "A",
		})
		require.NoError(t, err)

		unknown, ok := args.(UnknownArgs)
		require.True(t, ok)
		assert.Equal(t, "QualityCertified", unknown.EventName)
		assert.Equal(t, "A", unknown.Raw["grade"])
	})
}

// TestBlockchainEventTableName 测试表名
func TestBlockchainEventTableName(t *testing.T) {
	assert.Equal(t, "blockchain_events", BlockchainEvent{}.TableName())
}
