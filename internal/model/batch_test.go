package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBatchStatusString 测试批次状态字符串
func TestBatchStatusString(t *testing.T) {
	assert.Equal(t, "CREATED", BatchStatusCreated.String())
	assert.Equal(t, "IN_TRANSIT", BatchStatusInTransit.String())
	assert.Equal(t, "DELIVERED", BatchStatusDelivered.String())
	assert.Equal(t, "RECEIVED", BatchStatusReceived.String())
	assert.Equal(t, "REJECTED", BatchStatusRejected.String())
	assert.Equal(t, "UNKNOWN", BatchStatus(99).String())
}

// TestBatchOnChainTxHash 测试链上交易哈希读取
func TestBatchOnChainTxHash(t *testing.T) {
	txHash := "0x4e3a3754410177e6937ef1f84bba68ea139e8d1a2258c5f85db9f1cd715a1bdd"

	b := &Batch{}
	assert.Equal(t, "", b.OnChainTxHash())

	b.BlockchainTxHash = &txHash
	assert.Equal(t, txHash, b.OnChainTxHash())
}

// TestUserRoleString 测试用户角色字符串
func TestUserRoleString(t *testing.T) {
	assert.Equal(t, "FARMER", UserRoleFarmer.String())
	assert.Equal(t, "DISTRIBUTOR", UserRoleDistributor.String())
	assert.Equal(t, "RETAILER", UserRoleRetailer.String())
	assert.Equal(t, "CONSUMER", UserRoleConsumer.String())
	assert.Equal(t, "UNKNOWN", UserRole(99).String())
}

// TestBatchTableName 测试表名
func TestBatchTableName(t *testing.T) {
	assert.Equal(t, "batches", Batch{}.TableName())
	assert.Equal(t, "users", User{}.TableName())
}
