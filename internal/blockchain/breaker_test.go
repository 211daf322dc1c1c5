package blockchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCircuitBreakerOpensAfterThreshold 测试连续失败达到阈值后打开
func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	assert.False(t, b.Open())

	b.RecordFailure()
	assert.False(t, b.Allow())
	assert.True(t, b.Open())
}

// TestCircuitBreakerSuccessResets 测试一次成功即关闭并清零
func TestCircuitBreakerSuccessResets(t *testing.T) {
	b := NewCircuitBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	// 清零后需要重新累计到阈值
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.True(t, b.Allow())
	assert.Equal(t, 0, b.Failures())
}

// TestCircuitBreakerCooldown 测试冷却窗口结束后放行探测
func TestCircuitBreakerCooldown(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewCircuitBreaker(3, 30*time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Allow())

	// 冷却未结束
	now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())

	// 冷却结束，放行探测
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())

	// 探测失败立即重新打开
	b.RecordFailure()
	assert.False(t, b.Allow())

	// 再次冷却后探测成功则保持关闭
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.True(t, b.Allow())
	assert.False(t, b.Open())
}

// TestCircuitBreakerDefaults 测试默认参数
func TestCircuitBreakerDefaults(t *testing.T) {
	b := NewCircuitBreaker(0, 0)
	assert.Equal(t, 3, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
}
