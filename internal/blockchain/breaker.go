package blockchain

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// CircuitBreaker RPC 熔断器
//
// 连续失败达到阈值后打开，冷却窗口内所有链上调用直接走降级路径；
// 一次成功即关闭并清零计数。状态仅存在于进程内。
type CircuitBreaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow 当前是否允许发起链上调用
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		// 冷却结束，放行探测请求；失败会立即重新打开
		b.openedAt = time.Time{}
		b.failures = b.threshold - 1
		metrics.UpdateCircuitBreaker(false)
		return true
	}
	return false
}

// RecordSuccess 记录一次成功调用，关闭熔断器
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if !b.openedAt.IsZero() {
		b.openedAt = time.Time{}
		logger.Info("circuit breaker closed")
	}
	metrics.UpdateCircuitBreaker(false)
}

// RecordFailure 记录一次失败调用，达到阈值时打开熔断器
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold && b.openedAt.IsZero() {
		b.openedAt = b.now()
		logger.Warn("circuit breaker opened",
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cooldown))
		metrics.UpdateCircuitBreaker(true)
	}
}

// Open 熔断器是否处于打开状态 (不触发冷却恢复)
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openedAt.IsZero() && b.now().Sub(b.openedAt) < b.cooldown
}

// Failures 当前连续失败次数
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
