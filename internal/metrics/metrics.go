// Package metrics 提供 agrichain-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agrichain_chain"

// 事件管道指标
var (
	// EventsIngestedTotal 已入库事件总数
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "已入库链上事件总数",
		},
		[]string{"event_type", "result"}, // result: inserted, duplicate
	)

	// EventsProcessedTotal 已处理事件总数
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "已处理链上事件总数",
		},
		[]string{"event_type", "result"}, // result: completed, failed, poisoned, skipped
	)

	// EventProcessDuration 单事件处理耗时
	EventProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_process_duration_seconds",
			Help:      "单个事件处理耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"event_type"},
	)

	// EventBacklogGauge 事件积压数量
	EventBacklogGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_backlog_total",
			Help:      "未达终态的事件数量 (不含已隔离)",
		},
	)

	// EventRetriesTotal 事件重试总数
	EventRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_retries_total",
			Help:      "事件重试总数",
		},
	)
)

// 监听循环指标
var (
	// ListenerCyclesTotal 轮询周期总数
	ListenerCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_cycles_total",
			Help:      "监听器轮询周期总数",
		},
		[]string{"result"}, // ok, error, panic
	)

	// ListenerCursorGauge 监听器游标区块高度
	ListenerCursorGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_cursor_block",
			Help:      "监听器当前游标区块高度",
		},
	)

	// LatestChainBlockGauge 链上最新区块高度
	LatestChainBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_chain_block",
			Help:      "链上最新区块高度",
		},
	)
)

// 区块链交互指标
var (
	// ChainRPCTotal RPC 调用总数
	ChainRPCTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_rpc_total",
			Help:      "区块链 RPC 调用总数",
		},
		[]string{"method", "status"}, // status: success, failed, short_circuited
	)

	// ChainTxTotal 链上交易总数
	ChainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"type", "status"}, // type: mint/transfer, status: success/mocked
	)

	// ChainTxDuration 链上交易确认耗时
	ChainTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_tx_duration_seconds",
			Help:      "链上交易确认耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	// CircuitBreakerOpenGauge 熔断器状态 (1=打开)
	CircuitBreakerOpenGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "区块链熔断器状态 (1=打开, 0=关闭)",
		},
	)
)

// 批次业务指标
var (
	// BatchesTotal 批次操作总数
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "批次操作总数",
		},
		[]string{"operation", "status"}, // operation: create/transfer, status: success/failed
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic"},
	)
)

// Helper functions

// RecordEventIngested 记录事件入库
func RecordEventIngested(eventType string, inserted bool) {
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	EventsIngestedTotal.WithLabelValues(eventType, result).Inc()
}

// RecordEventProcessed 记录事件处理结果
func RecordEventProcessed(eventType, result string, durationSeconds float64) {
	EventsProcessedTotal.WithLabelValues(eventType, result).Inc()
	if durationSeconds > 0 {
		EventProcessDuration.WithLabelValues(eventType).Observe(durationSeconds)
	}
}

// RecordListenerCycle 记录轮询周期
func RecordListenerCycle(result string) {
	ListenerCyclesTotal.WithLabelValues(result).Inc()
}

// RecordChainRPC 记录 RPC 调用
func RecordChainRPC(method, status string) {
	ChainRPCTotal.WithLabelValues(method, status).Inc()
}

// RecordChainTx 记录链上交易
func RecordChainTx(txType string, mocked bool, durationSeconds float64) {
	status := "success"
	if mocked {
		status = "mocked"
	}
	ChainTxTotal.WithLabelValues(txType, status).Inc()
	if durationSeconds > 0 {
		ChainTxDuration.WithLabelValues(txType).Observe(durationSeconds)
	}
}

// RecordBatchOperation 记录批次操作
func RecordBatchOperation(operation, status string) {
	BatchesTotal.WithLabelValues(operation, status).Inc()
}

// RecordKafkaMessage 记录 Kafka 生产消息
func RecordKafkaMessage(topic string) {
	KafkaMessagesProduced.WithLabelValues(topic).Inc()
}

// UpdateBacklog 更新事件积压数量
func UpdateBacklog(count int64) {
	EventBacklogGauge.Set(float64(count))
}

// UpdateCursor 更新监听器游标
func UpdateCursor(cursor uint64) {
	ListenerCursorGauge.Set(float64(cursor))
}

// UpdateChainHead 更新链上最新高度
func UpdateChainHead(head uint64) {
	LatestChainBlockGauge.Set(float64(head))
}

// UpdateCircuitBreaker 更新熔断器状态
func UpdateCircuitBreaker(open bool) {
	if open {
		CircuitBreakerOpenGauge.Set(1)
	} else {
		CircuitBreakerOpenGauge.Set(0)
	}
}
