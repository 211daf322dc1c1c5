package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
	"github.com/agrichain/agrichain-chain/internal/config"
	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// ListenerService 链上事件监听循环
//
// 每个周期：先重试到期的失败事件，再从游标拉取新事件入库并应用。
// 游标只存在于内存，重启后从已完成事件的最大区块 +1 恢复。
type ListenerService struct {
	chain     ChainClient
	eventRepo repository.EventRepository
	processor *ProcessorService
	cfg       config.ListenerConfig

	mu        sync.RWMutex
	running   bool
	stopping  bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	cursor    uint64
	startedAt time.Time
	cycles    uint64
}

// ListenerStatus 监听器运行状态
type ListenerStatus struct {
	Running       bool   `json:"running"`
	CurrentBlock  uint64 `json:"current_block"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BacklogSize   int64  `json:"backlog_size"`
}

// NewListenerService 创建监听器
func NewListenerService(
	chain ChainClient,
	eventRepo repository.EventRepository,
	processor *ProcessorService,
	cfg config.ListenerConfig,
) *ListenerService {
	return &ListenerService{
		chain:     chain,
		eventRepo: eventRepo,
		processor: processor,
		cfg:       cfg,
	}
}

// Start 启动监听循环，重复调用是空操作
func (s *ListenerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	lastBlock, ok, err := s.eventRepo.LastProcessedBlock(ctx)
	if err != nil {
		return fmt.Errorf("resolve start cursor: %w", err)
	}
	if ok {
		s.cursor = uint64(lastBlock) + 1
	} else {
		s.cursor = uint64(s.cfg.StartBlock)
	}

	s.running = true
	s.startedAt = time.Now()
	s.cycles = 0
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	logger.Info("event listener starting",
		zap.Uint64("cursor", s.cursor),
		zap.Int("poll_interval_s", s.cfg.PollInterval))

	go s.runLoop(ctx)
	return nil
}

// Stop 停止监听循环并等待退出；并发调用只关闭一次，全部等到退出完成
func (s *ListenerService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()

	logger.Info("event listener stopped")
}

// IsRunning 监听器是否在运行
func (s *ListenerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// CurrentBlock 当前游标区块高度
func (s *ListenerService) CurrentBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// UptimeSeconds 运行时长 (秒)
func (s *ListenerService) UptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return int64(time.Since(s.startedAt).Seconds())
}

// Status 运行状态汇总
func (s *ListenerService) Status(ctx context.Context) ListenerStatus {
	status := ListenerStatus{
		Running:       s.IsRunning(),
		CurrentBlock:  s.CurrentBlock(),
		UptimeSeconds: s.UptimeSeconds(),
	}
	if backlog, err := s.eventRepo.BacklogSize(ctx); err == nil {
		status.BacklogSize = backlog
	}
	return status
}

// runLoop 监听主循环
func (s *ListenerService) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	pollInterval := time.Duration(s.cfg.PollInterval) * time.Second
	maxBackoff := time.Duration(s.cfg.MaxBackoffSeconds) * time.Second
	sleep := pollInterval

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.safeCycle(ctx); err != nil {
			metrics.RecordListenerCycle("error")
			logger.Warn("listener cycle failed",
				zap.Uint64("cursor", s.CurrentBlock()),
				zap.Duration("backoff", sleep),
				zap.Error(err))
			// 周期出错时指数退避，封顶后保持
			sleep = sleep * 2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
		} else {
			metrics.RecordListenerCycle("ok")
			sleep = pollInterval
		}

		s.heartbeat(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// safeCycle 执行一个周期，panic 恢复为错误
func (s *ListenerService) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordListenerCycle("panic")
			err = fmt.Errorf("listener cycle panic: %v", r)
		}
	}()
	return s.cycle(ctx)
}

// cycle 一个轮询周期：重试 → 拉取 → 入库 → 应用
func (s *ListenerService) cycle(ctx context.Context) error {
	s.retryDueEvents(ctx)

	cursor := s.CurrentBlock()
	events, next, err := s.chain.FetchEvents(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch events from %d: %w", cursor, err)
	}

	for _, ev := range events {
		// 入库失败时游标不前进，下个周期重新拉取同一区间；
		// 幂等入库保证已落盘的事件重放安全
		if err := s.ingest(ctx, ev); err != nil {
			return fmt.Errorf("ingest event %s:%d: %w", ev.TxHash, ev.LogIndex, err)
		}
	}

	s.mu.Lock()
	s.cursor = next
	s.cycles++
	s.mu.Unlock()
	metrics.UpdateCursor(next)

	if backlog, err := s.eventRepo.BacklogSize(ctx); err == nil {
		metrics.UpdateBacklog(backlog)
	}
	return nil
}

// retryDueEvents 重放到期待重试的失败事件
func (s *ListenerService) retryDueEvents(ctx context.Context) {
	events, err := s.eventRepo.RetriableEvents(ctx, s.cfg.RetryBatchLimit)
	if err != nil {
		logger.Warn("load retriable events failed", zap.Error(err))
		return
	}
	for _, ev := range events {
		// 处理失败已在处理器内部落盘，这里继续下一个
		_ = s.processor.ProcessEvent(ctx, ev.ID)
	}
}

// ingest 事件入库并立即应用
func (s *ListenerService) ingest(ctx context.Context, ev blockchain.ContractEvent) error {
	argsJSON, err := json.Marshal(ev.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	id, inserted, err := s.eventRepo.Upsert(ctx, &model.BlockchainEvent{
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		EventName:   ev.EventName,
		BlockNumber: ev.BlockNumber,
		ArgsJSON:    string(argsJSON),
	})
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	metrics.RecordEventIngested(ev.EventName, inserted)

	// 重复事件也交给处理器，终态行会被静默跳过
	_ = s.processor.ProcessEvent(ctx, id)
	return nil
}

// heartbeat 周期性输出运行状态日志
func (s *ListenerService) heartbeat(ctx context.Context) {
	if s.cfg.HeartbeatCycles <= 0 {
		return
	}

	s.mu.RLock()
	cycles := s.cycles
	cursor := s.cursor
	s.mu.RUnlock()

	if cycles == 0 || cycles%uint64(s.cfg.HeartbeatCycles) != 0 {
		return
	}

	backlog, _ := s.eventRepo.BacklogSize(ctx)
	logger.Info("listener heartbeat",
		zap.Uint64("cycles", cycles),
		zap.Uint64("cursor", cursor),
		zap.Int64("backlog", backlog),
		zap.Int64("uptime_s", s.UptimeSeconds()))
}
