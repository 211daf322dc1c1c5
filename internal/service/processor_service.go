// Package service 实现链上事件入库、应用与监听的业务逻辑
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/kafka"
	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// ErrPermanentFailure 永久性数据错误，重试不可能成功
var ErrPermanentFailure = errors.New("permanent event failure")

// permanent 将错误标记为永久性失败
func permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
}

// ProcessorService 链上事件处理器
//
// 单个事件的应用在一个数据库事务内完成：认领 → 解析 → 批次变更 → 终态。
// 事务失败回滚后在新会话里记录失败或隔离。
type ProcessorService struct {
	eventRepo repository.EventRepository
	batchRepo repository.BatchRepository
	userRepo  repository.UserRepository
	publisher kafka.EventPublisher

	// quarantine 永久性数据错误是否立即隔离
	quarantine bool
}

// NewProcessorService 创建事件处理器
func NewProcessorService(
	eventRepo repository.EventRepository,
	batchRepo repository.BatchRepository,
	userRepo repository.UserRepository,
	publisher kafka.EventPublisher,
	quarantine bool,
) *ProcessorService {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &ProcessorService{
		eventRepo:  eventRepo,
		batchRepo:  batchRepo,
		userRepo:   userRepo,
		publisher:  publisher,
		quarantine: quarantine,
	}
}

// ProcessEvent 处理一个已入库的事件
//
// 终态事件与未到重试时间的事件静默跳过；应用失败的事件按
// 指数退避安排重试，永久性数据错误按配置立即隔离
func (s *ProcessorService) ProcessEvent(ctx context.Context, eventID int64) error {
	start := time.Now()

	var (
		applied   *model.BatchEventMessage
		eventName = "unknown"
		skipped   bool
	)

	err := s.eventRepo.Transaction(ctx, func(txCtx context.Context) error {
		event, err := s.eventRepo.BeginProcessing(txCtx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			skipped = true
			return nil
		}
		eventName = event.EventName

		msg, err := s.apply(txCtx, event)
		if err != nil {
			return err
		}
		applied = msg

		return s.eventRepo.MarkCompleted(txCtx, event.ID)
	})

	if err != nil {
		s.recordFailure(ctx, eventID, eventName, err, time.Since(start))
		return err
	}

	if skipped {
		metrics.RecordEventProcessed(eventName, "skipped", 0)
		return nil
	}

	metrics.RecordEventProcessed(eventName, "completed", time.Since(start).Seconds())

	// 发布在事务提交之后，失败只记日志，不影响事件终态
	if applied != nil {
		if err := s.publisher.PublishBatchEvent(ctx, applied); err != nil {
			logger.Warn("publish batch event failed",
				zap.String("batch_id", applied.BatchID),
				zap.String("event", applied.EventName),
				zap.Error(err))
		}
	}
	return nil
}

// recordFailure 事务回滚后在新会话里落盘失败状态
func (s *ProcessorService) recordFailure(ctx context.Context, eventID int64, eventName string, cause error, elapsed time.Duration) {
	if errors.Is(cause, ErrPermanentFailure) && s.quarantine {
		if err := s.eventRepo.MarkPoisoned(ctx, eventID, cause.Error()); err != nil {
			logger.Error("mark poisoned failed",
				zap.Int64("event_id", eventID), zap.Error(err))
		}
		metrics.RecordEventProcessed(eventName, "poisoned", elapsed.Seconds())
		logger.Error("event quarantined",
			zap.Int64("event_id", eventID),
			zap.String("event", eventName),
			zap.Error(cause))
		return
	}

	if err := s.eventRepo.MarkFailed(ctx, eventID, cause.Error()); err != nil {
		logger.Error("mark failed failed",
			zap.Int64("event_id", eventID), zap.Error(err))
	}
	metrics.RecordEventProcessed(eventName, "failed", elapsed.Seconds())
	metrics.EventRetriesTotal.Inc()
	logger.Warn("event processing failed, scheduled for retry",
		zap.Int64("event_id", eventID),
		zap.String("event", eventName),
		zap.Error(cause))
}

// apply 按事件类型应用批次变更，返回要发布的下游消息
func (s *ProcessorService) apply(ctx context.Context, event *model.BlockchainEvent) (*model.BatchEventMessage, error) {
	var rawArgs map[string]string
	if err := json.Unmarshal([]byte(event.ArgsJSON), &rawArgs); err != nil {
		return nil, permanent(fmt.Errorf("unmarshal args: %v", err))
	}

	args, err := model.ParseEventArgs(event.EventName, rawArgs)
	if err != nil {
		return nil, permanent(err)
	}

	switch a := args.(type) {
	case model.MintArgs:
		return s.applyMint(ctx, event, a)
	case model.TransferArgs:
		return s.applyTransfer(ctx, event, a)
	case model.UnknownArgs:
		// 未识别事件向前兼容：成功终态、零变更
		logger.Info("unknown event applied as no-op",
			zap.String("event", a.EventName),
			zap.String("tx_hash", event.TxHash))
		return nil, nil
	default:
		return nil, permanent(fmt.Errorf("unhandled args type %T", args))
	}
}

func (s *ProcessorService) applyMint(ctx context.Context, event *model.BlockchainEvent, args model.MintArgs) (*model.BatchEventMessage, error) {
	batch, err := s.batchRepo.GetByBatchID(ctx, args.BatchID, &repository.QueryOptions{ForUpdate: true})
	if err != nil {
		// 批次行可能尚未写入 (API 与链上事件竞态)，可重试
		return nil, fmt.Errorf("load batch %s: %w", args.BatchID, err)
	}

	// 重放保护：同一交易已应用过则直接成功，不再变更
	if batch.OnChainTxHash() == event.TxHash {
		return nil, nil
	}

	updates := map[string]interface{}{
		"status":             model.BatchStatusCreated,
		"blockchain_tx_hash": event.TxHash,
	}
	if args.MetadataCID != "" {
		updates["metadata_cid"] = args.MetadataCID
	}
	if err := s.batchRepo.UpdateChainState(ctx, args.BatchID, updates); err != nil {
		return nil, fmt.Errorf("update batch %s: %w", args.BatchID, err)
	}

	return &model.BatchEventMessage{
		EventName:   event.EventName,
		BatchID:     args.BatchID,
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		LogIndex:    event.LogIndex,
		MetadataCID: args.MetadataCID,
		AppliedAt:   time.Now().UnixMilli(),
	}, nil
}

func (s *ProcessorService) applyTransfer(ctx context.Context, event *model.BlockchainEvent, args model.TransferArgs) (*model.BatchEventMessage, error) {
	batch, err := s.batchRepo.GetByBatchID(ctx, args.BatchID, &repository.QueryOptions{ForUpdate: true})
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", args.BatchID, err)
	}

	if batch.OnChainTxHash() == event.TxHash {
		return nil, nil
	}

	// 接收方按钱包地址解析，大小写不敏感；用户未注册时可重试
	owner, err := s.userRepo.GetByWalletAddress(ctx, args.To)
	if err != nil {
		return nil, fmt.Errorf("resolve owner wallet %s: %w", args.To, err)
	}

	updates := map[string]interface{}{
		"current_owner_id":   owner.UserID,
		"status":             model.BatchStatusInTransit,
		"blockchain_tx_hash": event.TxHash,
	}
	if err := s.batchRepo.UpdateChainState(ctx, args.BatchID, updates); err != nil {
		return nil, fmt.Errorf("update batch %s: %w", args.BatchID, err)
	}

	return &model.BatchEventMessage{
		EventName:   event.EventName,
		BatchID:     args.BatchID,
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		LogIndex:    event.LogIndex,
		From:        args.From,
		To:          args.To,
		AppliedAt:   time.Now().UnixMilli(),
	}, nil
}
