package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agrichain/agrichain-chain/internal/model"
)

var ErrEventNotFound = errors.New("blockchain event not found")

const (
	// maxErrorLen 失败原因截断长度
	maxErrorLen = 512
	// maxBackoffExp 退避指数上限: 2^8 = 256s
	maxBackoffExp = 8
	// defaultRetryCeiling 默认重试次数上限
	defaultRetryCeiling = 5
)

// EventRepository 链上事件仓储接口
type EventRepository interface {
	// Upsert 幂等入库；(tx_hash, log_index) 冲突时返回已有行 id，inserted=false
	Upsert(ctx context.Context, event *model.BlockchainEvent) (id int64, inserted bool, err error)
	GetByID(ctx context.Context, id int64) (*model.BlockchainEvent, error)

	// BeginProcessing 行锁认领事件；终态或未到重试时间的事件返回 nil
	BeginProcessing(ctx context.Context, id int64) (*model.BlockchainEvent, error)
	MarkCompleted(ctx context.Context, id int64) error
	// MarkFailed 累加重试计数并安排指数退避；达到上限后隔离
	MarkFailed(ctx context.Context, id int64, reason string) error
	// MarkPoisoned 立即隔离，不再参与重试
	MarkPoisoned(ctx context.Context, id int64, reason string) error

	// RetriableEvents 到期待重试的失败事件，按 (block_number, log_index) 排序
	RetriableEvents(ctx context.Context, limit int) ([]*model.BlockchainEvent, error)
	// BacklogSize 未达终态的事件数 (不含已隔离)
	BacklogSize(ctx context.Context) (int64, error)
	// LastProcessedBlock 已完成事件的最大区块高度
	LastProcessedBlock(ctx context.Context) (int64, bool, error)
	ListPoisoned(ctx context.Context, page *Pagination) ([]*model.BlockchainEvent, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// eventRepository 链上事件仓储实现
type eventRepository struct {
	*Repository
	retryCeiling int
	now          func() time.Time
}

// NewEventRepository 创建链上事件仓储
func NewEventRepository(db *gorm.DB, retryCeiling int) EventRepository {
	if retryCeiling <= 0 {
		retryCeiling = defaultRetryCeiling
	}
	return &eventRepository{
		Repository:   NewRepository(db),
		retryCeiling: retryCeiling,
		now:          time.Now,
	}
}

func (r *eventRepository) Upsert(ctx context.Context, event *model.BlockchainEvent) (int64, bool, error) {
	now := r.now().UnixMilli()
	event.CreatedAt = now
	event.UpdatedAt = now
	event.Status = model.EventStatusPending

	result := r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		// 并发竞争下 ON CONFLICT 之外仍可能撞唯一约束
		if !isDuplicateKeyError(result.Error) {
			return 0, false, result.Error
		}
	} else if result.RowsAffected > 0 {
		return event.ID, true, nil
	}

	var existing model.BlockchainEvent
	err := r.DB(ctx).
		Select("id").
		Where("tx_hash = ? AND log_index = ?", event.TxHash, event.LogIndex).
		First(&existing).Error
	if err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

func (r *eventRepository) GetByID(ctx context.Context, id int64) (*model.BlockchainEvent, error) {
	var event model.BlockchainEvent
	err := r.DB(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *eventRepository) BeginProcessing(ctx context.Context, id int64) (*model.BlockchainEvent, error) {
	var event model.BlockchainEvent
	opts := &QueryOptions{ForUpdate: true}
	err := opts.ApplyLock(r.DB(ctx)).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	nowMs := r.now().UnixMilli()
	switch event.Status {
	case model.EventStatusCompleted:
		return nil, nil
	case model.EventStatusFailed:
		// 已隔离或未到重试时间的失败事件跳过
		if event.NextRetryAt == nil || *event.NextRetryAt > nowMs {
			return nil, nil
		}
	}

	err = r.DB(ctx).Model(&model.BlockchainEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.EventStatusProcessing,
			"updated_at": nowMs,
		}).Error
	if err != nil {
		return nil, err
	}

	event.Status = model.EventStatusProcessing
	event.UpdatedAt = nowMs
	return &event, nil
}

func (r *eventRepository) MarkCompleted(ctx context.Context, id int64) error {
	nowMs := r.now().UnixMilli()
	result := r.DB(ctx).Model(&model.BlockchainEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.EventStatusCompleted,
			"processed_at":  nowMs,
			"next_retry_at": nil,
			"last_error":    "",
			"updated_at":    nowMs,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *eventRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		var event model.BlockchainEvent
		opts := &QueryOptions{ForUpdate: true}
		err := opts.ApplyLock(r.DB(txCtx)).Where("id = ?", id).First(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}

		nowMs := r.now().UnixMilli()
		retryCount := event.RetryCount + 1
		updates := map[string]interface{}{
			"status":      model.EventStatusFailed,
			"retry_count": retryCount,
			"last_error":  truncateError(reason),
			"updated_at":  nowMs,
		}
		if retryCount >= r.retryCeiling {
			// 达到上限，隔离为毒丸事件
			updates["next_retry_at"] = nil
		} else {
			updates["next_retry_at"] = nowMs + backoffMillis(retryCount)
		}

		return r.DB(txCtx).Model(&model.BlockchainEvent{}).
			Where("id = ?", id).
			Updates(updates).Error
	})
}

func (r *eventRepository) MarkPoisoned(ctx context.Context, id int64, reason string) error {
	result := r.DB(ctx).Model(&model.BlockchainEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.EventStatusFailed,
			"next_retry_at": nil,
			"last_error":    truncateError(reason),
			"updated_at":    r.now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *eventRepository) RetriableEvents(ctx context.Context, limit int) ([]*model.BlockchainEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*model.BlockchainEvent
	err := r.DB(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			model.EventStatusFailed, r.now().UnixMilli()).
		Order("block_number ASC, log_index ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *eventRepository) BacklogSize(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.BlockchainEvent{}).
		Where("status IN ? OR (status = ? AND next_retry_at IS NOT NULL)",
			[]model.EventStatus{model.EventStatusPending, model.EventStatusProcessing},
			model.EventStatusFailed).
		Count(&count).Error
	return count, err
}

func (r *eventRepository) LastProcessedBlock(ctx context.Context) (int64, bool, error) {
	var result struct {
		MaxBlock *int64
	}
	err := r.DB(ctx).Model(&model.BlockchainEvent{}).
		Select("MAX(block_number) AS max_block").
		Where("status = ?", model.EventStatusCompleted).
		Scan(&result).Error
	if err != nil {
		return 0, false, err
	}
	if result.MaxBlock == nil {
		return 0, false, nil
	}
	return *result.MaxBlock, true, nil
}

func (r *eventRepository) ListPoisoned(ctx context.Context, page *Pagination) ([]*model.BlockchainEvent, error) {
	query := r.DB(ctx).Model(&model.BlockchainEvent{}).
		Where("status = ? AND next_retry_at IS NULL", model.EventStatusFailed)

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	var events []*model.BlockchainEvent
	err := query.Order("block_number ASC, log_index ASC").Find(&events).Error
	return events, err
}

// backoffMillis 指数退避: 2^min(n, 8) 秒
func backoffMillis(retryCount int) int64 {
	exp := retryCount
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	return (int64(1) << uint(exp)) * 1000
}

func truncateError(reason string) string {
	if len(reason) > maxErrorLen {
		return reason[:maxErrorLen]
	}
	return reason
}
