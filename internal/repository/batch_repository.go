package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/agrichain/agrichain-chain/internal/model"
)

var (
	ErrBatchNotFound  = errors.New("batch not found")
	ErrDuplicateBatch = errors.New("duplicate batch")
)

// BatchRepository 批次仓储接口
type BatchRepository interface {
	Create(ctx context.Context, batch *model.Batch) error
	GetByBatchID(ctx context.Context, batchID string, opts *QueryOptions) (*model.Batch, error)
	GetByBatchCode(ctx context.Context, batchCode string) (*model.Batch, error)
	Update(ctx context.Context, batch *model.Batch) error
	// UpdateChainState 更新链上回执字段 (状态/所有者/交易哈希)
	UpdateChainState(ctx context.Context, batchID string, updates map[string]interface{}) error

	ListByOwner(ctx context.Context, ownerID string, page *Pagination) ([]*model.Batch, error)
	CountByStatus(ctx context.Context, status model.BatchStatus) (int64, error)
}

// batchRepository 批次仓储实现
type batchRepository struct {
	*Repository
}

// NewBatchRepository 创建批次仓储
func NewBatchRepository(db *gorm.DB) BatchRepository {
	return &batchRepository{
		Repository: NewRepository(db),
	}
}

func (r *batchRepository) Create(ctx context.Context, batch *model.Batch) error {
	now := time.Now().UnixMilli()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	err := r.DB(ctx).Create(batch).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateBatch
	}
	return err
}

func (r *batchRepository) GetByBatchID(ctx context.Context, batchID string, opts *QueryOptions) (*model.Batch, error) {
	var batch model.Batch
	err := opts.ApplyLock(r.DB(ctx)).Where("batch_id = ?", batchID).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *batchRepository) GetByBatchCode(ctx context.Context, batchCode string) (*model.Batch, error) {
	var batch model.Batch
	err := r.DB(ctx).Where("batch_code = ?", batchCode).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *batchRepository) Update(ctx context.Context, batch *model.Batch) error {
	batch.UpdatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Save(batch).Error
}

func (r *batchRepository) UpdateChainState(ctx context.Context, batchID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.Batch{}).
		Where("batch_id = ?", batchID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *batchRepository) ListByOwner(ctx context.Context, ownerID string, page *Pagination) ([]*model.Batch, error) {
	query := r.DB(ctx).Model(&model.Batch{}).Where("current_owner_id = ?", ownerID)

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	var batches []*model.Batch
	err := query.Order("created_at DESC").Find(&batches).Error
	return batches, err
}

func (r *batchRepository) CountByStatus(ctx context.Context, status model.BatchStatus) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Batch{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
