package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
	"github.com/agrichain/agrichain-chain/internal/cache"
	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

var (
	ErrNotBatchOwner   = errors.New("caller is not the current batch owner")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// MetadataStore 批次元数据存储能力 (IPFS)
type MetadataStore interface {
	UploadJSON(ctx context.Context, value interface{}) (cid string, mocked bool, err error)
}

// BatchCache 批次缓存能力
type BatchCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// CreateBatchRequest 批次创建请求
type CreateBatchRequest struct {
	FarmerID       string          `json:"farmer_id"`
	CropType       string          `json:"crop_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit"`
	HarvestDate    int64           `json:"harvest_date"`
	OriginLocation string          `json:"origin_location"`
}

// BatchService 批次业务逻辑
//
// 上链调用容忍降级：mock 结果照常入库，后续真实事件到达时由
// 事件处理器修正链上状态
type BatchService struct {
	batchRepo repository.BatchRepository
	userRepo  repository.UserRepository
	chain     ChainClient
	metadata  MetadataStore
	cache     BatchCache
}

// NewBatchService 创建批次服务
func NewBatchService(
	batchRepo repository.BatchRepository,
	userRepo repository.UserRepository,
	chain ChainClient,
	metadata MetadataStore,
	batchCache BatchCache,
) *BatchService {
	return &BatchService{
		batchRepo: batchRepo,
		userRepo:  userRepo,
		chain:     chain,
		metadata:  metadata,
		cache:     batchCache,
	}
}

// CreateBatch 创建批次：元数据上传 → 上链铸造 → 入库
func (s *BatchService) CreateBatch(ctx context.Context, req *CreateBatchRequest) (*model.Batch, error) {
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	farmer, err := s.userRepo.GetByUserID(ctx, req.FarmerID)
	if err != nil {
		metrics.RecordBatchOperation("create", "failed")
		return nil, fmt.Errorf("resolve farmer: %w", err)
	}

	batchID := uuid.NewString()
	batchCode := GenerateBatchCode(time.Now())

	cid, cidMocked, err := s.metadata.UploadJSON(ctx, map[string]interface{}{
		"batch_id":      batchID,
		"batch_code":    batchCode,
		"crop_type":     req.CropType,
		"quantity":      req.Quantity.String(),
		"unit":          req.Unit,
		"harvest_date":  req.HarvestDate,
		"origin":        req.OriginLocation,
		"farmer_wallet": farmer.WalletAddress,
	})
	if err != nil {
		metrics.RecordBatchOperation("create", "failed")
		return nil, fmt.Errorf("upload metadata: %w", err)
	}

	txResult := s.chain.MintBatch(ctx, batchID, cid)
	if txResult.Mocked {
		logger.Warn("mint degraded to mock result",
			zap.String("batch_id", batchID),
			zap.String("tx_hash", txResult.TxHash))
	}

	batch := &model.Batch{
		BatchID:          batchID,
		BatchCode:        batchCode,
		CropType:         req.CropType,
		Quantity:         req.Quantity,
		Unit:             req.Unit,
		HarvestDate:      req.HarvestDate,
		OriginLocation:   req.OriginLocation,
		FarmerID:         farmer.UserID,
		CurrentOwnerID:   farmer.UserID,
		MetadataCID:      cid,
		BlockchainTxHash: &txResult.TxHash,
		Status:           model.BatchStatusCreated,
	}
	if err := s.batchRepo.Create(ctx, batch); err != nil {
		metrics.RecordBatchOperation("create", "failed")
		return nil, fmt.Errorf("create batch: %w", err)
	}

	metrics.RecordBatchOperation("create", "success")
	logger.Info("batch created",
		zap.String("batch_id", batchID),
		zap.String("batch_code", batchCode),
		zap.String("tx_hash", txResult.TxHash),
		zap.Bool("tx_mocked", txResult.Mocked),
		zap.Bool("cid_mocked", cidMocked))
	return batch, nil
}

// TransferBatch 流转批次：所有权校验 → 上链 → 更新归属
func (s *BatchService) TransferBatch(ctx context.Context, batchID, fromUserID, toUserID string) (*model.Batch, error) {
	batch, err := s.batchRepo.GetByBatchID(ctx, batchID, nil)
	if err != nil {
		metrics.RecordBatchOperation("transfer", "failed")
		return nil, err
	}
	if batch.CurrentOwnerID != fromUserID {
		metrics.RecordBatchOperation("transfer", "failed")
		return nil, ErrNotBatchOwner
	}

	target, err := s.userRepo.GetByUserID(ctx, toUserID)
	if err != nil {
		metrics.RecordBatchOperation("transfer", "failed")
		return nil, fmt.Errorf("resolve target owner: %w", err)
	}

	txResult := s.chain.TransferOwnership(ctx, batchID, target.WalletAddress)
	if txResult.Mocked {
		logger.Warn("transfer degraded to mock result",
			zap.String("batch_id", batchID),
			zap.String("tx_hash", txResult.TxHash))
	}

	err = s.batchRepo.UpdateChainState(ctx, batchID, map[string]interface{}{
		"current_owner_id":   target.UserID,
		"status":             model.BatchStatusInTransit,
		"blockchain_tx_hash": txResult.TxHash,
	})
	if err != nil {
		metrics.RecordBatchOperation("transfer", "failed")
		return nil, fmt.Errorf("update batch: %w", err)
	}

	if s.cache != nil {
		s.cache.Delete(ctx, cache.BatchKey(batchID))
	}

	metrics.RecordBatchOperation("transfer", "success")
	logger.Info("batch transferred",
		zap.String("batch_id", batchID),
		zap.String("from", fromUserID),
		zap.String("to", target.UserID),
		zap.String("tx_hash", txResult.TxHash),
		zap.Bool("tx_mocked", txResult.Mocked))
	return s.batchRepo.GetByBatchID(ctx, batchID, nil)
}

// GetBatch 查询批次，Redis 读穿缓存
func (s *BatchService) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	key := cache.BatchKey(batchID)

	if s.cache != nil {
		var cached model.Batch
		if s.cache.GetJSON(ctx, key, &cached) {
			return &cached, nil
		}
	}

	batch, err := s.batchRepo.GetByBatchID(ctx, batchID, nil)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetJSON(ctx, key, batch, cache.BatchTTL)
	}
	return batch, nil
}

// ListBatchesByOwner 按当前所有者分页查询批次
func (s *BatchService) ListBatchesByOwner(ctx context.Context, ownerID string, page *repository.Pagination) ([]*model.Batch, error) {
	return s.batchRepo.ListByOwner(ctx, ownerID, page)
}

// BatchHistory 批次链上事件历史
func (s *BatchService) BatchHistory(ctx context.Context, batchID string) ([]blockchain.ContractEvent, bool, error) {
	if _, err := s.batchRepo.GetByBatchID(ctx, batchID, nil); err != nil {
		return nil, false, err
	}
	history, mocked := s.chain.BatchHistory(ctx, batchID)
	return history, mocked, nil
}

// VerifyTransaction 链上交易核验
func (s *BatchService) VerifyTransaction(ctx context.Context, txHash string) *blockchain.TxVerification {
	return s.chain.VerifyTransaction(ctx, txHash)
}

// GenerateBatchCode 生成批次编号: BATCH-<unix秒>-<4位大写十六进制>
func GenerateBatchCode(now time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:4])
	return fmt.Sprintf("BATCH-%d-%s", now.Unix(), suffix)
}
