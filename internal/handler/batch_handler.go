package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/internal/service"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// BatchHandler 批次 HTTP 处理器
type BatchHandler struct {
	batchSvc *service.BatchService
}

// NewBatchHandler 创建批次处理器
func NewBatchHandler(batchSvc *service.BatchService) *BatchHandler {
	return &BatchHandler{batchSvc: batchSvc}
}

// CreateBatchPayload 创建批次请求体
type CreateBatchPayload struct {
	FarmerID       string `json:"farmer_id"`
	CropType       string `json:"crop_type"`
	Quantity       string `json:"quantity"`
	Unit           string `json:"unit"`
	HarvestDate    int64  `json:"harvest_date"`
	OriginLocation string `json:"origin_location"`
}

// BatchResponse 批次响应
type BatchResponse struct {
	BatchID        string `json:"batch_id"`
	BatchCode      string `json:"batch_code"`
	CropType       string `json:"crop_type"`
	Quantity       string `json:"quantity"`
	Unit           string `json:"unit"`
	HarvestDate    int64  `json:"harvest_date"`
	OriginLocation string `json:"origin_location"`
	FarmerID       string `json:"farmer_id"`
	CurrentOwnerID string `json:"current_owner_id"`
	MetadataCID    string `json:"metadata_cid"`
	TxHash         string `json:"tx_hash"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

func toBatchResponse(batch *model.Batch) *BatchResponse {
	return &BatchResponse{
		BatchID:        batch.BatchID,
		BatchCode:      batch.BatchCode,
		CropType:       batch.CropType,
		Quantity:       batch.Quantity.String(),
		Unit:           batch.Unit,
		HarvestDate:    batch.HarvestDate,
		OriginLocation: batch.OriginLocation,
		FarmerID:       batch.FarmerID,
		CurrentOwnerID: batch.CurrentOwnerID,
		MetadataCID:    batch.MetadataCID,
		TxHash:         batch.OnChainTxHash(),
		Status:         batch.Status.String(),
		CreatedAt:      batch.CreatedAt,
		UpdatedAt:      batch.UpdatedAt,
	}
}

// CreateBatch POST /api/v1/batches
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var payload CreateBatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.FarmerID == "" {
		writeError(w, http.StatusBadRequest, "farmer_id is required")
		return
	}

	quantity, err := decimal.NewFromString(payload.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quantity")
		return
	}

	batch, err := h.batchSvc.CreateBatch(r.Context(), &service.CreateBatchRequest{
		FarmerID:       payload.FarmerID,
		CropType:       payload.CropType,
		Quantity:       quantity,
		Unit:           payload.Unit,
		HarvestDate:    payload.HarvestDate,
		OriginLocation: payload.OriginLocation,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "farmer not found")
		default:
			logger.Error("create batch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toBatchResponse(batch))
}

// TransferBatchPayload 流转批次请求体
type TransferBatchPayload struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
}

// TransferBatch POST /api/v1/batches/{id}/transfer
func (h *BatchHandler) TransferBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var payload TransferBatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.FromUserID == "" || payload.ToUserID == "" {
		writeError(w, http.StatusBadRequest, "from_user_id and to_user_id are required")
		return
	}

	batch, err := h.batchSvc.TransferBatch(r.Context(), batchID, payload.FromUserID, payload.ToUserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBatchNotFound):
			writeError(w, http.StatusNotFound, "batch not found")
		case errors.Is(err, service.ErrNotBatchOwner):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "target user not found")
		default:
			logger.Error("transfer batch failed",
				zap.String("batch_id", batchID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

// GetBatch GET /api/v1/batches/{id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	batch, err := h.batchSvc.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error("get batch failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

// ChainEventResponse 链上事件响应
type ChainEventResponse struct {
	EventName   string            `json:"event_name"`
	BlockNumber int64             `json:"block_number"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    int               `json:"log_index"`
	Args        map[string]string `json:"args"`
}

// BatchHistoryResponse 批次链上历史响应
type BatchHistoryResponse struct {
	BatchID string                `json:"batch_id"`
	Mocked  bool                  `json:"mocked"`
	Events  []*ChainEventResponse `json:"events"`
}

// BatchHistory GET /api/v1/batches/{id}/history
func (h *BatchHandler) BatchHistory(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	events, mocked, err := h.batchSvc.BatchHistory(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error("batch history failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := &BatchHistoryResponse{
		BatchID: batchID,
		Mocked:  mocked,
		Events:  make([]*ChainEventResponse, len(events)),
	}
	for i, ev := range events {
		resp.Events[i] = &ChainEventResponse{
			EventName:   ev.EventName,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			Args:        ev.Args,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListByOwner GET /api/v1/users/{id}/batches
func (h *BatchHandler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "id")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	pagination := &repository.Pagination{Page: page, PageSize: pageSize}
	batches, err := h.batchSvc.ListBatchesByOwner(r.Context(), ownerID, pagination)
	if err != nil {
		logger.Error("list batches failed", zap.String("owner_id", ownerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]*BatchResponse, len(batches))
	for i, batch := range batches {
		items[i] = toBatchResponse(batch)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":     items,
		"total":     pagination.Total,
		"page":      pagination.Page,
		"page_size": pagination.PageSize,
	})
}

// VerifyTransaction GET /api/v1/tx/{hash}/verify
func (h *BatchHandler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := chi.URLParam(r, "hash")
	if len(txHash) != 66 {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	writeJSON(w, http.StatusOK, h.batchSvc.VerifyTransaction(r.Context(), txHash))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
