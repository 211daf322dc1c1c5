package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/internal/service"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// SystemHandler 健康检查与运维接口
type SystemHandler struct {
	serviceName string
	healthSvc   *service.HealthService
	eventRepo   repository.EventRepository
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(serviceName string, healthSvc *service.HealthService, eventRepo repository.EventRepository) *SystemHandler {
	return &SystemHandler{
		serviceName: serviceName,
		healthSvc:   healthSvc,
		eventRepo:   eventRepo,
	}
}

// Health GET /health，存活探针
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   h.serviceName,
		"timestamp": time.Now().UnixMilli(),
	})
}

// DeepHealth GET /system/health/deep，逐组件探活
//
// 任一核心组件故障返回 503，监听器状态只作展示
func (h *SystemHandler) DeepHealth(w http.ResponseWriter, r *http.Request) {
	result := h.healthSvc.Check(r.Context())

	code := http.StatusOK
	if result.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, result)
}

// PoisonedEventResponse 隔离事件响应
type PoisonedEventResponse struct {
	ID          int64  `json:"id"`
	EventName   string `json:"event_name"`
	TxHash      string `json:"tx_hash"`
	LogIndex    int    `json:"log_index"`
	BlockNumber int64  `json:"block_number"`
	RetryCount  int    `json:"retry_count"`
	LastError   string `json:"last_error"`
	CreatedAt   int64  `json:"created_at"`
}

// PoisonedEvents GET /system/events/poisoned，列出进入隔离区的事件
func (h *SystemHandler) PoisonedEvents(w http.ResponseWriter, r *http.Request) {
	pagination := &repository.Pagination{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 50),
	}

	events, err := h.eventRepo.ListPoisoned(r.Context(), pagination)
	if err != nil {
		logger.Error("list poisoned events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]*PoisonedEventResponse, len(events))
	for i, ev := range events {
		items[i] = &PoisonedEventResponse{
			ID:          ev.ID,
			EventName:   ev.EventName,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			BlockNumber: ev.BlockNumber,
			RetryCount:  ev.RetryCount,
			LastError:   ev.LastError,
			CreatedAt:   ev.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": pagination.Total,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
