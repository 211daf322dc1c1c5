package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// NewRouter 装配路由
func NewRouter(batchHandler *BatchHandler, systemHandler *SystemHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", systemHandler.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/system", func(r chi.Router) {
		r.Get("/health/deep", systemHandler.DeepHealth)
		r.Get("/events/poisoned", systemHandler.PoisonedEvents)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", batchHandler.CreateBatch)
		r.Get("/batches/{id}", batchHandler.GetBatch)
		r.Post("/batches/{id}/transfer", batchHandler.TransferBatch)
		r.Get("/batches/{id}/history", batchHandler.BatchHistory)
		r.Get("/users/{id}/batches", batchHandler.ListByOwner)
		r.Get("/tx/{hash}/verify", batchHandler.VerifyTransaction)
	})

	return r
}

// requestLogger 结构化访问日志，探针路径不记录
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
