package service

import (
	"context"
	"time"
)

// CachePinger Redis 探活能力
type CachePinger interface {
	Ping(ctx context.Context) error
}

// IPFSChecker IPFS 探活能力
type IPFSChecker interface {
	Healthy(ctx context.Context) bool
}

// PingFunc 数据库探活函数
type PingFunc func(ctx context.Context) error

// ComponentHealth 单个组件健康状态
type ComponentHealth struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DeepHealth 深度健康检查结果
type DeepHealth struct {
	Status     string          `json:"status"` // ok | degraded
	Database   ComponentHealth `json:"database"`
	Redis      ComponentHealth `json:"redis"`
	IPFS       ComponentHealth `json:"ipfs"`
	Blockchain ComponentHealth `json:"blockchain"`
	Listener   ListenerStatus  `json:"listener"`
	CheckedAt  int64           `json:"checked_at"`
}

// HealthService 健康聚合器
//
// 监听器状态只作展示，不参与整体健康判定
type HealthService struct {
	dbPing   PingFunc
	cache    CachePinger
	ipfs     IPFSChecker
	chain    ChainClient
	listener *ListenerService
}

// NewHealthService 创建健康聚合器
func NewHealthService(
	dbPing PingFunc,
	cache CachePinger,
	ipfs IPFSChecker,
	chain ChainClient,
	listener *ListenerService,
) *HealthService {
	return &HealthService{
		dbPing:   dbPing,
		cache:    cache,
		ipfs:     ipfs,
		chain:    chain,
		listener: listener,
	}
}

// Check 深度健康检查
func (s *HealthService) Check(ctx context.Context) *DeepHealth {
	result := &DeepHealth{
		Status:    "ok",
		CheckedAt: time.Now().UnixMilli(),
	}

	result.Database = s.checkDatabase(ctx)
	result.Redis = s.checkRedis(ctx)
	result.IPFS = s.checkIPFS(ctx)
	result.Blockchain = s.checkBlockchain(ctx)

	if s.listener != nil {
		result.Listener = s.listener.Status(ctx)
	}

	if !result.Database.OK || !result.Redis.OK || !result.IPFS.OK || !result.Blockchain.OK {
		result.Status = "degraded"
	}
	return result
}

func (s *HealthService) checkDatabase(ctx context.Context) ComponentHealth {
	if s.dbPing == nil {
		return ComponentHealth{OK: false, Detail: "not configured"}
	}
	if err := s.dbPing(ctx); err != nil {
		return ComponentHealth{OK: false, Detail: err.Error()}
	}
	return ComponentHealth{OK: true}
}

func (s *HealthService) checkRedis(ctx context.Context) ComponentHealth {
	if s.cache == nil {
		return ComponentHealth{OK: false, Detail: "not configured"}
	}
	if err := s.cache.Ping(ctx); err != nil {
		return ComponentHealth{OK: false, Detail: err.Error()}
	}
	return ComponentHealth{OK: true}
}

func (s *HealthService) checkIPFS(ctx context.Context) ComponentHealth {
	if s.ipfs == nil {
		return ComponentHealth{OK: false, Detail: "not configured"}
	}
	if !s.ipfs.Healthy(ctx) {
		return ComponentHealth{OK: false, Detail: "daemon unreachable"}
	}
	return ComponentHealth{OK: true}
}

func (s *HealthService) checkBlockchain(ctx context.Context) ComponentHealth {
	if s.chain == nil {
		return ComponentHealth{OK: false, Detail: "not configured"}
	}
	if !s.chain.Configured() {
		return ComponentHealth{OK: false, Detail: "contract not configured, running in mock mode"}
	}
	if s.chain.BreakerOpen() {
		return ComponentHealth{OK: false, Detail: "circuit breaker open"}
	}
	if !s.chain.Healthy(ctx) {
		return ComponentHealth{OK: false, Detail: "rpc unreachable"}
	}
	return ComponentHealth{OK: true}
}
