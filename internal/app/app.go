// Package app 提供 agrichain-chain 服务的应用生命周期管理
//
// 服务职责:
// 1. 链上事件接入: 轮询批次合约日志，幂等入库并应用到本地批次
// 2. 批次操作: 元数据上 IPFS、批次上链铸造与流转 (链路故障时降级为 mock)
// 3. 事件广播: 应用成功的链上事件发布到 Kafka batch-events topic
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
	"github.com/agrichain/agrichain-chain/internal/cache"
	"github.com/agrichain/agrichain-chain/internal/config"
	"github.com/agrichain/agrichain-chain/internal/handler"
	"github.com/agrichain/agrichain-chain/internal/ipfs"
	"github.com/agrichain/agrichain-chain/internal/kafka"
	"github.com/agrichain/agrichain-chain/internal/repository"
	"github.com/agrichain/agrichain-chain/internal/service"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	cache *cache.Cache
	ipfs  *ipfs.Client

	// 区块链
	chainClient *blockchain.Client

	// 仓储
	eventRepo repository.EventRepository
	batchRepo repository.BatchRepository
	userRepo  repository.UserRepository

	// Kafka
	kafkaProducer *kafka.Producer

	// 服务
	processorSvc *service.ProcessorService
	listenerSvc  *service.ListenerService
	batchSvc     *service.BatchService
	healthSvc    *service.HealthService

	// HTTP
	httpServer *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	a.cache = cache.New(&a.cfg.Redis)
	if err := a.cache.Ping(context.Background()); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", a.cfg.Redis.Addr))

	// IPFS 客户端，守护进程不可达时退化为确定性 CID
	a.ipfs = ipfs.New(&a.cfg.IPFS)
	if !a.ipfs.Healthy(context.Background()) {
		logger.Warn("ipfs daemon unreachable, falling back to deterministic CIDs",
			zap.String("api_url", a.cfg.IPFS.APIURL))
	}

	return nil
}

// initBlockchain 初始化区块链客户端
func (a *App) initBlockchain() error {
	client, err := blockchain.NewClient(&a.cfg.Blockchain)
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.Bool("configured", client.Configured()))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.eventRepo = repository.NewEventRepository(a.db, a.cfg.Listener.RetryCeiling)
	a.batchRepo = repository.NewBatchRepository(a.db)
	a.userRepo = repository.NewUserRepository(a.db)

	logger.Info("repositories initialized")
}

// initKafka 初始化 Kafka，未配置 broker 时发布为空操作
func (a *App) initKafka() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		logger.Warn("kafka brokers not configured, event publishing disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	var publisher kafka.EventPublisher
	if a.kafkaProducer != nil {
		publisher = kafka.NewKafkaEventPublisher(a.kafkaProducer)
	}

	a.processorSvc = service.NewProcessorService(
		a.eventRepo,
		a.batchRepo,
		a.userRepo,
		publisher,
		a.cfg.Listener.QuarantineEnabled(),
	)

	a.listenerSvc = service.NewListenerService(
		a.chainClient,
		a.eventRepo,
		a.processorSvc,
		a.cfg.Listener,
	)

	a.batchSvc = service.NewBatchService(
		a.batchRepo,
		a.userRepo,
		a.chainClient,
		a.ipfs,
		a.cache,
	)

	a.healthSvc = service.NewHealthService(
		a.pingDatabase,
		a.cache,
		a.ipfs,
		a.chainClient,
		a.listenerSvc,
	)

	logger.Info("services initialized")
}

// initHTTP 初始化 HTTP 服务器
func (a *App) initHTTP() {
	router := handler.NewRouter(
		handler.NewBatchHandler(a.batchSvc),
		handler.NewSystemHandler(a.cfg.Service.Name, a.healthSvc, a.eventRepo),
	)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("http server initialized", zap.Int("port", a.cfg.Service.HTTPPort))
}

func (a *App) pingDatabase(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动事件监听器
	if err := a.listenerSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event listener: %w", err)
	}

	// 启动 HTTP 服务器
	go func() {
		logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用，与启动顺序相反
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	// 停止接收新请求
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}

	// 停止监听器，等待当前周期完成
	if a.listenerSvc != nil {
		a.listenerSvc.Stop()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	// 关闭区块链客户端
	if a.chainClient != nil {
		a.chainClient.Close()
	}

	// 关闭 Redis
	if a.cache != nil {
		a.cache.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
