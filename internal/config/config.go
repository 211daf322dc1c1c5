package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Listener   ListenerConfig   `yaml:"listener" json:"listener"`
	IPFS       IPFSConfig       `yaml:"ipfs" json:"ipfs"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
//
// brokers 为空时禁用 Kafka 发布
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL          string `yaml:"rpc_url" json:"rpc_url"`
	ChainID         int64  `yaml:"chain_id" json:"chain_id"`
	ContractAddress string `yaml:"contract_address" json:"contract_address"`
	PrivateKey      string `yaml:"private_key" json:"private_key"`
	// RequestTimeout 单次 RPC 调用超时 (秒)
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout"`
	// FailureThreshold 熔断器连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// CooldownSeconds 熔断器冷却时间 (秒)
	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	// HealthCacheTTL 健康检查结果缓存时间 (秒)
	HealthCacheTTL int `yaml:"health_cache_ttl" json:"health_cache_ttl"`
}

// ListenerConfig 事件监听配置
type ListenerConfig struct {
	// PollInterval 轮询间隔 (秒)
	PollInterval int `yaml:"poll_interval" json:"poll_interval"`
	// StartBlock 无已完成事件时的起始区块
	StartBlock int64 `yaml:"start_block" json:"start_block"`
	// HeartbeatCycles 每多少个轮询周期输出一次心跳日志
	HeartbeatCycles int `yaml:"heartbeat_cycles" json:"heartbeat_cycles"`
	// MaxBackoffSeconds 周期出错后指数退避的上限 (秒)
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`
	// RetryCeiling 事件重试次数上限，超过后隔离为毒丸事件
	RetryCeiling int `yaml:"retry_ceiling" json:"retry_ceiling"`
	// RetryBatchLimit 单个周期内最多重试的事件数
	RetryBatchLimit int `yaml:"retry_batch_limit" json:"retry_batch_limit"`
	// QuarantinePermanentFailures 永久性数据错误 (字段缺失/格式非法) 是否立即隔离
	QuarantinePermanentFailures *bool `yaml:"quarantine_permanent_failures" json:"quarantine_permanent_failures"`
}

// IPFSConfig IPFS 配置
type IPFSConfig struct {
	APIURL string `yaml:"api_url" json:"api_url"`
	// RequestTimeout 上传/健康检查超时 (秒)
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// QuarantineEnabled 返回永久性失败隔离策略，默认开启
func (c *ListenerConfig) QuarantineEnabled() bool {
	if c.QuarantinePermanentFailures == nil {
		return true
	}
	return *c.QuarantinePermanentFailures
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "agrichain-chain"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "agrichain-chain"
	}

	if cfg.Blockchain.RPCURL == "" {
		cfg.Blockchain.RPCURL = "http://localhost:8545"
	}
	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.RequestTimeout == 0 {
		cfg.Blockchain.RequestTimeout = 10
	}
	if cfg.Blockchain.FailureThreshold == 0 {
		cfg.Blockchain.FailureThreshold = 3
	}
	if cfg.Blockchain.CooldownSeconds == 0 {
		cfg.Blockchain.CooldownSeconds = 30
	}
	if cfg.Blockchain.HealthCacheTTL == 0 {
		cfg.Blockchain.HealthCacheTTL = 10
	}

	if cfg.Listener.PollInterval == 0 {
		cfg.Listener.PollInterval = 3
	}
	if cfg.Listener.HeartbeatCycles == 0 {
		cfg.Listener.HeartbeatCycles = 20
	}
	if cfg.Listener.MaxBackoffSeconds == 0 {
		cfg.Listener.MaxBackoffSeconds = 30
	}
	if cfg.Listener.RetryCeiling == 0 {
		cfg.Listener.RetryCeiling = 5
	}
	if cfg.Listener.RetryBatchLimit == 0 {
		cfg.Listener.RetryBatchLimit = 50
	}

	if cfg.IPFS.APIURL == "" {
		cfg.IPFS.APIURL = "http://localhost:5001"
	}
	if cfg.IPFS.RequestTimeout == 0 {
		cfg.IPFS.RequestTimeout = 10
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
