// Package cache 提供 Redis 读穿缓存与限流计数
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/config"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

// BatchTTL 批次缓存时间
const BatchTTL = 120 * time.Second

// Cache Redis 缓存
//
// 所有读写都是尽力而为：Redis 故障降级为缓存未命中，不向调用方传播错误
type Cache struct {
	rdb *redis.Client
}

// New 创建缓存
func New(cfg *config.RedisConfig) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &Cache{rdb: rdb}
}

// NewWithClient 用已有客户端创建缓存 (测试用)
func NewWithClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping 健康检查
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// BatchKey 批次缓存键
func BatchKey(batchID string) string {
	return "batch:" + batchID
}

// GetJSON 读取并反序列化缓存值；未命中或任何故障返回 false
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		logger.Warn("cache value corrupted", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON 序列化并写入缓存，尽力而为
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete 删除缓存键，尽力而为
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// IncrWithExpire 限流计数：自增并在首次时设置窗口过期
func (c *Cache) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Close 关闭连接
func (c *Cache) Close() error {
	return c.rdb.Close()
}
