package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfgpkg "github.com/doorlink/proximity-server/internal/config"
)

// RedisPublisher 把快照批次 PUBLISH 到 Redis 频道，
// 供不直接连 WebSocket 的下游（如远端决策引擎）订阅。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	// 连接断开后 Ready 置假，后台 ping 恢复
	healthy atomic.Bool
}

// NewRedisPublisher 创建 Redis 发布器并验证连通性
func NewRedisPublisher(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	p := &RedisPublisher{client: rdb, channel: cfg.Channel, logger: logger}
	p.healthy.Store(true)
	return p, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

// Ready 最近一次发布/探活成功即就绪
func (p *RedisPublisher) Ready() bool {
	return p.healthy.Load()
}

// Publish 序列化并发布到频道。失败翻转健康位，下一拍跳过直到恢复。
func (p *RedisPublisher) Publish(ctx context.Context, batch *SnapshotBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.healthy.Store(false)
		return fmt.Errorf("redis publish: %w", err)
	}
	p.healthy.Store(true)
	return nil
}

// StartHealthLoop 周期探活，发布失败后自动恢复 Ready
func (p *RedisPublisher) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.healthy.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := p.client.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				p.healthy.Store(true)
				p.logger.Info("redis publisher recovered")
			}
		}
	}
}

// HealthCheck 健康检查（health 聚合器用）
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close 关闭底层连接
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
