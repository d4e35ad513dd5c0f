package health

import (
	"context"
	"fmt"
	"time"

	"github.com/doorlink/proximity-server/internal/transport"
)

// RedisChecker Redis 推送通道健康检查器
type RedisChecker struct {
	pub *transport.RedisPublisher
}

// NewRedisChecker 创建 Redis 健康检查器
func NewRedisChecker(pub *transport.RedisPublisher) *RedisChecker {
	return &RedisChecker{pub: pub}
}

// Name 返回检查器名称
func (c *RedisChecker) Name() string {
	return "redis"
}

// Check 执行健康检查
func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pub.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	status := StatusHealthy
	message := "ok"
	if !c.pub.Ready() {
		// ping 通了但上次发布失败后还没恢复
		status = StatusDegraded
		message = "recovering from publish failure"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Latency: time.Since(start),
	}
}
