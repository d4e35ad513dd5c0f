package health

import (
	"context"
	"time"

	"github.com/doorlink/proximity-server/internal/proximity"
)

// EngineChecker 邻近引擎健康检查器。引擎是纯内存组件，
// 只报告跟踪规模，规模异常意味着过期扫描失效。
type EngineChecker struct {
	engine    *proximity.Engine
	maxTracks int
}

// NewEngineChecker 创建引擎健康检查器
// maxTracks: 跟踪数超过此值判定 Degraded，<=0 使用默认 10000
func NewEngineChecker(engine *proximity.Engine, maxTracks int) *EngineChecker {
	if maxTracks <= 0 {
		maxTracks = 10000
	}
	return &EngineChecker{engine: engine, maxTracks: maxTracks}
}

// Name 返回检查器名称
func (c *EngineChecker) Name() string {
	return "engine"
}

// Check 执行健康检查
func (c *EngineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	tracked := c.engine.TrackedCount()

	status := StatusHealthy
	message := "ok"
	if tracked > c.maxTracks {
		status = StatusDegraded
		message = "tracked devices exceed expected bound"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"tracked_devices": tracked,
			"max_tracks":      c.maxTracks,
		},
		Latency: time.Since(start),
	}
}
