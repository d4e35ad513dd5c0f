package health

import (
	"context"
	"fmt"
	"time"

	"github.com/doorlink/proximity-server/internal/scanfeed"
)

// ScanFeedChecker 扫描上行健康检查器
type ScanFeedChecker struct {
	server *scanfeed.Server
}

// NewScanFeedChecker 创建扫描上行健康检查器
func NewScanFeedChecker(server *scanfeed.Server) *ScanFeedChecker {
	return &ScanFeedChecker{server: server}
}

// Name 返回检查器名称
func (c *ScanFeedChecker) Name() string {
	return "scanfeed"
}

// Check 执行健康检查
func (c *ScanFeedChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	stats := c.server.GetStats()
	if !stats.Listening {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "listener not started",
			Latency: time.Since(start),
		}
	}

	status := StatusHealthy
	message := "ok"

	// 大量限流意味着上游扫描进程失控
	total := stats.Allowed + stats.Rejected
	if total > 0 {
		rejectRate := float64(stats.Rejected) / float64(total)
		if rejectRate > 0.5 {
			status = StatusDegraded
			message = "feed heavily rate limited"
		}
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"samples_allowed":  stats.Allowed,
			"samples_rejected": stats.Rejected,
			"reject_rate":      fmt.Sprintf("%.1f%%", rejectPercent(stats.Allowed, stats.Rejected)),
		},
		Latency: time.Since(start),
	}
}

func rejectPercent(allowed, rejected int64) float64 {
	total := allowed + rejected
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total) * 100
}
