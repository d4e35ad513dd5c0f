package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/metrics"
	"github.com/doorlink/proximity-server/internal/proximity"
)

// ExpiryScanner 过期扫描。周期检查引擎内的跟踪项，
// 把超过静默期的设备硬删除——设备再次出现时从冷启动状态重建。
type ExpiryScanner struct {
	engine  *proximity.Engine
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	interval time.Duration
	now      func() time.Time

	statsExpired int64
}

// NewExpiryScanner 创建过期扫描器
func NewExpiryScanner(engine *proximity.Engine, interval time.Duration, m *metrics.AppMetrics, logger *zap.Logger) *ExpiryScanner {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryScanner{
		engine:   engine,
		logger:   logger,
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

// Start 启动扫描循环，ctx 取消后退出
func (e *ExpiryScanner) Start(ctx context.Context) {
	e.logger.Info("expiry scanner started", zap.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("expiry scanner stopped", zap.Int64("expired", e.statsExpired))
			return
		case <-ticker.C:
			e.scanOnce()
		}
	}
}

func (e *ExpiryScanner) scanOnce() {
	expired := e.engine.ExpireStale(e.now())
	if len(expired) == 0 {
		return
	}

	e.statsExpired += int64(len(expired))
	if e.metrics != nil {
		e.metrics.DevicesExpired.Add(float64(len(expired)))
		e.metrics.TrackedDevices.Set(float64(e.engine.TrackedCount()))
	}
	e.logger.Info("expired stale devices",
		zap.Strings("device_ids", expired),
		zap.Int("remaining", e.engine.TrackedCount()))
}
