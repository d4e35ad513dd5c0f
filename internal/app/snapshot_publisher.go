package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/metrics"
	"github.com/doorlink/proximity-server/internal/proximity"
	"github.com/doorlink/proximity-server/internal/transport"
)

// SnapshotPublisher 周期快照推送。每个 tick 从引擎取一次快照并广播；
// 下游不可用时跳过本轮，待发原始采样继续在引擎里累积。
type SnapshotPublisher struct {
	engine  *proximity.Engine
	sink    transport.Publisher
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	tick time.Duration
	seq  uint64
	now  func() time.Time

	// 统计
	statsPublished int64
	statsSkipped   int64
	statsFailed    int64
}

// NewSnapshotPublisher 创建快照推送器
func NewSnapshotPublisher(engine *proximity.Engine, sink transport.Publisher, tick time.Duration, m *metrics.AppMetrics, logger *zap.Logger) *SnapshotPublisher {
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotPublisher{
		engine:  engine,
		sink:    sink,
		logger:  logger,
		metrics: m,
		tick:    tick,
		now:     time.Now,
	}
}

// Start 启动推送循环，ctx 取消后退出
func (p *SnapshotPublisher) Start(ctx context.Context) {
	p.logger.Info("snapshot publisher started",
		zap.Duration("tick", p.tick),
		zap.String("sink", p.sink.Name()))

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("snapshot publisher stopped",
				zap.Int64("published", p.statsPublished),
				zap.Int64("skipped", p.statsSkipped),
				zap.Int64("failed", p.statsFailed))
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

// publishOnce 执行一轮推送。先检查下游可达性再取快照：
// 跳过的 tick 不清空待发采样，订阅端重连后能拿到完整累积。
func (p *SnapshotPublisher) publishOnce(ctx context.Context) {
	if !p.sink.Ready() {
		p.statsSkipped++
		if p.metrics != nil {
			p.metrics.SnapshotsSkipped.WithLabelValues("transport_unavailable").Inc()
		}
		return
	}

	now := p.now()
	devices := p.engine.SnapshotAndClear(now)

	p.seq++
	batch := &transport.SnapshotBatch{
		BatchID:     uuid.NewString(),
		Seq:         p.seq,
		PublishedAt: now,
		Devices:     devices,
	}

	// 推送在引擎锁之外执行，慢订阅端不会阻塞采样处理
	if err := p.sink.Publish(ctx, batch); err != nil {
		p.statsFailed++
		if p.metrics != nil {
			p.metrics.SnapshotsSkipped.WithLabelValues("publish_error").Inc()
		}
		p.logger.Warn("snapshot publish failed",
			zap.String("batch_id", batch.BatchID),
			zap.Uint64("seq", batch.Seq),
			zap.Error(err))
		return
	}

	p.statsPublished++
	if p.metrics != nil {
		p.metrics.SnapshotsPublished.Inc()
		p.metrics.SnapshotDevices.Set(float64(len(devices)))
	}
}
