package app

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/metrics"
	"github.com/doorlink/proximity-server/internal/proximity"
)

// ErrIngestorFull 采样缓冲已满
var ErrIngestorFull = errors.New("sample buffer full")

// SampleIngestor 采样入口。扫描上行的回调线程把采样投进缓冲，
// 由单个 goroutine 串行喂给引擎——回调路径绝不在引擎锁上等待。
type SampleIngestor struct {
	engine  *proximity.Engine
	logger  *zap.Logger
	metrics *metrics.AppMetrics

	// strict 模式下的入口过滤：返回 false 的设备直接拒绝
	gate func(deviceID string) bool

	ch chan proximity.Sample

	// 统计。dropped 在提交方 goroutine 上累加，其余仅消费循环触碰
	statsIngested int64
	statsRejected int64
	statsDropped  atomic.Int64
}

// NewSampleIngestor 创建采样入口
func NewSampleIngestor(engine *proximity.Engine, buffer int, m *metrics.AppMetrics, logger *zap.Logger) *SampleIngestor {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SampleIngestor{
		engine:  engine,
		logger:  logger,
		metrics: m,
		ch:      make(chan proximity.Sample, buffer),
	}
}

// SetGate 设置入口过滤（strict 模式：清单外设备拒绝）
func (i *SampleIngestor) SetGate(gate func(deviceID string) bool) { i.gate = gate }

// Submit 非阻塞投递。缓冲满时丢弃并计数——采样率在每秒几十条量级，
// 缓冲溢出意味着上游失控，丢单条采样本就是算法可容忍的。
func (i *SampleIngestor) Submit(s proximity.Sample) error {
	if i.gate != nil && !i.gate(s.DeviceID) {
		if i.metrics != nil {
			i.metrics.SamplesRejected.WithLabelValues("unregistered").Inc()
		}
		return nil
	}
	select {
	case i.ch <- s:
		return nil
	default:
		i.statsDropped.Add(1)
		if i.metrics != nil {
			i.metrics.SamplesRejected.WithLabelValues("overflow").Inc()
		}
		return ErrIngestorFull
	}
}

// Start 启动消费循环，ctx 取消后停止接收并退出
func (i *SampleIngestor) Start(ctx context.Context) {
	i.logger.Info("sample ingestor started", zap.Int("buffer", cap(i.ch)))

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("sample ingestor stopped",
				zap.Int64("ingested", i.statsIngested),
				zap.Int64("rejected", i.statsRejected),
				zap.Int64("dropped", i.statsDropped.Load()))
			return
		case s := <-i.ch:
			if err := i.engine.Ingest(s); err != nil {
				i.statsRejected++
				if i.metrics != nil {
					i.metrics.SamplesRejected.WithLabelValues("malformed").Inc()
				}
				i.logger.Debug("sample rejected",
					zap.String("device_id", s.DeviceID),
					zap.Error(err))
				continue
			}
			i.statsIngested++
			if i.metrics != nil {
				i.metrics.SamplesIngested.Inc()
				i.metrics.TrackedDevices.Set(float64(i.engine.TrackedCount()))
			}
		}
	}
}
