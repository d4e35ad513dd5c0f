package transport

import (
	"context"
	"errors"
	"time"

	"github.com/doorlink/proximity-server/internal/proximity"
)

// ErrNoSink 所有下游都不可用
var ErrNoSink = errors.New("transport: no sink available")

// SnapshotBatch 一次发布节拍产出的完整快照批次。
// 字段语义对下游有约束力：isNear 为去抖后的布尔判定，
// ewma 为 dBm 实数估计，lastSeenAt 为绝对时刻。
type SnapshotBatch struct {
	BatchID     string                     `json:"batchId"`
	Seq         uint64                     `json:"seq"`
	PublishedAt time.Time                  `json:"publishedAt"`
	Devices     []proximity.DeviceSnapshot `json:"devices"`
}

// Publisher 快照出口。Ready 为假时本次发布节拍直接跳过，
// 引擎侧的待发布样本继续积累，不丢失。
type Publisher interface {
	Name() string
	Ready() bool
	Publish(ctx context.Context, batch *SnapshotBatch) error
}

// Multi 扇出到多个下游。任一下游就绪即视为就绪；
// 只要有一个下游收下批次即算发布成功。
type Multi struct {
	sinks []Publisher
}

// NewMulti 创建扇出发布器
func NewMulti(sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Ready() bool {
	for _, s := range m.sinks {
		if s.Ready() {
			return true
		}
	}
	return false
}

func (m *Multi) Publish(ctx context.Context, batch *SnapshotBatch) error {
	delivered := false
	var lastErr error
	for _, s := range m.sinks {
		if !s.Ready() {
			continue
		}
		if err := s.Publish(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrNoSink
}
