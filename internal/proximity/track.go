package proximity

import "time"

// track 单设备跟踪状态。仅由 Engine 在锁内读写。
type track struct {
	label    string
	ewma     float64
	seeded   bool // ewma 在首个采样前无定义
	isNear   bool
	window   []time.Time // 到达窗口，旧在前
	lastSeen time.Time
	pending  []int // 自上次发布以来的原始 RSSI，发布时整体清空
}

// pruneWindow 丢弃窗口内早于 now-d 的时间戳。任何长度判断前必须先剪枝。
func (t *track) pruneWindow(now time.Time, d time.Duration) {
	cut := 0
	for cut < len(t.window) && now.Sub(t.window[cut]) > d {
		cut++
	}
	if cut > 0 {
		t.window = t.window[cut:]
	}
}

// DeviceSnapshot 发布用的设备摘要，SnapshotAndClear 的输出单元。
type DeviceSnapshot struct {
	DeviceID    string    `json:"deviceId"`
	Label       string    `json:"label,omitempty"`
	EWMA        float64   `json:"ewma"`
	IsNear      bool      `json:"isNear"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	PacketCount int       `json:"packetCount"`
	RawSamples  []int     `json:"rawSamples,omitempty"`
}

// DeviceView 只读查询视图（HTTP API 用），不清空待发布样本。
type DeviceView struct {
	DeviceID       string    `json:"deviceId"`
	Label          string    `json:"label,omitempty"`
	EWMA           float64   `json:"ewma"`
	IsNear         bool      `json:"isNear"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	PacketCount    int       `json:"packetCount"`
	PendingSamples int       `json:"pendingSamples"`
}
