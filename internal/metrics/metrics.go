package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	ScanFeedAccepted   prometheus.Counter     // 扫描上行连接数
	ScanFeedBytes      prometheus.Counter     // 扫描上行累计字节数
	SamplesIngested    prometheus.Counter     // 成功进入引擎的采样数
	SamplesRejected    *prometheus.CounterVec // labels: reason=malformed|unregistered|overflow
	TrackedDevices     prometheus.Gauge       // 当前被跟踪设备数
	NearTransitions    *prometheus.CounterVec // labels: direction=enter|exit
	SnapshotsPublished prometheus.Counter     // 成功发布的快照批次数
	SnapshotsSkipped   *prometheus.CounterVec // labels: reason=transport_unavailable|publish_error
	SnapshotDevices    prometheus.Gauge       // 最近一批快照内的设备数
	DevicesExpired     prometheus.Counter     // 被过期扫描移除的设备数
	WSClientsGauge     prometheus.Gauge       // 当前 WebSocket 订阅端数
	RegistryReloads    prometheus.Counter     // 设备清单热加载次数
	RegistryDevices    prometheus.Gauge       // 清单内设备数
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		ScanFeedAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanfeed_accept_total",
			Help: "Total accepted scan feed connections.",
		}),
		ScanFeedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanfeed_bytes_received_total",
			Help: "Total bytes received over the scan feed.",
		}),
		SamplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_samples_ingested_total",
			Help: "RSSI samples accepted by the proximity engine.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_samples_rejected_total",
			Help: "RSSI samples rejected before reaching the engine.",
		}, []string{"reason"}),
		TrackedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_tracked_devices",
			Help: "Devices currently tracked by the proximity engine.",
		}),
		NearTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_near_transitions_total",
			Help: "Debounced near/far state transitions.",
		}, []string{"direction"}),
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_publish_total",
			Help: "Snapshot batches handed to the transport.",
		}),
		SnapshotsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_skipped_total",
			Help: "Publish ticks skipped or failed.",
		}, []string{"reason"}),
		SnapshotDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_devices",
			Help: "Devices included in the most recent snapshot batch.",
		}),
		DevicesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_devices_expired_total",
			Help: "Tracks removed by the expiry scanner.",
		}),
		WSClientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Currently connected WebSocket subscribers.",
		}),
		RegistryReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_reload_total",
			Help: "Device registry file reloads.",
		}),
		RegistryDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_devices",
			Help: "Devices listed in the registry file.",
		}),
	}
	reg.MustRegister(
		m.ScanFeedAccepted, m.ScanFeedBytes,
		m.SamplesIngested, m.SamplesRejected,
		m.TrackedDevices, m.NearTransitions,
		m.SnapshotsPublished, m.SnapshotsSkipped, m.SnapshotDevices,
		m.DevicesExpired, m.WSClientsGauge,
		m.RegistryReloads, m.RegistryDevices,
	)
	return m
}
