package proximity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Params 引擎判定参数。构造后不可变。
type Params struct {
	EnterThreshold  float64       // dBm，far→near 所需的平滑强度
	ExitThreshold   float64       // dBm，near→far 阈值，必须低于 EnterThreshold
	AlphaNear       float64       // near 状态下的 EWMA 权重（小，更稳）
	AlphaFar        float64       // far 状态下的 EWMA 权重（大，响应快）
	WindowDuration  time.Duration // 滚动到达窗口
	PacketsRequired int           // 窗口内最少报文数
	ExpiryTimeout   time.Duration // 无采样超时，超过即删除跟踪
}

// DefaultParams 默认判定参数
func DefaultParams() Params {
	return Params{
		EnterThreshold:  -65,
		ExitThreshold:   -69,
		AlphaNear:       0.3,
		AlphaFar:        0.8,
		WindowDuration:  4 * time.Second,
		PacketsRequired: 4,
		ExpiryTimeout:   12 * time.Second,
	}
}

// Validate 参数非法属于配置错误，构造引擎时直接失败。
func (p Params) Validate() error {
	if p.EnterThreshold <= p.ExitThreshold {
		return fmt.Errorf("enter threshold %.1f must exceed exit threshold %.1f", p.EnterThreshold, p.ExitThreshold)
	}
	if p.AlphaNear <= 0 || p.AlphaNear > 1 {
		return fmt.Errorf("alphaNear %.2f out of range (0,1]", p.AlphaNear)
	}
	if p.AlphaFar <= 0 || p.AlphaFar > 1 {
		return fmt.Errorf("alphaFar %.2f out of range (0,1]", p.AlphaFar)
	}
	if p.WindowDuration <= 0 {
		return fmt.Errorf("windowDuration must be positive")
	}
	if p.PacketsRequired < 1 {
		return fmt.Errorf("packetsRequired must be >= 1, got %d", p.PacketsRequired)
	}
	if p.ExpiryTimeout <= p.WindowDuration {
		return fmt.Errorf("expiryTimeout %s must exceed windowDuration %s", p.ExpiryTimeout, p.WindowDuration)
	}
	return nil
}

// Observer 引擎事件回调（指标层消费）
type Observer interface {
	Record(operation, status string)
}

// ObserverFunc 函数式 Observer
type ObserverFunc func(operation, status string)

func (f ObserverFunc) Record(operation, status string) {
	if f != nil {
		f(operation, status)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string) {})
}

// Engine 近场判定引擎。持有全部设备跟踪状态，
// 对每个采样执行 平滑 + 迟滞 + 窗口校验 流水线。
// 单把互斥锁覆盖全部状态：采样率在每秒几十条量级，粗粒度锁足够。
type Engine struct {
	mu     sync.Mutex
	params Params
	tracks map[string]*track
	labels map[string]string // 配对层登记的标签，首个采样时附着到跟踪上

	observer Observer
	logger   *zap.Logger
}

// Option Engine 构造选项
type Option func(*Engine)

// WithObserver 注入事件回调
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithLogger 注入日志器
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New 构造引擎。参数非法直接返回错误，拒绝启动。
func New(params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine params: %w", err)
	}
	e := &Engine{
		params:   params,
		tracks:   make(map[string]*track),
		labels:   make(map[string]string),
		observer: NopObserver(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register 登记设备标签（配对层边界）。标签不被引擎解释，只随快照透传。
// 设备已在跟踪时就地更新标签，否则记下来等首个采样。
func (e *Engine) Register(deviceID, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.labels[deviceID] = label
	if t, ok := e.tracks[deviceID]; ok {
		t.label = label
	}
}

// Forget 移除设备的登记与跟踪（设备从配对清单删除时调用）。
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.labels, deviceID)
	delete(e.tracks, deviceID)
}

// Ingest 处理一个采样：查找/建立跟踪 → 平滑 → 窗口校验 → 双阈值迟滞。
// 除修改该设备的跟踪状态外无任何副作用；坏样本被拒绝且不触碰状态。
func (e *Engine) Ingest(s Sample) error {
	if err := s.Validate(); err != nil {
		e.observer.Record("ingest", "rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracks[s.DeviceID]
	if !ok {
		t = &track{label: e.labels[s.DeviceID]}
		e.tracks[s.DeviceID] = t
		e.observer.Record("ingest", "created")
	}

	t.pending = append(t.pending, s.RSSI)
	t.window = append(t.window, s.ObservedAt)
	t.pruneWindow(s.ObservedAt, e.params.WindowDuration)

	// near 时用小 α 求稳，far 时用大 α 求快。刻意的不对称。
	alpha := e.params.AlphaFar
	if t.isNear {
		alpha = e.params.AlphaNear
	}
	if !t.seeded {
		t.ewma = float64(s.RSSI)
		t.seeded = true
	} else {
		t.ewma = alpha*float64(s.RSSI) + (1-alpha)*t.ewma
	}

	// 窗口校验：单个异常强包不足以翻转状态
	windowed := len(t.window) >= e.params.PacketsRequired

	if !t.isNear {
		if t.ewma >= e.params.EnterThreshold && windowed {
			t.isNear = true
			e.observer.Record("transition", "near")
			e.logger.Info("device is near",
				zap.String("device_id", s.DeviceID),
				zap.Float64("ewma", t.ewma),
				zap.Int("packets_in_window", len(t.window)))
		}
	} else {
		// 退出只看平滑强度：窗口内报文不足不强制退出，
		// 短暂的扫描间隙由过期扫描兜底
		if t.ewma <= e.params.ExitThreshold {
			t.isNear = false
			e.observer.Record("transition", "far")
			e.logger.Info("device went far",
				zap.String("device_id", s.DeviceID),
				zap.Float64("ewma", t.ewma))
		}
	}

	t.lastSeen = s.ObservedAt
	e.observer.Record("ingest", "ok")
	return nil
}

// SnapshotAndClear 生成全部跟踪设备的快照并清空各自的待发布样本。
// 读取与清空在同一临界区内完成：任何采样不会进两批快照，也不会凭空消失。
func (e *Engine) SnapshotAndClear(now time.Time) []DeviceSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DeviceSnapshot, 0, len(e.tracks))
	for id, t := range e.tracks {
		t.pruneWindow(now, e.params.WindowDuration)
		snap := DeviceSnapshot{
			DeviceID:    id,
			Label:       t.label,
			EWMA:        t.ewma,
			IsNear:      t.isNear,
			LastSeenAt:  t.lastSeen,
			PacketCount: len(t.window),
		}
		if len(t.pending) > 0 {
			snap.RawSamples = t.pending
			t.pending = nil
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	e.observer.Record("snapshot", "ok")
	return out
}

// View 只读列出全部跟踪设备，不清空待发布样本。
func (e *Engine) View(now time.Time) []DeviceView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DeviceView, 0, len(e.tracks))
	for id, t := range e.tracks {
		t.pruneWindow(now, e.params.WindowDuration)
		out = append(out, DeviceView{
			DeviceID:       id,
			Label:          t.label,
			EWMA:           t.ewma,
			IsNear:         t.isNear,
			LastSeenAt:     t.lastSeen,
			PacketCount:    len(t.window),
			PendingSamples: len(t.pending),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Device 查询单个设备视图。未跟踪返回 false（不是错误：不在表里即 far/unknown）。
func (e *Engine) Device(now time.Time, deviceID string) (DeviceView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tracks[deviceID]
	if !ok {
		return DeviceView{}, false
	}
	t.pruneWindow(now, e.params.WindowDuration)
	return DeviceView{
		DeviceID:       deviceID,
		Label:          t.label,
		EWMA:           t.ewma,
		IsNear:         t.isNear,
		LastSeenAt:     t.lastSeen,
		PacketCount:    len(t.window),
		PendingSamples: len(t.pending),
	}, true
}

// ExpireStale 硬删除超时无采样的跟踪，返回被移除的设备 ID。
// 同一设备之后再出现按全新跟踪冷启动处理。
func (e *Engine) ExpireStale(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []string
	for id, t := range e.tracks {
		if now.Sub(t.lastSeen) > e.params.ExpiryTimeout {
			delete(e.tracks, id)
			removed = append(removed, id)
			e.observer.Record("expire", "stale")
		}
	}
	return removed
}

// TrackedCount 当前跟踪设备数
func (e *Engine) TrackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

// Registered 判断设备是否已由配对层登记
func (e *Engine) Registered(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.labels[deviceID]
	return ok
}
