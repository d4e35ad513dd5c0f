package scanfeed

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/doorlink/proximity-server/internal/config"
	"github.com/doorlink/proximity-server/internal/proximity"
)

// wireSample 扫描进程推送的一行 JSON。
// rssi 用指针区分"缺失"与 0；observedAt 缺省取服务端接收时间。
type wireSample struct {
	DeviceID   string     `json:"deviceId"`
	RSSI       *int       `json:"rssi"`
	ObservedAt *time.Time `json:"observedAt"`
}

// Server 扫描上行网关。接收外部 BLE 扫描进程经 TCP 推送的
// 换行分隔 JSON 采样，解析后交给采样处理回调。
type Server struct {
	cfg     cfgpkg.ScanFeedConfig
	logger  *zap.Logger
	limiter *RateLimiter

	ln    net.Listener
	wg    sync.WaitGroup
	stopC chan struct{}

	handler func(proximity.Sample)
	now     func() time.Time

	// 可选指标回调
	onAccept    func()
	onRecvBytes func(n int)
	onDropped   func(reason string)
}

// New 创建扫描上行网关
func New(cfg cfgpkg.ScanFeedConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RatePerSec, cfg.Burst),
		stopC:   make(chan struct{}),
		now:     time.Now,
	}
}

// SetSampleHandler 设置采样处理回调
func (s *Server) SetSampleHandler(h func(proximity.Sample)) { s.handler = h }

// SetMetricsCallbacks 设置指标回调
func (s *Server) SetMetricsCallbacks(onAccept func(), onRecvBytes func(int), onDropped func(reason string)) {
	s.onAccept, s.onRecvBytes, s.onDropped = onAccept, onRecvBytes, onDropped
}

// Addr 返回实际监听地址（测试用 :0 时获取随机端口）
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stats 上行统计
type Stats struct {
	Listening bool
	Allowed   int64
	Rejected  int64
}

// GetStats 返回当前上行统计（健康检查用）
func (s *Server) GetStats() Stats {
	return Stats{
		Listening: s.ln != nil,
		Allowed:   s.limiter.AllowedCount(),
		Rejected:  s.limiter.RejectedCount(),
	}
}

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.stopC:
					return
				default:
				}
				// 短暂错误等待后重试
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if s.onAccept != nil {
				s.onAccept()
			}

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer c.Close()
				s.serveConn(c)
			}(conn)
		}
	}()
	return nil
}

// serveConn 逐行读取并解析采样。坏行计数后丢弃，连接继续存活：
// 单条坏样本不值得断开整个扫描进程。
func (s *Server) serveConn(c net.Conn) {
	scanner := bufio.NewScanner(c)
	maxLine := s.cfg.MaxLineSize
	if maxLine <= 0 {
		maxLine = 4096
	}
	scanner.Buffer(make([]byte, 0, 1024), maxLine)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.stopC:
				default:
					s.logger.Debug("scan feed connection closed", zap.Error(err))
				}
			}
			return
		}
		line := scanner.Bytes()
		if s.onRecvBytes != nil {
			s.onRecvBytes(len(line) + 1)
		}
		if len(line) == 0 {
			continue
		}

		if !s.limiter.Allow() {
			s.drop("overflow")
			continue
		}

		var w wireSample
		if err := json.Unmarshal(line, &w); err != nil {
			s.drop("malformed")
			continue
		}
		if w.DeviceID == "" || w.RSSI == nil {
			s.drop("malformed")
			continue
		}

		observed := s.now()
		if w.ObservedAt != nil && !w.ObservedAt.IsZero() {
			observed = *w.ObservedAt
		}
		if s.handler != nil {
			s.handler(proximity.Sample{
				DeviceID:   w.DeviceID,
				RSSI:       *w.RSSI,
				ObservedAt: observed,
			})
		}
	}
}

func (s *Server) drop(reason string) {
	if s.onDropped != nil {
		s.onDropped(reason)
	}
}

// Shutdown 优雅关闭监听并等待连接退出
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopC)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
