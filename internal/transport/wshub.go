package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	cfgpkg "github.com/doorlink/proximity-server/internal/config"
)

const wsWriteTimeout = 2 * time.Second

// wsClient 单个订阅端。独立发送队列 + 写泵，慢消费者不拖累广播。
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// WSHub WebSocket 广播中心。下游决策引擎通过 /ws 订阅快照流。
// 没有订阅端时 Ready 为假：发布节拍跳过，引擎状态不受影响。
type WSHub struct {
	cfg      cfgpkg.WSConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	onClients func(n int)
}

// NewWSHub 创建广播中心
func NewWSHub(cfg cfgpkg.WSConfig, logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			WriteBufferSize: cfg.WriteBufferSize,
			// 订阅端是局域网内的决策引擎，不做跨域限制
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// SetClientsGauge 设置订阅端数量指标回调
func (h *WSHub) SetClientsGauge(fn func(n int)) { h.onClients = fn }

func (h *WSHub) Name() string { return "websocket" }

// Ready 有订阅端即就绪
func (h *WSHub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount 当前订阅端数
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 序列化批次并广播给所有订阅端。
// 发送队列已满的订阅端视为掉队，直接断开，防止反压传导到发布节拍。
func (h *WSHub) Publish(_ context.Context, batch *SnapshotBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoSink
	}

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket subscriber")
			h.remove(c)
		}
	}
	return nil
}

// ServeHTTP 升级请求为 WebSocket 连接并注册为订阅端
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	queue := h.cfg.SendQueueSize
	if queue <= 0 {
		queue = 16
	}
	c := &wsClient{conn: conn, send: make(chan []byte, queue), done: make(chan struct{})}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.notifyClients(n)
	h.logger.Info("websocket subscriber connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("subscribers", n))

	go h.writePump(c)
	go h.readPump(c)
}

// writePump 串行写出该订阅端的队列
func (h *WSHub) writePump(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump 只为感知断开；订阅端不上行任何业务数据
func (h *WSHub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.done)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		h.notifyClients(n)
		h.logger.Info("websocket subscriber disconnected", zap.Int("subscribers", n))
	}
}

// Close 断开所有订阅端
func (h *WSHub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.done)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
	h.notifyClients(0)
}

func (h *WSHub) notifyClients(n int) {
	if h.onClients != nil {
		h.onClients(n)
	}
}
