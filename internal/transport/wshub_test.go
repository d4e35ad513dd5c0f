package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	cfgpkg "github.com/doorlink/proximity-server/internal/config"
	"github.com/doorlink/proximity-server/internal/proximity"
)

func testBatch() *SnapshotBatch {
	return &SnapshotBatch{
		BatchID:     "batch-1",
		Seq:         7,
		PublishedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Devices: []proximity.DeviceSnapshot{
			{DeviceID: "D1", Label: "tenant-1", EWMA: -64.5, IsNear: true, PacketCount: 5, RawSamples: []int{-64, -65}},
		},
	}
}

func TestWSHubNotReadyWithoutSubscribers(t *testing.T) {
	hub := NewWSHub(cfgpkg.WSConfig{SendQueueSize: 4}, zap.NewNop())
	if hub.Ready() {
		t.Fatalf("hub with no subscribers must not be ready")
	}
	if err := hub.Publish(context.Background(), testBatch()); err != ErrNoSink {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestWSHubBroadcastsBatch(t *testing.T) {
	hub := NewWSHub(cfgpkg.WSConfig{SendQueueSize: 4}, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// 订阅端注册是异步的，等 Ready 翻转
	deadline := time.Now().Add(time.Second)
	for !hub.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !hub.Ready() {
		t.Fatalf("hub should become ready after a subscriber connects")
	}

	if err := hub.Publish(context.Background(), testBatch()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got SnapshotBatch
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Seq != 7 || len(got.Devices) != 1 {
		t.Fatalf("unexpected batch: %+v", got)
	}
	d := got.Devices[0]
	if d.DeviceID != "D1" || !d.IsNear || d.EWMA != -64.5 || len(d.RawSamples) != 2 {
		t.Fatalf("device fields must survive the wire: %+v", d)
	}
}

func TestMultiPublisher(t *testing.T) {
	okSink := &fakeSink{ready: true}
	downSink := &fakeSink{ready: false}

	m := NewMulti(downSink, okSink)
	if !m.Ready() {
		t.Fatalf("multi must be ready when any sink is ready")
	}
	if err := m.Publish(context.Background(), testBatch()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if okSink.published != 1 || downSink.published != 0 {
		t.Fatalf("only ready sinks should receive the batch")
	}

	okSink.ready = false
	if m.Ready() {
		t.Fatalf("multi with no ready sinks must not be ready")
	}
	if err := m.Publish(context.Background(), testBatch()); err != ErrNoSink {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

type fakeSink struct {
	ready     bool
	published int
	err       error
}

func (f *fakeSink) Name() string { return "fake" }
func (f *fakeSink) Ready() bool  { return f.ready }
func (f *fakeSink) Publish(context.Context, *SnapshotBatch) error {
	if f.err != nil {
		return f.err
	}
	f.published++
	return nil
}
