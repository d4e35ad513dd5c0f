package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/proximity"
	"github.com/doorlink/proximity-server/internal/transport"
)

func testEngine(t *testing.T) *proximity.Engine {
	t.Helper()
	e, err := proximity.New(proximity.Params{
		EnterThreshold:  -65,
		ExitThreshold:   -69,
		AlphaNear:       0.3,
		AlphaFar:        0.8,
		WindowDuration:  4 * time.Second,
		PacketsRequired: 4,
		ExpiryTimeout:   12 * time.Second,
	})
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return e
}

type recordingSink struct {
	mu      sync.Mutex
	ready   bool
	err     error
	batches []*transport.SnapshotBatch
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *recordingSink) Publish(_ context.Context, b *transport.SnapshotBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestIngestorFeedsEngine(t *testing.T) {
	engine := testEngine(t)
	ing := NewSampleIngestor(engine, 16, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ing.Start(ctx)
		close(done)
	}()

	now := time.Unix(1000, 0)
	if err := ing.Submit(proximity.Sample{DeviceID: "AA:BB", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for engine.TrackedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never received the sample")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestIngestorGateRejectsUnknownDevices(t *testing.T) {
	engine := testEngine(t)
	ing := NewSampleIngestor(engine, 16, nil, zap.NewNop())
	ing.SetGate(func(deviceID string) bool { return deviceID == "KNOWN" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Start(ctx)

	now := time.Unix(1000, 0)
	if err := ing.Submit(proximity.Sample{DeviceID: "STRANGER", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("gated submit should not error: %v", err)
	}
	if err := ing.Submit(proximity.Sample{DeviceID: "KNOWN", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for engine.TrackedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never received the allowed sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if engine.TrackedCount() != 1 {
		t.Fatalf("tracked = %d, want 1 (gated device must not reach the engine)", engine.TrackedCount())
	}
}

func TestIngestorOverflowDropsSamples(t *testing.T) {
	engine := testEngine(t)
	ing := NewSampleIngestor(engine, 1, nil, zap.NewNop())
	// 不启动消费循环，缓冲只容一条

	now := time.Unix(1000, 0)
	if err := ing.Submit(proximity.Sample{DeviceID: "AA", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("first submit should fit: %v", err)
	}
	if err := ing.Submit(proximity.Sample{DeviceID: "BB", RSSI: -70, ObservedAt: now}); err != ErrIngestorFull {
		t.Fatalf("second submit err = %v, want ErrIngestorFull", err)
	}
}

func TestPublisherSkipsWhenSinkNotReady(t *testing.T) {
	engine := testEngine(t)
	sink := &recordingSink{ready: false}
	pub := NewSnapshotPublisher(engine, sink, 200*time.Millisecond, nil, zap.NewNop())

	now := time.Unix(1000, 0)
	if err := engine.Ingest(proximity.Sample{DeviceID: "AA", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	pub.publishOnce(context.Background())
	if sink.count() != 0 {
		t.Fatal("publish must be skipped while the sink is not ready")
	}

	// 跳过的 tick 不得清空待发采样
	v, ok := engine.Device(now, "AA")
	if !ok {
		t.Fatal("device disappeared")
	}
	if v.PendingSamples != 1 {
		t.Fatalf("pending = %d, want 1 (skip must not drain pending samples)", v.PendingSamples)
	}

	sink.mu.Lock()
	sink.ready = true
	sink.mu.Unlock()

	pub.publishOnce(context.Background())
	if sink.count() != 1 {
		t.Fatalf("batches = %d, want 1", sink.count())
	}
	got := sink.batches[0]
	if len(got.Devices) != 1 || len(got.Devices[0].RawSamples) != 1 {
		t.Fatalf("batch should carry the accumulated raw sample, got %+v", got.Devices)
	}
}

func TestPublisherSequenceAndBatchIDs(t *testing.T) {
	engine := testEngine(t)
	sink := &recordingSink{ready: true}
	pub := NewSnapshotPublisher(engine, sink, 200*time.Millisecond, nil, zap.NewNop())

	pub.publishOnce(context.Background())
	pub.publishOnce(context.Background())

	if sink.count() != 2 {
		t.Fatalf("batches = %d, want 2", sink.count())
	}
	if sink.batches[0].Seq != 1 || sink.batches[1].Seq != 2 {
		t.Fatalf("seq = %d,%d, want 1,2", sink.batches[0].Seq, sink.batches[1].Seq)
	}
	if sink.batches[0].BatchID == sink.batches[1].BatchID {
		t.Fatal("batch IDs must be unique")
	}
}

func TestPublisherCountsFailuresAfterClear(t *testing.T) {
	engine := testEngine(t)
	sink := &recordingSink{ready: true, err: context.DeadlineExceeded}
	pub := NewSnapshotPublisher(engine, sink, 200*time.Millisecond, nil, zap.NewNop())

	now := time.Unix(1000, 0)
	if err := engine.Ingest(proximity.Sample{DeviceID: "AA", RSSI: -70, ObservedAt: now}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	pub.publishOnce(context.Background())
	if pub.statsFailed != 1 {
		t.Fatalf("failed = %d, want 1", pub.statsFailed)
	}

	// Ready 时快照已取走，发布失败不回滚
	v, _ := engine.Device(now, "AA")
	if v.PendingSamples != 0 {
		t.Fatal("pending samples must be drained once the sink reported ready")
	}
}

func TestExpiryScannerRemovesStaleDevices(t *testing.T) {
	engine := testEngine(t)
	scanner := NewExpiryScanner(engine, time.Second, nil, zap.NewNop())

	base := time.Unix(1000, 0)
	if err := engine.Ingest(proximity.Sample{DeviceID: "OLD", RSSI: -70, ObservedAt: base}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := engine.Ingest(proximity.Sample{DeviceID: "FRESH", RSSI: -70, ObservedAt: base.Add(10 * time.Second)}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	scanner.now = func() time.Time { return base.Add(13 * time.Second) }
	scanner.scanOnce()

	if engine.TrackedCount() != 1 {
		t.Fatalf("tracked = %d, want 1", engine.TrackedCount())
	}
	if _, ok := engine.Device(base.Add(13*time.Second), "OLD"); ok {
		t.Fatal("stale device should have been removed")
	}
	if _, ok := engine.Device(base.Add(13*time.Second), "FRESH"); !ok {
		t.Fatal("fresh device should survive the scan")
	}
	if scanner.statsExpired != 1 {
		t.Fatalf("expired = %d, want 1", scanner.statsExpired)
	}
}
