package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/imu_capture/internal/capture"
	"github.com/relabs-tech/imu_capture/internal/catalog"
	"github.com/relabs-tech/imu_capture/internal/config"
	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/recording"
	"github.com/relabs-tech/imu_capture/internal/sensors"
	"github.com/relabs-tech/imu_capture/internal/telemetry"
)

type countingLock struct {
	acquired, released atomic.Int32
}

func (l *countingLock) Acquire() error { l.acquired.Add(1); return nil }
func (l *countingLock) Release() error { l.released.Add(1); return nil }

func TestRun_ShutdownFinalizesRecording(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DeviceID = "watch-01"
	cfg.RecordingsDir = filepath.Join(dir, "rec")
	cfg.CatalogPath = filepath.Join(dir, "catalog.db")
	cfg.HTTPPorts = []int{0}
	cfg.RowTrigger = capture.TriggerAccel
	cfg.EnableMagnetometer = false

	src := sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true})
	lock := &countingLock{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(cfg, logger, Options{Provider: src, Lock: lock})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !a.Server().Running() {
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/start", a.Server().Port()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/start = %d", resp.StatusCode)
	}
	session := a.Recorder().Snapshot().Session
	if session == nil {
		t.Fatal("no open session after /start")
	}

	for i := int64(1); i <= 10; i++ {
		src.Inject(imu.Sample{Kind: imu.Gyroscope, Timestamp: i*100 - 1})
		src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: i * 100, Z: 9.8})
	}
	for a.Recorder().Snapshot().SampleCount != 10 {
		if time.Now().After(deadline) {
			t.Fatal("rows not written")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	if a.Server().Running() {
		t.Error("server still running after shutdown")
	}
	h, err := recording.ReadHeader(session.File)
	if err != nil {
		t.Fatal(err)
	}
	if h.SampleCount != 10 || h.EndTime == 0 {
		t.Errorf("header after shutdown = %+v", h)
	}
	if lock.acquired.Load() != 1 || lock.released.Load() != 1 {
		t.Errorf("wake lock acquired %d released %d, want 1 and 1", lock.acquired.Load(), lock.released.Load())
	}

	store, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	entries, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SessionID != session.ID || entries[0].SampleCount != 10 || len(entries[0].Digest) != 64 {
		t.Errorf("catalog = %+v", entries)
	}
}

func TestRun_NoPort(t *testing.T) {
	cfg := config.Default()
	cfg.RecordingsDir = t.TempDir()
	cfg.HTTPPorts = []int{-1}
	lock := &countingLock{}

	a, err := New(cfg, slog.New(slog.DiscardHandler), Options{
		Provider: sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true}),
		Lock:     lock,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without a port")
	}
	if lock.acquired.Load() != lock.released.Load() {
		t.Error("wake hold leaked on startup failure")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	l := NewLogger(cfg, io.Discard)
	if l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !l.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestSessionQueue_PushDoesNotWaitOnPublisher(t *testing.T) {
	q := newSessionQueue(4)
	gate := make(chan struct{})
	var got []string
	go q.run(func(ev telemetry.SessionEvent) {
		<-gate
		got = append(got, ev.SessionID)
	})

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for _, id := range []string{"a", "b", "c"} {
			if !q.push(telemetry.SessionEvent{SessionID: id}) {
				t.Errorf("push %s refused", id)
			}
		}
	}()
	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked behind a stalled publish")
	}

	close(gate)
	q.close()
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("published %v, want [a b c]", got)
	}
}

func TestSessionQueue_FullQueueDrops(t *testing.T) {
	q := newSessionQueue(1)
	if !q.push(telemetry.SessionEvent{SessionID: "a"}) {
		t.Fatal("first push refused")
	}
	if q.push(telemetry.SessionEvent{SessionID: "b"}) {
		t.Error("push accepted beyond capacity")
	}

	var n int
	go q.run(func(telemetry.SessionEvent) { n++ })
	q.close()
	if n != 1 {
		t.Errorf("published %d events, want 1", n)
	}
}
