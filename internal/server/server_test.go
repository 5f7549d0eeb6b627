package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/imu_capture/internal/capture"
	"github.com/relabs-tech/imu_capture/internal/catalog"
	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/recorder"
	"github.com/relabs-tech/imu_capture/internal/recording"
	"github.com/relabs-tech/imu_capture/internal/sensors"
	"github.com/relabs-tech/imu_capture/internal/server"
)

type env struct {
	rec *recorder.Recorder
	src *sensors.Synthetic
	dir string
	srv *server.Server
	hub *server.Hub
	url string
}

func newEnv(t *testing.T, mutate func(*server.Config)) *env {
	t.Helper()
	e := &env{
		src: sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true}),
		dir: t.TempDir(),
		hub: server.NewHub(1, nil),
	}
	e.rec = recorder.New(recorder.Config{
		DeviceID:    "watch-01",
		Dir:         e.dir,
		ServiceName: "imu-capture",
		Trigger:     capture.TriggerAccel,
		Writer:      recording.DefaultOptions(),
		Provider:    e.src,
	})
	e.rec.Aggregator().AddTap(e.hub.Publish)

	cfg := server.Config{
		Ports:    []int{0},
		Recorder: e.rec,
		DataDir:  e.dir,
		Stream:   e.hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.srv = server.New(cfg)
	if err := e.srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go e.srv.Serve()
	e.url = fmt.Sprintf("http://127.0.0.1:%d", e.srv.Port())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.rec.Shutdown(ctx)
		e.srv.Shutdown(ctx)
	})
	return e
}

func (e *env) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(e.url + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func (e *env) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.rec.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func (e *env) record(t *testing.T, pairs int) {
	t.Helper()
	if code, body := e.get(t, "/start"); code != http.StatusOK {
		t.Fatalf("/start = %d %q", code, body)
	}
	for i := 1; i <= pairs; i++ {
		e.src.Inject(imu.Sample{Kind: imu.Gyroscope, Timestamp: int64(i)*1000 - 1, X: 0.5, Y: -0.5, Z: 0.25})
		e.src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: int64(i) * 1000, X: float32(i), Y: 2, Z: 9.81})
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.rec.Snapshot().SampleCount < int64(pairs) {
		if time.Now().After(deadline) {
			t.Fatal("rows not written")
		}
		time.Sleep(time.Millisecond)
	}
	if code, body := e.get(t, "/stop"); code != http.StatusOK {
		t.Fatalf("/stop = %d %q", code, body)
	}
	e.waitIdle(t)
}

func TestPing_AnyState(t *testing.T) {
	e := newEnv(t, nil)

	check := func(label string) {
		t.Helper()
		if code, body := e.get(t, "/ping"); code != http.StatusOK || body != "pong" {
			t.Errorf("%s: /ping = %d %q", label, code, body)
		}
	}
	check("idle")
	e.get(t, "/start")
	check("recording")
	e.get(t, "/stop")
	check("stopping")
	e.waitIdle(t)
	check("idle again")
}

func TestStartStop_StatusCodes(t *testing.T) {
	e := newEnv(t, nil)

	if code, body := e.get(t, "/stop"); code != http.StatusInternalServerError || !strings.Contains(body, "IDLE") {
		t.Errorf("/stop while idle = %d %q", code, body)
	}
	if code, body := e.get(t, "/start"); code != http.StatusOK || !strings.HasPrefix(body, "Recording started") {
		t.Errorf("/start = %d %q", code, body)
	}
	if code, body := e.get(t, "/start"); code != http.StatusInternalServerError || !strings.Contains(body, "RECORDING") {
		t.Errorf("second /start = %d %q", code, body)
	}
	if code, _ := e.get(t, "/stop"); code != http.StatusOK {
		t.Errorf("/stop = %d", code)
	}
	e.waitIdle(t)

	files, _ := filepath.Glob(filepath.Join(e.dir, "*.csv"))
	if len(files) != 1 {
		t.Errorf("%d session files, want 1", len(files))
	}
}

func TestStatus_JSON(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.get(t, "/status")
	if code != http.StatusOK {
		t.Fatalf("/status = %d", code)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	for _, k := range []string{"server_running", "recording_state", "sample_count", "ip_address", "port"} {
		if _, ok := got[k]; !ok {
			t.Errorf("missing %q in %s", k, body)
		}
	}
	if got["server_running"] != true || got["recording_state"] != "IDLE" {
		t.Errorf("status = %s", body)
	}
	if got["port"] != float64(e.srv.Port()) {
		t.Errorf("port = %v, want %d", got["port"], e.srv.Port())
	}

	e.record(t, 4)
	var st server.Status
	_, body = e.get(t, "/status")
	json.Unmarshal([]byte(body), &st)
	if st.SampleCount != 4 || st.RecordingState != "IDLE" {
		t.Errorf("status after session = %+v", st)
	}
}

func TestData_EmptyArrayWithoutFiles(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.get(t, "/data")
	if code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Errorf("/data = %d %q", code, body)
	}
}

func TestData_RoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	e.record(t, 25)

	code, body := e.get(t, "/data")
	if code != http.StatusOK {
		t.Fatalf("/data = %d %q", code, body)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 25 {
		t.Fatalf("got %d rows, want 25", len(rows))
	}
	for i, r := range rows {
		if r["timestamp"] != float64((i+1)*1000) || r["accel_x"] != float64(i+1) || r["gyro_z"] != 0.25 {
			t.Fatalf("row %d = %v", i, r)
		}
		if r["mag_x"] != nil {
			t.Fatalf("row %d has magnetometer %v", i, r["mag_x"])
		}
	}
}

func TestData_TruncatedFile(t *testing.T) {
	e := newEnv(t, nil)
	content := "# Session ID: s\n# Device ID: d\n# Start Time: 1\n# End Time: -\n# Sample Count: -\n# Generated by t\n" +
		recording.ColumnHeader + "\n" +
		"1,1,1,1,1,1,1,,,\n2,2,2,2,2,2,2,,,\n3,3,3"
	if err := os.WriteFile(filepath.Join(e.dir, "imu_d_20260101_000000.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	code, body := e.get(t, "/data")
	var rows []recording.DataRow
	json.Unmarshal([]byte(body), &rows)
	if code != http.StatusOK || len(rows) != 2 {
		t.Errorf("/data = %d with %d rows, want 200 with 2", code, len(rows))
	}
}

func TestData_NonFiniteFields(t *testing.T) {
	e := newEnv(t, nil)
	content := "# Session ID: s\n" + recording.ColumnHeader + "\n" +
		"1,NaN,1,1,1,1,1,,,\n2,2,Inf,2,2,2,2,,,\n"
	if err := os.WriteFile(filepath.Join(e.dir, "imu_d_20260101_000000.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	code, body := e.get(t, "/data")
	if code != http.StatusOK {
		t.Fatalf("/data = %d %q", code, body)
	}
	var rows []recording.DataRow
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		t.Fatalf("body %q is not JSON: %v", body, err)
	}
	if len(rows) != 2 || rows[0].AccelX == nil || *rows[0].AccelX != 0 || rows[1].AccelY == nil || *rows[1].AccelY != 0 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestData_CBOR(t *testing.T) {
	e := newEnv(t, nil)
	e.record(t, 3)

	resp, err := http.Get(e.url + "/data?format=cbor")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/cbor" {
		t.Fatalf("content type %q", ct)
	}
	b, _ := io.ReadAll(resp.Body)
	var rows []recording.DataRow
	if err := cbor.Unmarshal(b, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[2].AccelX == nil || *rows[2].AccelX != 3 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestNotFound_ListsEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.get(t, "/nope")
	if code != http.StatusNotFound {
		t.Fatalf("code = %d", code)
	}
	for _, p := range []string{"/start", "/stop", "/status", "/ping", "/data"} {
		if !strings.Contains(body, p) {
			t.Errorf("404 body %q does not list %s", body, p)
		}
	}
}

func TestEndpoints_RequireGET(t *testing.T) {
	e := newEnv(t, nil)
	if code, body := e.get(t, "/start"); code != http.StatusOK {
		t.Fatalf("/start = %d %q", code, body)
	}

	resp, err := http.Post(e.url+"/stop", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /stop = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "GET") {
		t.Errorf("Allow = %q", allow)
	}
	if st := e.rec.State(); st != recorder.Recording {
		t.Errorf("state after POST /stop = %s, want RECORDING", st)
	}
}

func TestSessions(t *testing.T) {
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Record(context.Background(), catalog.Entry{SessionID: "abc", DeviceID: "watch-01", File: "f.csv", Digest: "00"})

	e := newEnv(t, func(c *server.Config) { c.Catalog = store })
	code, body := e.get(t, "/sessions")
	var got []catalog.Entry
	json.Unmarshal([]byte(body), &got)
	if code != http.StatusOK || len(got) != 1 || got[0].SessionID != "abc" {
		t.Errorf("/sessions = %d %q", code, body)
	}

	bare := newEnv(t, nil)
	if _, body := bare.get(t, "/sessions"); strings.TrimSpace(body) != "[]" {
		t.Errorf("/sessions without catalog = %q", body)
	}
}

func TestListen_FallsBackToNextPort(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	s := server.New(server.Config{Ports: []int{taken, 0}, Recorder: recorder.New(recorder.Config{})})
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())
	go s.Serve()

	if s.Port() == taken || s.Port() == 0 {
		t.Errorf("bound port %d, busy port %d", s.Port(), taken)
	}
	if !s.Status().ServerRunning {
		t.Error("server not running after fallback")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Body.String() != "pong" {
		t.Errorf("/ping via fallback = %q", rec.Body.String())
	}
}

func TestListen_NoPort(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	s := server.New(server.Config{Ports: []int{taken}, Recorder: recorder.New(recorder.Config{})})
	err = s.Listen()
	if !errors.Is(err, server.ErrNoPort) {
		t.Fatalf("Listen error = %v, want ErrNoPort", err)
	}
	if st := s.Status(); st.ServerRunning || st.Port != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestStream_PushesRows(t *testing.T) {
	e := newEnv(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(strings.Replace(e.url, "http", "ws", 1)+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for e.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	e.get(t, "/start")
	e.src.Inject(imu.Sample{Kind: imu.Gyroscope, Timestamp: 1, X: 1, Y: 1, Z: 1})
	e.src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: 2, X: 3, Y: 4, Z: 5})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var row recording.DataRow
	if err := json.Unmarshal(msg, &row); err != nil {
		t.Fatal(err)
	}
	if row.Timestamp != 2 || row.AccelY == nil || *row.AccelY != 4 || row.MagX != nil {
		t.Errorf("streamed row = %s", msg)
	}
}

func TestHub_Decimates(t *testing.T) {
	hub := server.NewHub(3, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	for hub.Clients() != 1 {
		time.Sleep(time.Millisecond)
	}

	for i := int64(0); i < 7; i++ {
		hub.Publish(imu.Row{Timestamp: i, Accel: imu.Reading{Valid: true}})
	}
	var got []int64
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < 3 {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var row recording.DataRow
		json.Unmarshal(msg, &row)
		got = append(got, row.Timestamp)
	}
	if got[0] != 0 || got[1] != 3 || got[2] != 6 {
		t.Errorf("timestamps = %v, want [0 3 6]", got)
	}
}
