package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/imu_capture/internal/metrics"
	"github.com/relabs-tech/imu_capture/internal/recording"
)

// endpoints is listed in the 404 body, in registration order.
var endpoints = []string{"/start", "/stop", "/status", "/ping", "/data", "/stream", "/sessions", "/metrics"}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /start", instrument("start", http.HandlerFunc(s.handleStart)))
	mux.Handle("GET /stop", instrument("stop", http.HandlerFunc(s.handleStop)))
	mux.Handle("GET /status", instrument("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /ping", instrument("ping", http.HandlerFunc(handlePing)))
	mux.Handle("GET /data", instrument("data", gzhttp.GzipHandler(http.HandlerFunc(s.handleData))))
	mux.Handle("GET /sessions", instrument("sessions", gzhttp.GzipHandler(http.HandlerFunc(s.handleSessions))))
	mux.Handle("GET /stream", instrument("stream", http.HandlerFunc(s.handleStream)))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", instrument("unknown", http.HandlerFunc(handleNotFound)))
	return mux
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, body)
}

// writeJSON encodes v before touching the response so an encoding
// failure still yields a 500.
func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to encode response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(b, '\n'))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Recorder.Start()
	if err != nil {
		s.logger.Info("start failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to start recording: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, "Recording started: "+sess.ID)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Recorder.Stop()
	if err != nil {
		s.logger.Info("stop failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to stop recording: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, "Recording stopped: "+sess.ID)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func handlePing(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "pong")
}

// handleNotFound answers every unrouted request. Known endpoints reached
// with a method other than GET get a 405.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	if slices.Contains(endpoints, r.URL.Path) {
		w.Header().Set("Allow", "GET, HEAD")
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed. Use GET "+r.URL.Path+"\n")
		return
	}
	writeText(w, http.StatusNotFound,
		"Not found. Available endpoints: "+strings.Join(endpoints, ", ")+"\n")
}

// wantsCBOR reports whether the client asked for the CBOR encoding.
func wantsCBOR(r *http.Request) bool {
	if r.URL.Query().Get("format") == "cbor" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/cbor")
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	rows := []recording.DataRow{}
	latest, ok, err := recording.Latest(s.cfg.DataDir)
	if err != nil {
		s.logger.Error("data: list sessions", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to read data: "+err.Error())
		return
	}
	if ok {
		rows, err = recording.ReadFile(latest.Path, s.cfg.Policy)
		if err != nil {
			s.logger.Error("data: read session", "file", latest.Path, "error", err)
			writeText(w, http.StatusInternalServerError, "Failed to read data: "+err.Error())
			return
		}
	}

	if wantsCBOR(r) {
		b, err := cbor.Marshal(rows)
		if err != nil {
			writeText(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.Write(b)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Catalog == nil {
		writeJSON(w, []any{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.cfg.Catalog.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("sessions: list", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to list sessions: "+err.Error())
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stream == nil {
		writeText(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	s.cfg.Stream.ServeHTTP(w, r)
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets websocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(endpoint string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(sw, r)
		metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(sw.code)).Inc()
	})
}
