// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package server is the HTTP command interface of the capture service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/imu_capture/internal/catalog"
	"github.com/relabs-tech/imu_capture/internal/recorder"
	"github.com/relabs-tech/imu_capture/internal/recording"
)

// ErrNoPort is returned by Listen when every candidate port failed.
var ErrNoPort = errors.New("no port available")

// DefaultPorts is the primary port followed by its fallbacks.
var DefaultPorts = []int{8080, 8081, 8082, 8083, 9090}

// Recorder is the part of the state machine the server drives.
type Recorder interface {
	Start() (recorder.Session, error)
	Stop() (recorder.Session, error)
	Snapshot() recorder.Snapshot
}

// Catalog lists finalized sessions.
type Catalog interface {
	List(ctx context.Context, limit int) ([]catalog.Entry, error)
}

// Config wires a Server.
type Config struct {
	Ports    []int
	Recorder Recorder
	// DataDir holds the session files served by /data.
	DataDir string
	Policy  recording.Policy
	// Catalog and Stream are optional.
	Catalog Catalog
	Stream  *Hub
	Logger  *slog.Logger
}

// Status is the /status body.
type Status struct {
	ServerRunning  bool   `json:"server_running"`
	RecordingState string `json:"recording_state"`
	SampleCount    int64  `json:"sample_count"`
	IPAddress      string `json:"ip_address"`
	Port           int    `json:"port"`
}

// Server serves the command endpoints on the first port it can bind.
type Server struct {
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	port    atomic.Int64

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// New builds a Server. Nothing is bound until Listen.
func New(cfg Config) *Server {
	if len(cfg.Ports) == 0 {
		cfg.Ports = DefaultPorts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "server")}
}

// Listen binds the first available port from the configured list.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server already listening")
	}

	var errs []error
	for _, p := range s.cfg.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			s.logger.Warn("port unavailable", "port", p, "error", err)
			errs = append(errs, err)
			continue
		}
		s.ln = ln
		s.port.Store(int64(ln.Addr().(*net.TCPAddr).Port))
		s.srv = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running.Store(true)
		s.logger.Info("command server listening", "port", s.Port(), "ip", localIPv4())
		return nil
	}
	s.running.Store(false)
	return fmt.Errorf("%w: tried %v: %w", ErrNoPort, s.cfg.Ports, errors.Join(errs...))
}

// Serve handles connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server not listening")
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.running.Store(false)
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes live streams and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	s.running.Store(false)
	if srv == nil {
		return nil
	}
	if s.cfg.Stream != nil {
		s.cfg.Stream.Close()
	}
	err := srv.Shutdown(ctx)
	s.logger.Info("command server stopped")
	return err
}

// Running reports whether the server holds a port.
func (s *Server) Running() bool { return s.running.Load() }

// Port returns the bound port, or 0.
func (s *Server) Port() int { return int(s.port.Load()) }

// Status recomputes the server status.
func (s *Server) Status() Status {
	snap := s.cfg.Recorder.Snapshot()
	return Status{
		ServerRunning:  s.Running(),
		RecordingState: snap.State.String(),
		SampleCount:    snap.SampleCount,
		IPAddress:      localIPv4(),
		Port:           s.Port(),
	}
}

// localIPv4 returns the first non-loopback IPv4 address, or "".
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
