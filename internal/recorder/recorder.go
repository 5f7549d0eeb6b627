// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package recorder owns the recording lifecycle: at most one session is
// open at a time, and every session ends with a closed file and a
// released wake hold.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/imu_capture/internal/capture"
	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/metrics"
	"github.com/relabs-tech/imu_capture/internal/power"
	"github.com/relabs-tech/imu_capture/internal/recording"
	"github.com/relabs-tech/imu_capture/internal/sensors"
)

// ErrRejected is returned for a start or stop issued in the wrong state.
var ErrRejected = errors.New("transition rejected")

// State is the recorder lifecycle state.
type State int32

const (
	Idle State = iota
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session describes one recording.
type Session struct {
	ID        string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time,omitempty"`
	File      string `json:"file"`
}

// Snapshot is a consistent view for status queries.
type Snapshot struct {
	State       State
	SampleCount int64
	// Session is nil while idle.
	Session *Session
}

// EventKind labels lifecycle events.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
)

// Event is published to observers on start and after finalize.
type Event struct {
	Kind        EventKind
	Session     Session
	SampleCount int64
	Dropped     int64
	// Reason is "stopped", "fault" or "shutdown" on EventStopped.
	Reason string
	Err    error
}

// Config wires a Recorder.
type Config struct {
	DeviceID     string
	Dir          string
	ServiceName  string
	RateHz       int
	Magnetometer bool
	Trigger      capture.Trigger
	Writer       recording.Options

	Provider sensors.Provider
	Guard    *power.Guard
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Recorder is the recording state machine. Start and Stop are serialized;
// status reads never wait on them.
type Recorder struct {
	cfg    Config
	agg    *capture.Aggregator
	logger *slog.Logger

	state     atomic.Int32
	active    atomic.Pointer[recording.Writer]
	session   atomic.Pointer[Session]
	lastCount atomic.Int64

	mu   sync.Mutex // serializes transitions; guards regs and hold
	regs []sensors.Registration
	hold *power.Hold

	finalizing sync.WaitGroup

	obsMu     sync.RWMutex
	observers []func(Event)
}

// New builds an idle Recorder.
func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Guard == nil {
		cfg.Guard = power.NewGuard(nil, cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	r := &Recorder{cfg: cfg, logger: cfg.Logger.With("component", "recorder")}
	r.agg = capture.New(r, cfg.Trigger)
	metrics.RecordingState.Set(float64(Idle))
	return r
}

// Aggregator exposes the sample aggregator so live taps can be attached.
func (r *Recorder) Aggregator() *capture.Aggregator { return r.agg }

// DeviceID returns the configured device identifier.
func (r *Recorder) DeviceID() string { return r.cfg.DeviceID }

// Subscribe adds an observer. Observers run outside the transition lock,
// on the caller of Start or on the finalize goroutine, and may call back
// into the Recorder.
func (r *Recorder) Subscribe(fn func(Event)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Recorder) notify(ev Event) {
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State { return State(r.state.Load()) }

func (r *Recorder) setState(s State) {
	r.state.Store(int32(s))
	metrics.RecordingState.Set(float64(s))
}

// Snapshot returns the state, the sample count of the open session (or of
// the last one while idle) and the open session, without taking the
// transition lock.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{State: r.State()}
	if w := r.active.Load(); w != nil {
		snap.SampleCount = w.Written()
	} else {
		snap.SampleCount = r.lastCount.Load()
	}
	if s := r.session.Load(); s != nil && snap.State != Idle {
		cp := *s
		snap.Session = &cp
	}
	return snap
}

// Recording implements capture.Sink.
func (r *Recorder) Recording() bool { return r.State() == Recording }

// Offer implements capture.Sink.
func (r *Recorder) Offer(row imu.Row) bool {
	if r.State() != Recording {
		return false
	}
	w := r.active.Load()
	if w == nil {
		return false
	}
	return w.Enqueue(row)
}

func (r *Recorder) reject(command string) error {
	st := r.State()
	metrics.RejectedTransitions.WithLabelValues(command).Inc()
	r.logger.Info("command rejected", "command", command, "state", st.String())
	return fmt.Errorf("%w: cannot %s while %s", ErrRejected, command, st)
}

// Start opens a new session. It either fully succeeds or leaves nothing
// behind: no file, no listeners, no wake hold.
func (r *Recorder) Start() (Session, error) {
	s, err := r.start()
	if err != nil {
		return Session{}, err
	}
	r.notify(Event{Kind: EventStarted, Session: s})
	return s, nil
}

func (r *Recorder) start() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != Idle {
		return Session{}, r.reject("start")
	}

	now := r.cfg.Now()
	s := &Session{
		ID:        uuid.NewString(),
		DeviceID:  r.cfg.DeviceID,
		StartTime: now.UnixMilli(),
	}

	hold, err := r.cfg.Guard.Acquire("recording")
	if err != nil {
		return Session{}, fmt.Errorf("acquire wake hold: %w", err)
	}

	opts := r.cfg.Writer
	opts.Logger = r.logger
	opts.OnFault = func(err error) { r.abort(s.ID, err) }
	w, err := recording.Create(r.cfg.Dir, recording.Header{
		SessionID:   s.ID,
		DeviceID:    s.DeviceID,
		StartTime:   s.StartTime,
		GeneratedBy: r.cfg.ServiceName,
	}, opts)
	if err != nil {
		hold.Release()
		metrics.Sessions.WithLabelValues("failed").Inc()
		return Session{}, err
	}
	s.File = w.Path()

	regs, required, err := r.register()
	if err != nil {
		w.Close(s.StartTime)
		os.Remove(s.File)
		hold.Release()
		metrics.Sessions.WithLabelValues("failed").Inc()
		return Session{}, err
	}

	r.agg.Reset(required...)
	r.regs = regs
	r.hold = hold
	r.lastCount.Store(0)
	r.session.Store(s)
	r.active.Store(w)
	r.setState(Recording)

	r.logger.Info("recording started", "session", s.ID, "file", s.File, "sensors", len(regs))
	return *s, nil
}

// register subscribes the aggregator to every wanted channel. A missing
// sensor only degrades the session; having none at all is an error.
func (r *Recorder) register() ([]sensors.Registration, []imu.Kind, error) {
	kinds := []imu.Kind{imu.Accelerometer, imu.Gyroscope}
	if r.cfg.Magnetometer {
		kinds = append(kinds, imu.Magnetometer)
	}

	var regs []sensors.Registration
	var required []imu.Kind
	for _, k := range kinds {
		reg, err := r.cfg.Provider.Register(k, r.cfg.RateHz, r.agg.Handle)
		if errors.Is(err, sensors.ErrUnavailable) {
			r.logger.Warn("sensor unavailable, channel stays empty", "sensor", k.String())
			continue
		}
		if err != nil {
			for _, reg := range regs {
				reg.Unregister()
			}
			return nil, nil, fmt.Errorf("register %s: %w", k, err)
		}
		regs = append(regs, reg)
		if k != imu.Magnetometer {
			required = append(required, k)
		}
	}
	if len(regs) == 0 {
		return nil, nil, fmt.Errorf("no motion sensors: %w", sensors.ErrUnavailable)
	}
	return regs, required, nil
}

// Stop ends the open session. Listeners are gone and the state is
// STOPPING when Stop returns; the file is finalized in the background.
func (r *Recorder) Stop() (Session, error) {
	return r.stop("stopped")
}

func (r *Recorder) stop(reason string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != Recording {
		return Session{}, r.reject("stop")
	}
	return r.stopLocked(reason), nil
}

// abort force-finalizes the session whose file became unusable.
func (r *Recorder) abort(sessionID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session.Load()
	if r.State() != Recording || s == nil || s.ID != sessionID {
		return
	}
	r.logger.Error("finalizing session after write failure", "session", sessionID, "error", cause)
	r.stopLocked("fault")
}

func (r *Recorder) stopLocked(reason string) Session {
	for _, reg := range r.regs {
		reg.Unregister()
	}
	r.regs = nil
	hold := r.hold
	r.hold = nil
	s := *r.session.Load()
	w := r.active.Load()
	r.setState(Stopping)

	r.finalizing.Add(1)
	go r.finalize(w, s, hold, reason, time.Now())
	return s
}

// finalize closes the writer and always ends in IDLE, whatever fails.
func (r *Recorder) finalize(w *recording.Writer, s Session, hold *power.Hold, reason string, began time.Time) {
	defer r.finalizing.Done()
	defer func() {
		hold.Release()
		r.session.Store(nil)
		r.setState(Idle)
		metrics.FinalizeDuration.Observe(time.Since(began).Seconds())
	}()

	s.EndTime = r.cfg.Now().UnixMilli()
	err := w.Close(s.EndTime)
	count := w.Written()
	r.lastCount.Store(count)
	r.active.Store(nil)

	outcome := reason
	if err != nil {
		outcome = "failed"
		r.logger.Error("session finalize failed", "session", s.ID, "error", err)
	}
	if dropped := w.Dropped(); dropped > 0 {
		r.logger.Warn("rows dropped during session", "session", s.ID, "dropped", dropped)
	}
	metrics.Sessions.WithLabelValues(outcome).Inc()
	r.logger.Info("recording finalized", "session", s.ID, "samples", count, "reason", reason)

	r.notify(Event{
		Kind:        EventStopped,
		Session:     s,
		SampleCount: count,
		Dropped:     w.Dropped(),
		Reason:      reason,
		Err:         err,
	})
}

// Wait blocks until every in-flight finalize has reached IDLE.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.finalizing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops any open session and waits for it to be finalized.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if _, err := r.stop("shutdown"); err != nil && !errors.Is(err, ErrRejected) {
		return err
	}
	return r.Wait(ctx)
}
