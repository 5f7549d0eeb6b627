// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package app builds the capture service from its configuration and owns
// the lifecycle of every component.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/imu_capture/internal/catalog"
	"github.com/relabs-tech/imu_capture/internal/config"
	"github.com/relabs-tech/imu_capture/internal/display"
	"github.com/relabs-tech/imu_capture/internal/gps"
	"github.com/relabs-tech/imu_capture/internal/power"
	"github.com/relabs-tech/imu_capture/internal/recorder"
	"github.com/relabs-tech/imu_capture/internal/recording"
	"github.com/relabs-tech/imu_capture/internal/sensors"
	"github.com/relabs-tech/imu_capture/internal/server"
	"github.com/relabs-tech/imu_capture/internal/telemetry"
)

// shutdownTimeout bounds each shutdown step.
const shutdownTimeout = 10 * time.Second

// sessionQueueSize bounds the session events waiting for the broker.
const sessionQueueSize = 32

// NewLogger builds the service logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// App is the running capture service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	guard    *power.Guard
	recorder *recorder.Recorder
	hub      *server.Hub
	server   *server.Server

	catalog  *catalog.Store
	mqtt     *telemetry.Client
	sessions *sessionQueue
	gps      *gps.Tracker
	gpsPort  io.ReadWriteCloser
	oled     *display.OLED
}

// Options lets callers replace hardware-facing pieces.
type Options struct {
	// Provider overrides the sensor source chosen by SENSOR_SOURCE.
	Provider sensors.Provider
	// Lock overrides the wake lock chosen by WAKE_LOCK.
	Lock power.Lock
}

// New builds every configured component. Nothing is started; optional
// integrations that fail to open are returned as errors.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("recordings dir: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	lock := opts.Lock
	if lock == nil {
		lock = power.NopLock{}
		if cfg.WakeLock == "sysfs" {
			lock = power.SysfsLock{Name: cfg.WakeLockName}
		}
	}
	a.guard = power.NewGuard(lock, logger.With("component", "power"))

	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = newProvider(cfg, logger); err != nil {
			return nil, err
		}
	}

	a.recorder = recorder.New(recorder.Config{
		DeviceID:     cfg.DeviceID,
		Dir:          cfg.RecordingsDir,
		ServiceName:  cfg.ServiceName,
		RateHz:       cfg.SensorRateHz,
		Magnetometer: cfg.EnableMagnetometer,
		Trigger:      cfg.RowTrigger,
		Writer: recording.Options{
			FlushEvery: cfg.FlushEveryRows,
			QueueSize:  cfg.WriteQueueSize,
		},
		Provider: provider,
		Guard:    a.guard,
		Logger:   logger,
	})

	a.hub = server.NewHub(cfg.StreamDecimate, logger)
	a.recorder.Aggregator().AddTap(a.hub.Publish)

	if err := a.openIntegrations(); err != nil {
		a.closeIntegrations()
		return nil, err
	}

	srvCfg := server.Config{
		Ports:    cfg.HTTPPorts,
		Recorder: a.recorder,
		DataDir:  cfg.RecordingsDir,
		Policy:   cfg.DataParsePolicy,
		Stream:   a.hub,
		Logger:   logger,
	}
	if a.catalog != nil {
		srvCfg.Catalog = a.catalog
	}
	a.server = server.New(srvCfg)

	a.recorder.Subscribe(a.onSessionEvent)
	return a, nil
}

func newProvider(cfg *config.Config, logger *slog.Logger) (sensors.Provider, error) {
	switch cfg.SensorSource {
	case "mpu9250":
		return sensors.NewMPU9250(sensors.MPU9250Options{
			SPIDevice:  cfg.IMUSPIDevice,
			CSPin:      cfg.IMUCSPin,
			AccelRange: cfg.IMUAccelRange,
			GyroRange:  cfg.IMUGyroRange,
			Calibrate:  cfg.IMUCalibrate,
		}, logger.With("component", "mpu9250"))
	default:
		logger.Info("using synthetic sensors", "magnetometer", cfg.SyntheticMagnetometer)
		return sensors.NewSynthetic(sensors.SyntheticOptions{Magnetometer: cfg.SyntheticMagnetometer}), nil
	}
}

func (a *App) openIntegrations() error {
	cfg := a.cfg
	if cfg.CatalogPath != "" {
		store, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			return err
		}
		a.catalog = store
	}
	if cfg.GPSSerialPort != "" {
		port, err := gps.Open(cfg.GPSSerialPort, uint(cfg.GPSBaudRate))
		if err != nil {
			return err
		}
		a.gpsPort = port
		a.gps = gps.NewTracker(a.logger)
		a.logger.Info("gps serial port opened", "port", cfg.GPSSerialPort, "baud", cfg.GPSBaudRate)
	}
	if cfg.MQTTBroker != "" {
		c, err := telemetry.Connect(cfg.MQTTBroker, cfg.MQTTClientID, telemetry.Topics{
			Status:  cfg.TopicStatus,
			Session: cfg.TopicSession,
			Command: cfg.TopicCommand,
		}, a.logger)
		if err != nil {
			return err
		}
		a.mqtt = c
		a.sessions = newSessionQueue(sessionQueueSize)
	}
	if cfg.DisplayEnabled {
		oled, err := display.Open(cfg.DisplayI2CBus)
		if err != nil {
			return err
		}
		a.oled = oled
	}
	return nil
}

func (a *App) closeIntegrations() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.gpsPort != nil {
		a.gpsPort.Close()
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Warn("catalog close failed", "error", err)
		}
	}
	if a.oled != nil {
		a.oled.Close()
	}
}

// Recorder returns the recording state machine.
func (a *App) Recorder() *recorder.Recorder { return a.recorder }

// Server returns the command server.
func (a *App) Server() *server.Server { return a.server }

// Run binds the command server, starts the background loops and blocks
// until ctx is done or a loop fails. Shutdown then runs in order: stop
// recording and wait for the file, stop the server, close integrations,
// release the server's wake hold.
func (a *App) Run(ctx context.Context) error {
	hold, err := a.guard.Acquire("server")
	if err != nil {
		a.closeIntegrations()
		return fmt.Errorf("acquire wake hold: %w", err)
	}
	if err := a.server.Listen(); err != nil {
		hold.Release()
		a.closeIntegrations()
		return err
	}

	if a.sessions != nil {
		go a.sessions.run(a.publishSession)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Serve)

	if a.mqtt != nil {
		if err := a.mqtt.HandleCommands(a.remoteCommand); err != nil {
			a.logger.Warn("remote commands unavailable", "error", err)
		}
		interval := time.Duration(a.cfg.StatusPublishInterval) * time.Millisecond
		g.Go(func() error { return a.mqtt.RunStatus(gctx, interval, a.telemetryStatus) })
	}
	if a.gps != nil {
		g.Go(func() error {
			if err := a.gps.Run(gctx, a.gpsPort); err != nil {
				a.logger.Error("gps stopped", "error", err)
			}
			return nil
		})
	}
	if a.oled != nil {
		interval := time.Duration(a.cfg.DisplayUpdateInterval) * time.Millisecond
		g.Go(func() error { return display.Run(gctx, a.oled, interval, a.displayStatus, a.logger) })
	}

	a.logger.Info("capture service running",
		"device", a.cfg.DeviceID, "port", a.server.Port(), "dir", a.cfg.RecordingsDir)

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(hold)
	})
	return g.Wait()
}

func (a *App) shutdown(hold *power.Hold) error {
	a.logger.Info("shutting down")
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.recorder.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop recording: %w", err))
	}
	cancel()
	if a.sessions != nil {
		a.sessions.close()
	}

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	cancel()

	a.closeIntegrations()
	hold.Release()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) remoteCommand(cmd telemetry.Command) error {
	var err error
	switch cmd {
	case telemetry.CommandStart:
		_, err = a.recorder.Start()
	case telemetry.CommandStop:
		_, err = a.recorder.Stop()
	}
	return err
}

func (a *App) telemetryStatus() telemetry.Status {
	st := a.server.Status()
	out := telemetry.Status{
		DeviceID:       a.cfg.DeviceID,
		RecordingState: st.RecordingState,
		SampleCount:    st.SampleCount,
		IPAddress:      st.IPAddress,
		Port:           st.Port,
		Time:           time.Now().UnixMilli(),
	}
	if s := a.recorder.Snapshot().Session; s != nil {
		out.SessionID = s.ID
	}
	return out
}

func (a *App) displayStatus() display.Status {
	st := a.server.Status()
	out := display.Status{
		State:       st.RecordingState,
		SampleCount: st.SampleCount,
		IPAddress:   st.IPAddress,
		Port:        st.Port,
	}
	if a.gps != nil {
		_, out.HaveFix = a.gps.Latest()
	}
	return out
}

// onSessionEvent tags finished sessions with a digest and position, then
// records them in the catalog and on MQTT.
func (a *App) onSessionEvent(ev recorder.Event) {
	msg := telemetry.SessionEvent{
		Event:       string(ev.Kind),
		SessionID:   ev.Session.ID,
		DeviceID:    ev.Session.DeviceID,
		StartTime:   ev.Session.StartTime,
		EndTime:     ev.Session.EndTime,
		SampleCount: ev.SampleCount,
		File:        ev.Session.File,
		Reason:      ev.Reason,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if a.gps != nil {
		if fix, ok := a.gps.Latest(); ok {
			msg.Latitude, msg.Longitude = &fix.Latitude, &fix.Longitude
		}
	}

	if ev.Kind == recorder.EventStopped && a.catalog != nil {
		digest, err := catalog.Digest(ev.Session.File)
		if err != nil {
			a.logger.Warn("session digest failed", "session", ev.Session.ID, "error", err)
		}
		err = a.catalog.Record(context.Background(), catalog.Entry{
			SessionID:   ev.Session.ID,
			DeviceID:    ev.Session.DeviceID,
			StartTime:   ev.Session.StartTime,
			EndTime:     ev.Session.EndTime,
			SampleCount: ev.SampleCount,
			File:        ev.Session.File,
			Digest:      digest,
			Latitude:    msg.Latitude,
			Longitude:   msg.Longitude,
		})
		if err != nil {
			a.logger.Error("catalog record failed", "session", ev.Session.ID, "error", err)
		}
	}

	if a.sessions != nil && !a.sessions.push(msg) {
		a.logger.Warn("session event dropped, broker backlog full", "event", msg.Event, "session", msg.SessionID)
	}
}

func (a *App) publishSession(msg telemetry.SessionEvent) {
	if err := a.mqtt.PublishSession(msg); err != nil {
		a.logger.Warn("session event publish failed", "event", msg.Event, "error", err)
	}
}

// sessionQueue hands session events to one publisher goroutine, so
// recorder observers and MQTT callbacks never wait on the broker.
type sessionQueue struct {
	events chan telemetry.SessionEvent
	stop   chan struct{}
	done   chan struct{}
}

func newSessionQueue(size int) *sessionQueue {
	return &sessionQueue{
		events: make(chan telemetry.SessionEvent, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// push queues ev without blocking and reports whether it was accepted.
func (q *sessionQueue) push(ev telemetry.SessionEvent) bool {
	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

// run publishes queued events in order until close, then drains what is
// left.
func (q *sessionQueue) run(publish func(telemetry.SessionEvent)) {
	defer close(q.done)
	for {
		select {
		case ev := <-q.events:
			publish(ev)
		case <-q.stop:
			for {
				select {
				case ev := <-q.events:
					publish(ev)
				default:
					return
				}
			}
		}
	}
}

// close stops run after the backlog is published and waits for it.
func (q *sessionQueue) close() {
	close(q.stop)
	<-q.done
}
