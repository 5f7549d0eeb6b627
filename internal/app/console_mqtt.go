package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/relabs-tech/imu_capture/internal/config"
	"github.com/relabs-tech/imu_capture/internal/telemetry"
)

// RunConsoleMQTT prints the capture service's status and session events
// from the broker until ctx is done.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, clientID string, out io.Writer, logger *slog.Logger) error {
	client, err := telemetry.Connect(cfg.MQTTBroker, clientID, telemetry.Topics{
		Status:  cfg.TopicStatus,
		Session: cfg.TopicSession,
		Command: cfg.TopicCommand,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.Watch(
		func(s telemetry.Status) { fmt.Fprintln(out, formatStatus(s)) },
		func(ev telemetry.SessionEvent) { fmt.Fprintln(out, formatSession(ev)) },
	)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("console: shutting down")
	return nil
}

func formatStatus(s telemetry.Status) string {
	return fmt.Sprintf("[STAT] %s device=%s state=%-9s samples=%-8d addr=%s:%d",
		time.UnixMilli(s.Time).Format("15:04:05"), s.DeviceID, s.RecordingState, s.SampleCount, s.IPAddress, s.Port)
}

func formatSession(ev telemetry.SessionEvent) string {
	line := fmt.Sprintf("[SESS] %-7s id=%s device=%s samples=%d file=%s",
		ev.Event, ev.SessionID, ev.DeviceID, ev.SampleCount, ev.File)
	if ev.EndTime > 0 {
		line += fmt.Sprintf(" duration=%s", time.Duration(ev.EndTime-ev.StartTime)*time.Millisecond)
	}
	if ev.Reason != "" && ev.Reason != "stopped" {
		line += " reason=" + ev.Reason
	}
	if ev.Latitude != nil && ev.Longitude != nil {
		line += fmt.Sprintf(" lat=%.6f lon=%.6f", *ev.Latitude, *ev.Longitude)
	}
	if ev.Error != "" {
		line += " error=" + ev.Error
	}
	return line
}
