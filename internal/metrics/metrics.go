package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_rows_written_total",
		Help: "Combined rows written to session files",
	})

	RowsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_rows_dropped_total",
		Help: "Combined rows dropped because the writer queue was full or closed",
	})

	WriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_write_errors_total",
		Help: "Session file write or flush failures",
	})

	Flushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_flushes_total",
		Help: "Writer buffer flushes",
	})

	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_sessions_total",
		Help: "Recording sessions by outcome",
	}, []string{"outcome"})

	RejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_rejected_transitions_total",
		Help: "Start/stop commands rejected because of the current state",
	}, []string{"command"})

	RecordingState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_recording_state",
		Help: "Current recorder state (0=idle, 1=recording, 2=stopping)",
	})

	FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_finalize_duration_seconds",
		Help:    "Time from stop to idle",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Command server requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Command server handler latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"endpoint"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_clients_active",
		Help: "Connected live stream websocket clients",
	})

	WakeHolds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "power_wake_holds_active",
		Help: "Outstanding wake-lock holds",
	})
)
