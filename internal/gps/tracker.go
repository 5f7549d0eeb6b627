package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
)

// Open opens the receiver's serial port.
func Open(portName string, baud uint) (io.ReadWriteCloser, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:              portName,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("open gps port %s: %w", portName, err)
	}
	return port, nil
}

// Tracker keeps the most recent valid fix.
type Tracker struct {
	logger *slog.Logger

	mu  sync.RWMutex
	fix Fix
	ok  bool
}

// NewTracker returns a Tracker with no fix.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{logger: logger.With("component", "gps")}
}

// Latest returns the last valid fix, if any.
func (t *Tracker) Latest() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fix, t.ok
}

// Run reads NMEA sentences from r until it fails or ctx is done. Closing
// the underlying port is the caller's job; a read error after ctx is done
// is not reported.
func (t *Tracker) Run(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			t.handle(strings.TrimSpace(line))
		}
		if err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return nil
			}
			return fmt.Errorf("gps read: %w", err)
		}
	}
}

func (t *Tracker) handle(line string) {
	// NMEA sentences start with '$'; anything else is line noise.
	if !strings.HasPrefix(line, "$") {
		return
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		t.logger.Debug("nmea parse error", "error", err, "line", line)
		return
	}
	if sentence.DataType() != nmea.TypeRMC {
		return
	}
	m := sentence.(nmea.RMC)
	fix := Fix{
		Time:       m.Time.String(),
		Date:       m.Date.String(),
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		SpeedKnots: m.Speed,
		CourseDeg:  m.Course,
		Validity:   string(m.Validity),
	}
	if !fix.Valid() {
		return
	}

	t.mu.Lock()
	t.fix, t.ok = fix, true
	t.mu.Unlock()
}
