// Package capture merges independent sensor streams into combined rows.
package capture

import (
	"fmt"
	"sync"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

// Trigger selects which incoming samples produce a row.
type Trigger int

const (
	// TriggerAny emits a row for every sample from any sensor.
	TriggerAny Trigger = iota
	// TriggerAccel emits rows only on accelerometer samples; the other
	// channels still update their slots.
	TriggerAccel
)

// ParseTrigger maps the configuration spelling to a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	switch s {
	case "any", "":
		return TriggerAny, nil
	case "accel":
		return TriggerAccel, nil
	default:
		return 0, fmt.Errorf("unknown row trigger %q (want any or accel)", s)
	}
}

func (t Trigger) String() string {
	if t == TriggerAccel {
		return "accel"
	}
	return "any"
}

// Sink receives rows. Offer must not block; it reports whether the row
// was accepted.
type Sink interface {
	Recording() bool
	Offer(row imu.Row) bool
}

// Tap observes every row offered to the sink. Taps run on the sensor
// delivery goroutine and must not block.
type Tap func(imu.Row)

// Aggregator keeps the last known reading of each channel and, while the
// sink is recording, turns each incoming sample into a Row using
// last-value-hold for the other channels.
type Aggregator struct {
	sink    Sink
	trigger Trigger

	mu       sync.Mutex
	slots    [len(imu.Kinds)]imu.Reading
	required [len(imu.Kinds)]bool
	taps     []Tap
}

// New returns an Aggregator feeding sink.
func New(sink Sink, trigger Trigger) *Aggregator {
	return &Aggregator{sink: sink, trigger: trigger}
}

// Reset clears every slot and sets the channels that must have reported
// at least once before rows are emitted.
func (a *Aggregator) Reset(required ...imu.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = [len(imu.Kinds)]imu.Reading{}
	a.required = [len(imu.Kinds)]bool{}
	for _, k := range required {
		if int(k) < len(a.required) {
			a.required[k] = true
		}
	}
}

// AddTap registers an observer for emitted rows.
func (a *Aggregator) AddTap(t Tap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taps = append(a.taps, t)
}

// Handle is the sensors.Listener for every channel.
func (a *Aggregator) Handle(s imu.Sample) {
	if int(s.Kind) >= len(imu.Kinds) {
		return
	}

	a.mu.Lock()
	a.slots[s.Kind] = imu.Reading{X: s.X, Y: s.Y, Z: s.Z, Valid: true}
	if !a.sink.Recording() || !a.triggers(s.Kind) || !a.ready() {
		a.mu.Unlock()
		return
	}
	row := imu.Row{
		Timestamp: s.Timestamp,
		Accel:     a.slots[imu.Accelerometer],
		Gyro:      a.slots[imu.Gyroscope],
		Mag:       a.slots[imu.Magnetometer],
	}
	// Offer under the lock keeps queue order equal to row order.
	a.sink.Offer(row)
	taps := a.taps
	a.mu.Unlock()

	for _, t := range taps {
		t(row)
	}
}

func (a *Aggregator) triggers(k imu.Kind) bool {
	return a.trigger == TriggerAny || k == imu.Accelerometer
}

func (a *Aggregator) ready() bool {
	for k, req := range a.required {
		if req && !a.slots[k].Valid {
			return false
		}
	}
	return true
}
