// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

// standardGravity in m/s².
const standardGravity = 9.80665

// SyntheticOptions configures a Synthetic provider.
type SyntheticOptions struct {
	// Magnetometer makes the synthetic device report a magnetometer.
	Magnetometer bool
	// Manual disables the internal generators; samples only arrive
	// through Inject.
	Manual bool
}

// Synthetic is a sensor provider that generates smoothly changing motion
// data, or replays injected samples when running in manual mode.
type Synthetic struct {
	opts  SyntheticOptions
	start time.Time
	out   fanout

	mu   sync.Mutex
	gens map[imu.Kind]*generator
}

type generator struct {
	stop chan struct{}
	done chan struct{}
}

// NewSynthetic creates a synthetic provider. Accelerometer and gyroscope
// are always present.
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	return &Synthetic{
		opts:  opts,
		start: time.Now(),
		gens:  make(map[imu.Kind]*generator),
	}
}

// Has reports whether the synthetic device carries a sensor of kind k.
func (s *Synthetic) Has(k imu.Kind) bool {
	return k != imu.Magnetometer || s.opts.Magnetometer
}

// Register implements Provider.
func (s *Synthetic) Register(kind imu.Kind, rateHz int, l Listener) (Registration, error) {
	if !s.Has(kind) {
		return nil, fmt.Errorf("synthetic %s: %w", kind, ErrUnavailable)
	}
	if rateHz <= 0 {
		return nil, fmt.Errorf("synthetic %s: invalid rate %d Hz", kind, rateHz)
	}

	id, first := s.out.add(kind, l)
	if first && !s.opts.Manual {
		s.startGenerator(kind, time.Second/time.Duration(rateHz))
	}

	return &registration{unregister: func() {
		if left, _ := s.out.remove(kind, id); left == 0 {
			s.stopGenerator(kind)
		}
	}}, nil
}

// Inject delivers a sample to every listener registered for its kind,
// synchronously on the caller's goroutine.
func (s *Synthetic) Inject(sample imu.Sample) {
	s.out.deliver(sample)
}

// Listeners returns the number of live registrations for kind k.
func (s *Synthetic) Listeners(k imu.Kind) int {
	return s.out.count(k)
}

// Now returns the provider's monotonic sensor clock in nanoseconds.
func (s *Synthetic) Now() int64 {
	return time.Since(s.start).Nanoseconds()
}

func (s *Synthetic) startGenerator(kind imu.Kind, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[kind]; ok {
		return
	}
	g := &generator{stop: make(chan struct{}), done: make(chan struct{})}
	s.gens[kind] = g

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				s.out.deliver(s.sample(kind, s.Now()))
			}
		}
	}()
}

func (s *Synthetic) stopGenerator(kind imu.Kind) {
	s.mu.Lock()
	g, ok := s.gens[kind]
	delete(s.gens, kind)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(g.stop)
	<-g.done
}

// sample produces a gently rocking wrist: gravity mostly on Z, slow
// rotation about X and Y, and a steady geomagnetic field.
func (s *Synthetic) sample(kind imu.Kind, ts int64) imu.Sample {
	t := float64(ts) / 1e9
	out := imu.Sample{Kind: kind, Timestamp: ts}
	switch kind {
	case imu.Accelerometer:
		roll := 0.35 * math.Sin(t)
		pitch := 0.25 * math.Cos(t*0.7)
		out.X = float32(-standardGravity * math.Sin(pitch))
		out.Y = float32(standardGravity * math.Sin(roll) * math.Cos(pitch))
		out.Z = float32(standardGravity * math.Cos(roll) * math.Cos(pitch))
	case imu.Gyroscope:
		out.X = float32(0.35 * math.Cos(t))
		out.Y = float32(-0.25 * 0.7 * math.Sin(t*0.7))
		out.Z = float32(0.02 * math.Sin(t*0.3))
	case imu.Magnetometer:
		out.X = float32(22 + 3*math.Sin(t*0.5))
		out.Y = float32(-5 + 3*math.Cos(t*0.5))
		out.Z = float32(42)
	}
	return out
}
