// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors delivers timestamped vector samples from physical or
// synthetic motion sensors to registered listeners.
package sensors

import (
	"errors"
	"sync"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

// ErrUnavailable is returned by Register when the device has no sensor of
// the requested kind.
var ErrUnavailable = errors.New("sensor unavailable")

// Listener receives samples on the provider's delivery goroutine. It must
// not block.
type Listener func(imu.Sample)

// Registration is a live listener subscription.
type Registration interface {
	// Unregister stops delivery. No callback runs after it returns.
	Unregister()
}

// Provider is anything that can deliver samples for one or more sensor
// kinds at a requested rate.
type Provider interface {
	Register(kind imu.Kind, rateHz int, l Listener) (Registration, error)
}

// fanout tracks listeners per kind. deliver holds a read lock for the
// duration of the callbacks so that remove waits for in-flight deliveries.
type fanout struct {
	mu        sync.RWMutex
	listeners map[imu.Kind]map[uint64]Listener
	next      uint64
}

func (f *fanout) add(kind imu.Kind, l Listener) (id uint64, first bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[imu.Kind]map[uint64]Listener)
	}
	m := f.listeners[kind]
	if m == nil {
		m = make(map[uint64]Listener)
		f.listeners[kind] = m
	}
	f.next++
	m[f.next] = l
	return f.next, len(m) == 1
}

// remove reports how many listeners remain for kind and in total.
func (f *fanout) remove(kind imu.Kind, id uint64) (kindLeft, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[kind], id)
	for _, m := range f.listeners {
		total += len(m)
	}
	return len(f.listeners[kind]), total
}

func (f *fanout) deliver(s imu.Sample) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, l := range f.listeners[s.Kind] {
		l(s)
	}
}

func (f *fanout) count(kind imu.Kind) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners[kind])
}

// registration is the Registration returned by both providers.
type registration struct {
	once       sync.Once
	unregister func()
}

func (r *registration) Unregister() {
	r.once.Do(r.unregister)
}
