// Package power keeps the device awake while recording or serving.
package power

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/relabs-tech/imu_capture/internal/metrics"
)

// Lock is a platform wake lock.
type Lock interface {
	Acquire() error
	Release() error
}

// NopLock is used where the platform has no wake lock.
type NopLock struct{}

func (NopLock) Acquire() error { return nil }
func (NopLock) Release() error { return nil }

// SysfsLock drives the kernel wakelock interface in /sys/power.
type SysfsLock struct {
	Name string
	// Dir defaults to /sys/power.
	Dir string
}

func (l SysfsLock) Acquire() error { return l.write("wake_lock") }
func (l SysfsLock) Release() error { return l.write("wake_unlock") }

func (l SysfsLock) write(file string) error {
	dir := l.Dir
	if dir == "" {
		dir = "/sys/power"
	}
	f, err := os.OpenFile(filepath.Join(dir, file), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("wake lock %s: %w", file, err)
	}
	defer f.Close()
	if _, err := f.WriteString(l.Name); err != nil {
		return fmt.Errorf("wake lock %s: %w", file, err)
	}
	return nil
}

// Guard reference-counts holds on a single Lock. The lock is acquired by
// the first hold and released by the last one.
type Guard struct {
	lock   Lock
	logger *slog.Logger

	mu    sync.Mutex
	holds int
}

// NewGuard wraps lock. A nil lock behaves like NopLock.
func NewGuard(lock Lock, logger *slog.Logger) *Guard {
	if lock == nil {
		lock = NopLock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{lock: lock, logger: logger}
}

// Hold is one owner's claim on the wake lock.
type Hold struct {
	g     *Guard
	owner string
	once  sync.Once
}

// Acquire takes a hold for owner. The platform lock is only touched on
// the 0→1 transition; if that fails no hold is taken.
func (g *Guard) Acquire(owner string) (*Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holds == 0 {
		if err := g.lock.Acquire(); err != nil {
			return nil, err
		}
		g.logger.Debug("wake lock acquired", "owner", owner)
	}
	g.holds++
	metrics.WakeHolds.Set(float64(g.holds))
	return &Hold{g: g, owner: owner}, nil
}

// Held returns the number of outstanding holds.
func (g *Guard) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds
}

// Release gives the hold back. Only the first call has an effect.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.g.release(h.owner) })
}

func (g *Guard) release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds--
	metrics.WakeHolds.Set(float64(g.holds))
	if g.holds > 0 {
		return
	}
	if err := g.lock.Release(); err != nil {
		g.logger.Error("wake lock release failed", "owner", owner, "error", err)
		return
	}
	g.logger.Debug("wake lock released", "owner", owner)
}
