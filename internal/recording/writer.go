// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package recording

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/metrics"
)

// Options tunes a Writer.
type Options struct {
	// FlushEvery is the number of rows between explicit flushes.
	FlushEvery int
	// QueueSize bounds the rows waiting for the writer goroutine.
	QueueSize int
	// OnFault is called once, on its own goroutine, when the file handle
	// becomes unusable.
	OnFault func(error)
	Logger  *slog.Logger
}

// DefaultOptions flushes every 100 rows behind a 4096-row queue.
func DefaultOptions() Options {
	return Options{FlushEvery: 100, QueueSize: 4096}
}

// Writer appends rows to one session file. A single goroutine owns the
// file; callers hand rows over through a bounded queue and never wait on
// disk I/O.
type Writer struct {
	path     string
	f        *os.File
	bw       *bufio.Writer
	endOff   int64
	countOff int64
	opts     Options
	logger   *slog.Logger

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan imu.Row
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	faulted atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Create opens a new session file in dir named after the header's device
// id and start time, writes and flushes the metadata header, and starts
// the writer goroutine. On failure no file is left behind.
func Create(dir string, h Header, opts Options) (*Writer, error) {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultOptions().FlushEvery
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f, err := createExclusive(dir, h.DeviceID, time.UnixMilli(h.StartTime).UTC())
	if err != nil {
		return nil, fmt.Errorf("create session file: %w", err)
	}

	text, endOff, countOff := headerLayout(h)
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString(text); err == nil {
		err = bw.Flush()
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write session header: %w", err)
	}

	w := &Writer{
		path:     f.Name(),
		f:        f,
		bw:       bw,
		endOff:   endOff,
		countOff: countOff,
		opts:     opts,
		logger:   logger.With("file", f.Name()),
		queue:    make(chan imu.Row, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Path returns the session file path.
func (w *Writer) Path() string { return w.path }

// Written returns the number of rows handed to the file so far.
func (w *Writer) Written() int64 { return w.written.Load() }

// Dropped returns the number of rows refused by Enqueue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Enqueue hands a row to the writer goroutine without blocking. It
// returns false if the queue is full, the writer is closed or the file
// has faulted.
func (w *Writer) Enqueue(row imu.Row) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.faulted.Load() {
		w.drop()
		return false
	}
	select {
	case w.queue <- row:
		return true
	default:
		w.drop()
		return false
	}
}

func (w *Writer) drop() {
	w.dropped.Add(1)
	metrics.RowsDropped.Inc()
}

func (w *Writer) run() {
	defer close(w.done)

	line := make([]byte, 0, 256)
	pending := 0
	for row := range w.queue {
		if w.faulted.Load() {
			w.drop()
			continue
		}
		line = AppendRow(line[:0], &row)
		if _, err := w.bw.Write(line); err != nil {
			w.fault(fmt.Errorf("write row: %w", err))
			continue
		}
		w.written.Add(1)
		metrics.RowsWritten.Inc()

		pending++
		if pending >= w.opts.FlushEvery {
			pending = 0
			if err := w.bw.Flush(); err != nil {
				w.fault(fmt.Errorf("flush: %w", err))
				continue
			}
			metrics.Flushes.Inc()
		}
	}
}

// fault marks the handle unusable. bufio errors are sticky, so once a
// write fails every later write would fail too.
func (w *Writer) fault(err error) {
	metrics.WriteErrors.Inc()
	if !w.faulted.CompareAndSwap(false, true) {
		return
	}
	w.logger.Error("session file unusable", "error", err)
	if w.opts.OnFault != nil {
		go w.opts.OnFault(err)
	}
}

// Close drains the queue, flushes, records the end time and final sample
// count in the header, and closes the file. The file is closed even when
// an earlier step fails. Close is idempotent.
func (w *Writer) Close(endTime int64) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
		<-w.done

		var errs []error
		if !w.faulted.Load() {
			if err := w.bw.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("final flush: %w", err))
			} else {
				metrics.Flushes.Inc()
			}
		}
		if _, err := w.f.WriteAt(fixedInt(endTime, endTimeWidth), w.endOff); err != nil {
			errs = append(errs, fmt.Errorf("patch end time: %w", err))
		}
		if _, err := w.f.WriteAt(fixedInt(w.written.Load(), countWidth), w.countOff); err != nil {
			errs = append(errs, fmt.Errorf("patch sample count: %w", err))
		}
		if err := w.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
		if err := w.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}
