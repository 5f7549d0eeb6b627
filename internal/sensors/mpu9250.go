// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

// Full-scale sensitivities indexed by the range selector (0-3).
var (
	accelLSBPerG   = [4]float64{16384, 8192, 4096, 2048}
	gyroLSBPerDegS = [4]float64{131, 65.5, 32.8, 16.4}
)

// MPU9250Options holds the SPI wiring and full-scale ranges.
type MPU9250Options struct {
	SPIDevice  string
	CSPin      string
	AccelRange byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	GyroRange  byte // 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	Calibrate  bool
}

// MPU9250 polls an InvenSense MPU-9250 over SPI and delivers accelerometer
// (m/s²) and gyroscope (rad/s) samples. The upstream driver does not
// expose the AK8963, so the magnetometer is reported unavailable.
type MPU9250 struct {
	dev    *mpu9250.MPU9250
	opts   MPU9250Options
	logger *slog.Logger
	start  time.Time
	out    fanout

	mu   sync.Mutex
	poll *generator
}

// NewMPU9250 initializes the device. It fails if the host, chip-select
// pin or SPI transport are missing.
func NewMPU9250(opts MPU9250Options, logger *slog.Logger) (*MPU9250, error) {
	if opts.AccelRange > 3 || opts.GyroRange > 3 {
		return nil, fmt.Errorf("mpu9250: range selectors must be 0-3")
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: periph host init: %w", err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("mpu9250: CS pin %q not found", opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: SPI transport (%s): %w", opts.SPIDevice, err)
	}

	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: device creation: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: initialization: %w", err)
	}
	if err := dev.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("mpu9250: set accel range: %w", err)
	}
	if err := dev.SetGyroRange(opts.GyroRange); err != nil {
		return nil, fmt.Errorf("mpu9250: set gyro range: %w", err)
	}

	if opts.Calibrate {
		if err := dev.Calibrate(); err != nil {
			logger.Warn("mpu9250 calibration failed", "error", err)
		} else {
			logger.Info("mpu9250 calibration complete")
		}
	}

	logger.Info("mpu9250 ready",
		"spi", opts.SPIDevice,
		"accel_range_g", []int{2, 4, 8, 16}[opts.AccelRange],
		"gyro_range_dps", []int{250, 500, 1000, 2000}[opts.GyroRange],
	)

	return &MPU9250{
		dev:    dev,
		opts:   opts,
		logger: logger,
		start:  time.Now(),
	}, nil
}

// Register implements Provider. Accelerometer and gyroscope share one
// polling loop; its rate is fixed by the first registration.
func (m *MPU9250) Register(kind imu.Kind, rateHz int, l Listener) (Registration, error) {
	if kind == imu.Magnetometer {
		return nil, fmt.Errorf("mpu9250 %s: %w", kind, ErrUnavailable)
	}
	if rateHz <= 0 {
		return nil, fmt.Errorf("mpu9250 %s: invalid rate %d Hz", kind, rateHz)
	}

	id, _ := m.out.add(kind, l)
	m.startPolling(time.Second / time.Duration(rateHz))

	return &registration{unregister: func() {
		if _, total := m.out.remove(kind, id); total == 0 {
			m.stopPolling()
		}
	}}, nil
}

func (m *MPU9250) startPolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poll != nil {
		return
	}
	g := &generator{stop: make(chan struct{}), done: make(chan struct{})}
	m.poll = g

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
			}
			accel, gyro, err := m.read()
			if err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					m.logger.Warn("mpu9250 read failed", "failures", failures, "error", err)
				}
				continue
			}
			failures = 0
			m.out.deliver(accel)
			m.out.deliver(gyro)
		}
	}()
}

func (m *MPU9250) stopPolling() {
	m.mu.Lock()
	g := m.poll
	m.poll = nil
	m.mu.Unlock()
	if g == nil {
		return
	}
	close(g.stop)
	<-g.done
}

// read samples all six axes and converts them to SI units.
func (m *MPU9250) read() (accel, gyro imu.Sample, err error) {
	ts := time.Since(m.start).Nanoseconds()

	var raw [6]int16
	readers := [6]func() (int16, error){
		m.dev.GetAccelerationX, m.dev.GetAccelerationY, m.dev.GetAccelerationZ,
		m.dev.GetRotationX, m.dev.GetRotationY, m.dev.GetRotationZ,
	}
	for i, read := range readers {
		if raw[i], err = read(); err != nil {
			return accel, gyro, fmt.Errorf("mpu9250 axis %d: %w", i, err)
		}
	}

	aScale := standardGravity / accelLSBPerG[m.opts.AccelRange]
	gScale := (math.Pi / 180) / gyroLSBPerDegS[m.opts.GyroRange]

	accel = imu.Sample{
		Kind:      imu.Accelerometer,
		Timestamp: ts,
		X:         float32(float64(raw[0]) * aScale),
		Y:         float32(float64(raw[1]) * aScale),
		Z:         float32(float64(raw[2]) * aScale),
	}
	gyro = imu.Sample{
		Kind:      imu.Gyroscope,
		Timestamp: ts,
		X:         float32(float64(raw[3]) * gScale),
		Y:         float32(float64(raw[4]) * gScale),
		Z:         float32(float64(raw[5]) * gScale),
	}
	return accel, gyro, nil
}
