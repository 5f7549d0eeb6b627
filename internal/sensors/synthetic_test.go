package sensors_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/sensors"
)

func TestSynthetic_MagnetometerUnavailable(t *testing.T) {
	src := sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true})

	_, err := src.Register(imu.Magnetometer, 50, func(imu.Sample) {})
	if !errors.Is(err, sensors.ErrUnavailable) {
		t.Fatalf("Register(magnetometer) error = %v, want ErrUnavailable", err)
	}
	if src.Has(imu.Magnetometer) {
		t.Error("Has(magnetometer) = true without the option")
	}
}

func TestSynthetic_RejectsInvalidRate(t *testing.T) {
	src := sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true})
	if _, err := src.Register(imu.Accelerometer, 0, func(imu.Sample) {}); err == nil {
		t.Fatal("expected error for 0 Hz")
	}
}

func TestSynthetic_InjectRoutesByKind(t *testing.T) {
	src := sensors.NewSynthetic(sensors.SyntheticOptions{Manual: true, Magnetometer: true})

	var accel, gyro atomic.Int32
	ra, err := src.Register(imu.Accelerometer, 100, func(s imu.Sample) {
		if s.Kind != imu.Accelerometer {
			t.Errorf("accel listener got %s", s.Kind)
		}
		accel.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	rg, err := src.Register(imu.Gyroscope, 100, func(imu.Sample) { gyro.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: 1})
	src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: 2})
	src.Inject(imu.Sample{Kind: imu.Gyroscope, Timestamp: 3})
	src.Inject(imu.Sample{Kind: imu.Magnetometer, Timestamp: 4})

	if accel.Load() != 2 || gyro.Load() != 1 {
		t.Fatalf("accel=%d gyro=%d, want 2 and 1", accel.Load(), gyro.Load())
	}

	ra.Unregister()
	ra.Unregister()
	rg.Unregister()
	src.Inject(imu.Sample{Kind: imu.Accelerometer, Timestamp: 5})

	if accel.Load() != 2 {
		t.Errorf("listener called after Unregister")
	}
	if n := src.Listeners(imu.Accelerometer); n != 0 {
		t.Errorf("Listeners(accel) = %d, want 0", n)
	}
}

func TestSynthetic_GeneratorDeliversUntilUnregister(t *testing.T) {
	src := sensors.NewSynthetic(sensors.SyntheticOptions{})

	var n atomic.Int32
	var last atomic.Int64
	reg, err := src.Register(imu.Accelerometer, 200, func(s imu.Sample) {
		if s.Timestamp < last.Load() {
			t.Errorf("timestamp went backwards: %d < %d", s.Timestamp, last.Load())
		}
		last.Store(s.Timestamp)
		n.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reg.Unregister()
	got := n.Load()
	if got < 5 {
		t.Fatalf("generator delivered %d samples, want >= 5", got)
	}

	time.Sleep(30 * time.Millisecond)
	if n.Load() != got {
		t.Errorf("samples delivered after Unregister: %d -> %d", got, n.Load())
	}
}
