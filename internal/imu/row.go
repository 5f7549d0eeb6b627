// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "fmt"

// Kind identifies one physical sensor channel.
type Kind uint8

const (
	Accelerometer Kind = iota
	Gyroscope
	Magnetometer
)

// Kinds lists every channel in column order.
var Kinds = [...]Kind{Accelerometer, Gyroscope, Magnetometer}

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Gyroscope:
		return "gyroscope"
	case Magnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sample is one axis-triple reading from one sensor.
// Timestamp is in nanoseconds on the sensor's monotonic clock.
type Sample struct {
	Kind      Kind
	Timestamp int64
	X, Y, Z   float32
}

// Reading is the last known value of a channel. Valid is false until the
// channel has delivered a sample; an invalid reading is written as empty
// columns, never as zeros.
type Reading struct {
	X, Y, Z float32
	Valid   bool
}

// Row is the unit of persistence: the triggering sample's timestamp plus
// the latest reading of every channel.
type Row struct {
	Timestamp int64
	Accel     Reading
	Gyro      Reading
	Mag       Reading
}

// Reading returns the row's reading for kind k.
func (r *Row) Reading(k Kind) Reading {
	switch k {
	case Accelerometer:
		return r.Accel
	case Gyroscope:
		return r.Gyro
	default:
		return r.Mag
	}
}
