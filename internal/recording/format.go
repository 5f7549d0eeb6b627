// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package recording owns the on-disk session format: a commented metadata
// header, one column header line and one CSV line per combined row.
package recording

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

const (
	// CommentPrefix starts every metadata line.
	CommentPrefix = "#"

	// ColumnHeader is the fixed column layout of every data line.
	ColumnHeader = "timestamp,accel_x,accel_y,accel_z,gyro_x,gyro_y,gyro_z,mag_x,mag_y,mag_z"

	// Columns is the number of fields in a complete data line.
	Columns = 10

	// MinColumns is the number of fields a data line needs to be usable:
	// timestamp, accelerometer and gyroscope.
	MinColumns = 7

	// HeaderLines is the number of metadata comment lines.
	HeaderLines = 6

	// End time and sample count are patched in place at close, so they
	// are written with a fixed width.
	endTimeWidth = 13
	countWidth   = 12
	unsetField   = "-"
)

// Header is the session metadata written at the top of each file.
type Header struct {
	SessionID   string
	DeviceID    string
	StartTime   int64 // epoch ms
	EndTime     int64 // epoch ms, 0 while recording
	SampleCount int64
	GeneratedBy string
}

// headerLayout renders h with placeholder end time and sample count and
// returns the byte offsets of those two values.
func headerLayout(h Header) (text string, endOff, countOff int64) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session ID: %s\n", h.SessionID)
	fmt.Fprintf(&b, "# Device ID: %s\n", h.DeviceID)
	fmt.Fprintf(&b, "# Start Time: %d\n", h.StartTime)
	b.WriteString("# End Time: ")
	endOff = int64(b.Len())
	fmt.Fprintf(&b, "%-*s\n", endTimeWidth, unsetField)
	b.WriteString("# Sample Count: ")
	countOff = int64(b.Len())
	fmt.Fprintf(&b, "%-*s\n", countWidth, unsetField)
	fmt.Fprintf(&b, "# Generated by %s\n", h.GeneratedBy)
	b.WriteString(ColumnHeader)
	b.WriteByte('\n')
	return b.String(), endOff, countOff
}

func fixedInt(v int64, width int) []byte {
	return []byte(fmt.Sprintf("%-*d", width, v))
}

// AppendRow appends the CSV line for row, including the newline. Invalid
// readings become empty columns so the column count stays fixed.
func AppendRow(dst []byte, row *imu.Row) []byte {
	dst = strconv.AppendInt(dst, row.Timestamp, 10)
	for _, k := range imu.Kinds {
		r := row.Reading(k)
		for _, v := range [3]float32{r.X, r.Y, r.Z} {
			dst = append(dst, ',')
			if r.Valid {
				dst = strconv.AppendFloat(dst, float64(v), 'g', -1, 32)
			}
		}
	}
	return append(dst, '\n')
}

// ReadHeader parses the metadata comment lines of a session file.
// Unset values are left at zero.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return parseHeader(f)
}

func parseHeader(r io.Reader) (Header, error) {
	var h Header
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, CommentPrefix) {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, CommentPrefix))
		if gen, ok := strings.CutPrefix(body, "Generated by "); ok {
			h.GeneratedBy = gen
			continue
		}
		key, value, ok := strings.Cut(body, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Session ID":
			h.SessionID = value
		case "Device ID":
			h.DeviceID = value
		case "Start Time":
			h.StartTime, _ = strconv.ParseInt(value, 10, 64)
		case "End Time":
			h.EndTime, _ = strconv.ParseInt(value, 10, 64)
		case "Sample Count":
			h.SampleCount, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	return h, sc.Err()
}
