package recording

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/relabs-tech/imu_capture/internal/imu"
)

// Policy decides what happens to a data field that is present but not a
// number.
type Policy int

const (
	// PolicyZero replaces the field with 0.
	PolicyZero Policy = iota
	// PolicyNull reports the field as null.
	PolicyNull
	// PolicyReject skips the whole line.
	PolicyReject
)

// ParsePolicy maps the configuration spelling to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "zero", "":
		return PolicyZero, nil
	case "null":
		return PolicyNull, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown parse policy %q (want zero, null or reject)", s)
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyNull:
		return "null"
	case PolicyReject:
		return "reject"
	default:
		return "zero"
	}
}

// DataRow is one parsed data line. A nil axis is an absent channel (empty
// column) or, under PolicyNull, a malformed field.
type DataRow struct {
	Timestamp int64    `json:"timestamp" cbor:"timestamp"`
	AccelX    *float32 `json:"accel_x" cbor:"accel_x"`
	AccelY    *float32 `json:"accel_y" cbor:"accel_y"`
	AccelZ    *float32 `json:"accel_z" cbor:"accel_z"`
	GyroX     *float32 `json:"gyro_x" cbor:"gyro_x"`
	GyroY     *float32 `json:"gyro_y" cbor:"gyro_y"`
	GyroZ     *float32 `json:"gyro_z" cbor:"gyro_z"`
	MagX      *float32 `json:"mag_x" cbor:"mag_x"`
	MagY      *float32 `json:"mag_y" cbor:"mag_y"`
	MagZ      *float32 `json:"mag_z" cbor:"mag_z"`
}

func (d *DataRow) axes() [Columns - 1]**float32 {
	return [Columns - 1]**float32{
		&d.AccelX, &d.AccelY, &d.AccelZ,
		&d.GyroX, &d.GyroY, &d.GyroZ,
		&d.MagX, &d.MagY, &d.MagZ,
	}
}

// ReadFile parses the data lines of the session file at path.
func ReadFile(path string, policy Policy) ([]DataRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRows(f, policy)
}

// ParseRows skips the metadata comments and the column header line, then
// parses every remaining non-blank line. Lines with fewer than MinColumns
// fields are skipped, so a file cut mid-write yields every complete line
// before the cut. Empty columns are absent channels and read as null under
// every policy; the policy only applies to fields that are present but
// not a finite number.
func ParseRows(r io.Reader, policy Policy) ([]DataRow, error) {
	rows := []DataRow{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	headerSeen := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, CommentPrefix) {
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < MinColumns {
			continue
		}
		if row, ok := parseLine(fields, policy); ok {
			rows = append(rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return rows, fmt.Errorf("read session file: %w", err)
	}
	return rows, nil
}

func parseLine(fields []string, policy Policy) (DataRow, bool) {
	var row DataRow

	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		if policy != PolicyZero {
			return row, false
		}
		ts = 0
	}
	row.Timestamp = ts

	for i, dst := range row.axes() {
		raw := ""
		if i+1 < len(fields) {
			raw = strings.TrimSpace(fields[i+1])
		}
		v, ok, keep := parseField(raw, policy)
		if !keep {
			return row, false
		}
		if ok {
			*dst = &v
		}
	}
	return row, true
}

// parseField returns the value, whether it should be reported, and
// whether the line survives.
func parseField(raw string, policy Policy) (v float32, ok, keep bool) {
	if raw == "" {
		return 0, false, true
	}
	f, err := strconv.ParseFloat(raw, 32)
	if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return float32(f), true, true
	}
	switch policy {
	case PolicyReject:
		return 0, false, false
	case PolicyZero:
		return 0, true, true
	default:
		return 0, false, true
	}
}

// FromRow converts an in-memory row to its wire form. Channels that have
// not reported are nil.
func FromRow(row *imu.Row) DataRow {
	d := DataRow{Timestamp: row.Timestamp}
	axes := d.axes()
	for i, k := range imu.Kinds {
		r := row.Reading(k)
		if !r.Valid {
			continue
		}
		for j, v := range [3]float32{r.X, r.Y, r.Z} {
			*axes[3*i+j] = &v
		}
	}
	return d
}
