// Package gps tracks the latest position reported by an NMEA receiver.
package gps

// Fix represents a single GPS fix taken from an RMC sentence.
type Fix struct {
	Time       string  `json:"time"`        // e.g. "12:34:56.0000"
	Date       string  `json:"date"`        // library format, dd/mm/yy
	Latitude   float64 `json:"lat"`         // decimal degrees
	Longitude  float64 `json:"lon"`         // decimal degrees
	SpeedKnots float64 `json:"speed_knots"` // speed over ground
	CourseDeg  float64 `json:"course_deg"`  // course over ground
	Validity   string  `json:"validity"`    // "A" (valid) / "V" (void)
}

// Valid reports whether the receiver marked the fix as usable.
func (f Fix) Valid() bool { return f.Validity == "A" }
