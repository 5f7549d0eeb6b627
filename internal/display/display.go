// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package display shows the capture status on a 128x64 SSD1306 OLED.
package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"
)

const (
	width  = 128
	height = 64
)

// Status is what the screen shows.
type Status struct {
	State       string
	SampleCount int64
	IPAddress   string
	Port        int
	HaveFix     bool
}

// Drawer is the subset of *ssd1306.Dev used here.
type Drawer interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// OLED is an opened display and the bus it sits on.
type OLED struct {
	*ssd1306.Dev
	bus i2c.BusCloser
}

// Open initializes periph and the display on busName ("" picks the
// first bus).
func Open(busName string) (*OLED, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	return &OLED{Dev: dev, bus: bus}, nil
}

// Close blanks the display and releases the bus.
func (o *OLED) Close() error {
	o.Dev.Halt()
	return o.bus.Close()
}

// Render draws s into a fresh frame.
func Render(s Status) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, width, height))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}

	lines := []string{
		s.State,
		fmt.Sprintf("N: %d", s.SampleCount),
	}
	if s.IPAddress != "" {
		lines = append(lines, s.IPAddress)
	} else {
		lines = append(lines, "no network")
	}
	port := fmt.Sprintf("Port: %d", s.Port)
	if s.Port == 0 {
		port = "Port: -"
	}
	if s.HaveFix {
		port += "  GPS"
	}
	lines = append(lines, port)

	for i, l := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(l)
	}
	return img
}

// Run redraws the display every interval until ctx is done.
func Run(ctx context.Context, dev Drawer, interval time.Duration, status func() Status, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "display")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Status
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := status()
			if !first && s == last {
				continue
			}
			if err := dev.Draw(dev.Bounds(), Render(s), image.Point{}); err != nil {
				logger.Warn("display update failed", "error", err)
				continue
			}
			last, first = s, false
		}
	}
}
