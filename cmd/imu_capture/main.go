// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// imu_capture records motion sensor data to CSV session files and serves
// start/stop/status commands over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/imu_capture/internal/app"
	"github.com/relabs-tech/imu_capture/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		deviceID   string
		dir        string
		ports      string
		source     string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("imu_capture", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "imu_capture_config.txt", "KEY=VALUE or YAML configuration file")
	flagSet.StringVar(&deviceID, "device-id", "", "device identifier (overrides DEVICE_ID)")
	flagSet.StringVar(&dir, "dir", "", "recordings directory (overrides RECORDINGS_DIR)")
	flagSet.StringVar(&ports, "ports", "", "comma-separated HTTP ports, primary first (overrides HTTP_PORTS)")
	flagSet.StringVar(&source, "source", "", "synthetic or mpu9250 (overrides SENSOR_SOURCE)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !flagSet.Changed("config"):
		cfg = config.Default()
	default:
		return err
	}

	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if dir != "" {
		cfg.RecordingsDir = dir
	}
	if ports != "" {
		if cfg.HTTPPorts, err = config.ParsePorts(ports); err != nil {
			return fmt.Errorf("--ports: %w", err)
		}
	}
	if source != "" {
		cfg.SensorSource = source
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := app.NewLogger(cfg, os.Stderr)
	logger.Info("starting imu capture service", "config", configPath, "source", cfg.SensorSource)

	a, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
