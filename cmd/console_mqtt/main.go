package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/imu_capture/internal/app"
	"github.com/relabs-tech/imu_capture/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "imu_capture_config.txt", "configuration file shared with imu_capture")
	broker := pflag.String("broker", "", "MQTT broker URL (overrides MQTT_BROKER)")
	clientID := pflag.String("client-id", "imu-capture-console", "MQTT client id")
	pflag.Parse()

	log.Println("starting imu capture console (MQTT subscriber)")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v, using defaults", err)
		cfg = config.Default()
	}
	if *broker != "" {
		cfg.MQTTBroker = *broker
	}
	if cfg.MQTTBroker == "" {
		log.Fatalf("fatal: no MQTT broker configured (set MQTT_BROKER or --broker)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, cfg, *clientID, os.Stdout, app.NewLogger(cfg, os.Stderr)); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
