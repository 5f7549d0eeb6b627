package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/imu_capture/internal/capture"
	"github.com/relabs-tech/imu_capture/internal/recording"
)

// Config holds all application configuration values.
type Config struct {
	// Identity and storage
	DeviceID      string
	RecordingsDir string
	ServiceName   string

	// Sensors
	SensorSource          string // "synthetic" or "mpu9250"
	SensorRateHz          int
	EnableMagnetometer    bool
	SyntheticMagnetometer bool
	RowTrigger            capture.Trigger

	// IMU Hardware
	IMUSPIDevice string
	IMUCSPin     string
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte
	IMUCalibrate bool

	// Writer
	FlushEveryRows int
	WriteQueueSize int

	// Command server
	HTTPPorts       []int
	DataParsePolicy recording.Policy
	StreamDecimate  int

	// Power
	WakeLock     string // "none" or "sysfs"
	WakeLockName string

	// MQTT (disabled when MQTTBroker is empty)
	MQTTBroker            string
	MQTTClientID          string
	TopicStatus           string
	TopicSession          string
	TopicCommand          string
	StatusPublishInterval int // milliseconds

	// Session catalog (disabled when empty)
	CatalogPath string

	// GPS (disabled when GPSSerialPort is empty)
	GPSSerialPort string
	GPSBaudRate   int

	// Display
	DisplayEnabled        bool
	DisplayI2CBus         string
	DisplayUpdateInterval int // milliseconds

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"
}

// Default returns a configuration that runs on a development machine with
// the synthetic sensor source and no optional integrations.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Config{
		DeviceID:              host,
		RecordingsDir:         "./recordings",
		ServiceName:           "imu-capture",
		SensorSource:          "synthetic",
		SensorRateHz:          100,
		EnableMagnetometer:    true,
		SyntheticMagnetometer: true,
		RowTrigger:            capture.TriggerAny,
		IMUSPIDevice:          "/dev/spidev0.0",
		IMUCSPin:              "8",
		FlushEveryRows:        100,
		WriteQueueSize:        4096,
		HTTPPorts:             []int{8080, 8081, 8082, 8083, 9090},
		DataParsePolicy:       recording.PolicyZero,
		StreamDecimate:        1,
		WakeLock:              "none",
		WakeLockName:          "imu_capture",
		MQTTClientID:          "imu-capture",
		TopicStatus:           "imu/status",
		TopicSession:          "imu/session",
		TopicCommand:          "imu/command",
		StatusPublishInterval: 1000,
		GPSBaudRate:           9600,
		DisplayUpdateInterval: 500,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load reads the configuration file over the defaults. Files ending in
// .yaml or .yml are parsed as YAML with the same top-level keys; anything
// else uses the KEY=VALUE format.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = cfg.loadYAML(file)
	default:
		err = cfg.loadKV(file)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadKV(file io.Reader) error {
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// loadYAML walks the top-level mapping so errors can carry line numbers.
// Sequences are joined with commas.
func (c *Config) loadYAML(file io.Reader) error {
	var doc yaml.Node
	if err := yaml.NewDecoder(file).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config line %d: top level must be a mapping", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		value := v.Value
		if v.Kind == yaml.SequenceNode {
			items := make([]string, 0, len(v.Content))
			for _, item := range v.Content {
				items = append(items, item.Value)
			}
			value = strings.Join(items, ",")
		}
		if err := c.setValue(k.Value, value); err != nil {
			return fmt.Errorf("config line %d: %w", k.Line, err)
		}
	}
	return nil
}

func parseRange(key, value, help string) (byte, error) {
	rangeVal, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if rangeVal < 0 || rangeVal > 3 {
		return 0, fmt.Errorf("%s must be 0-3 (%s), got %d", key, help, rangeVal)
	}
	return byte(rangeVal), nil
}

func parsePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

// ParsePorts parses a comma-separated port list.
func ParsePorts(value string) ([]int, error) {
	var ports []int
	for _, f := range strings.Split(value, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("port list is empty")
	}
	return ports, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Identity and storage
	case "DEVICE_ID":
		c.DeviceID = value
	case "RECORDINGS_DIR":
		c.RecordingsDir = value
	case "SERVICE_NAME":
		c.ServiceName = value

	// Sensors
	case "SENSOR_SOURCE":
		c.SensorSource = value
	case "SENSOR_RATE_HZ":
		c.SensorRateHz, err = parsePositive(key, value)
	case "ENABLE_MAGNETOMETER":
		c.EnableMagnetometer, err = parseBool(key, value)
	case "SYNTHETIC_MAGNETOMETER":
		c.SyntheticMagnetometer, err = parseBool(key, value)
	case "ROW_TRIGGER":
		c.RowTrigger, err = capture.ParseTrigger(value)

	// IMU Hardware
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		c.IMUAccelRange, err = parseRange(key, value, "0=±2g, 1=±4g, 2=±8g, 3=±16g")
	case "IMU_GYRO_RANGE":
		c.IMUGyroRange, err = parseRange(key, value, "0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s")
	case "IMU_CALIBRATE":
		c.IMUCalibrate, err = parseBool(key, value)

	// Writer
	case "FLUSH_EVERY_ROWS":
		c.FlushEveryRows, err = parsePositive(key, value)
	case "WRITE_QUEUE_SIZE":
		c.WriteQueueSize, err = parsePositive(key, value)

	// Command server
	case "HTTP_PORTS":
		c.HTTPPorts, err = ParsePorts(value)
	case "DATA_PARSE_POLICY":
		c.DataParsePolicy, err = recording.ParsePolicy(value)
	case "STREAM_DECIMATE":
		c.StreamDecimate, err = parsePositive(key, value)

	// Power
	case "WAKE_LOCK":
		c.WakeLock = value
	case "WAKE_LOCK_NAME":
		c.WakeLockName = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_SESSION":
		c.TopicSession = value
	case "TOPIC_COMMAND":
		c.TopicCommand = value
	case "STATUS_PUBLISH_INTERVAL":
		c.StatusPublishInterval, err = parsePositive(key, value)

	// Catalog
	case "CATALOG_PATH":
		c.CatalogPath = value

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parsePositive(key, value)

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = parseBool(key, value)
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parsePositive(key, value)

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)
	case "LOG_FORMAT":
		c.LogFormat = strings.ToLower(value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// Validate checks cross-field constraints and enum values. It runs after
// the file is loaded and again after command-line overrides.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("RECORDINGS_DIR is required")
	}
	switch c.SensorSource {
	case "synthetic", "mpu9250":
	default:
		return fmt.Errorf("SENSOR_SOURCE must be synthetic or mpu9250, got %q", c.SensorSource)
	}
	if c.SensorSource == "mpu9250" && c.IMUSPIDevice == "" {
		return fmt.Errorf("IMU_SPI_DEVICE is required for the mpu9250 source")
	}
	if len(c.HTTPPorts) == 0 {
		return fmt.Errorf("HTTP_PORTS is required")
	}
	if c.SensorRateHz <= 0 || c.FlushEveryRows <= 0 || c.WriteQueueSize <= 0 || c.StreamDecimate <= 0 {
		return fmt.Errorf("SENSOR_RATE_HZ, FLUSH_EVERY_ROWS, WRITE_QUEUE_SIZE and STREAM_DECIMATE must be positive")
	}
	switch c.WakeLock {
	case "none", "sysfs":
	default:
		return fmt.Errorf("WAKE_LOCK must be none or sysfs, got %q", c.WakeLock)
	}
	if c.MQTTBroker != "" && (c.TopicStatus == "" || c.TopicSession == "" || c.TopicCommand == "") {
		return fmt.Errorf("TOPIC_STATUS, TOPIC_SESSION and TOPIC_COMMAND are required with MQTT_BROKER")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}
