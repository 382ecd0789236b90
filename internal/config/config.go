package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	Period         time.Duration
	OutputDir      string
	CSVSeparator   string
	CSVAbsent      string
	LogLevel       slog.Level
	Workers        int
	MaxFailedTicks int
	Processes      bool
	ProcRoot       string
	MetricsAddr    string
	NVML           NVMLConfig
	RAPL           RAPLConfig
	Hub            HubConfig
}

// NVMLConfig controls the GPU source.
type NVMLConfig struct {
	Enable bool
	// MockDevices > 0 substitutes synthetic devices when the library cannot be loaded
	MockDevices int
}

// RAPLConfig controls the CPU energy source.
type RAPLConfig struct {
	Enable bool
	Root   string
}

// HubConfig contains settings for streaming batches to the hub.
type HubConfig struct {
	Addr              string
	CertFile          string
	KeyFile           string
	CAFile            string
	NodeID            string
	PrivateKey        string
	PrivateKeyFile    string
	DockerAttribution bool
}

// Enabled reports whether a hub address is configured
func (h HubConfig) Enabled() bool {
	return h.Addr != ""
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Period:         time.Second,
		OutputDir:      "results",
		CSVSeparator:   ";",
		CSVAbsent:      "NA",
		LogLevel:       slog.LevelInfo,
		Workers:        1,
		MaxFailedTicks: 30,
		Processes:      true,
		ProcRoot:       "/proc",
		NVML: NVMLConfig{
			Enable: true,
		},
		RAPL: RAPLConfig{
			Enable: true,
			Root:   "/sys/class/powercap",
		},
	}

	if value := env("SENSOR_PERIOD"); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENSOR_PERIOD: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("SENSOR_PERIOD must be > 0")
		}
		cfg.Period = duration
	}

	if value := env("SENSOR_OUTPUT_DIR"); value != "" {
		cfg.OutputDir = value
	}

	// not trimmed: a tab is a valid separator
	if value := os.Getenv("SENSOR_CSV_SEPARATOR"); value != "" {
		if utf8.RuneCountInString(value) != 1 {
			return Config{}, fmt.Errorf("SENSOR_CSV_SEPARATOR must be a single character")
		}
		cfg.CSVSeparator = value
	}

	if value := env("SENSOR_CSV_ABSENT"); value != "" {
		cfg.CSVAbsent = value
	}

	if value := env("SENSOR_LOG_LEVEL"); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENSOR_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.Workers, err = envPositiveInt("SENSOR_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.MaxFailedTicks, err = envInt("SENSOR_MAX_FAILED_TICKS", cfg.MaxFailedTicks); err != nil {
		return Config{}, err
	}
	if cfg.MaxFailedTicks < 0 {
		return Config{}, fmt.Errorf("SENSOR_MAX_FAILED_TICKS must be >= 0")
	}
	if cfg.Processes, err = envBool("SENSOR_PROCESSES", cfg.Processes); err != nil {
		return Config{}, err
	}

	if value := env("SENSOR_PROC_ROOT"); value != "" {
		cfg.ProcRoot = value
	}

	cfg.MetricsAddr = env("SENSOR_METRICS_ADDR")

	if cfg.NVML.Enable, err = envBool("SENSOR_NVML_ENABLE", cfg.NVML.Enable); err != nil {
		return Config{}, err
	}
	if cfg.NVML.MockDevices, err = envInt("SENSOR_MOCK_DEVICES", cfg.NVML.MockDevices); err != nil {
		return Config{}, err
	}
	if cfg.NVML.MockDevices < 0 {
		return Config{}, fmt.Errorf("SENSOR_MOCK_DEVICES must be >= 0")
	}

	if cfg.RAPL.Enable, err = envBool("SENSOR_RAPL_ENABLE", cfg.RAPL.Enable); err != nil {
		return Config{}, err
	}
	if value := env("SENSOR_RAPL_ROOT"); value != "" {
		cfg.RAPL.Root = value
	}

	cfg.Hub.Addr = env("SENSOR_HUB_ADDR")
	cfg.Hub.CertFile = env("SENSOR_HUB_CERT")
	cfg.Hub.KeyFile = env("SENSOR_HUB_KEY")
	cfg.Hub.CAFile = env("SENSOR_HUB_CA")
	if value := env("SENSOR_NODE_ID"); value != "" {
		cfg.Hub.NodeID = value
	}
	cfg.Hub.PrivateKey = env("SENSOR_PRIVATE_KEY")
	cfg.Hub.PrivateKeyFile = env("SENSOR_PRIVATE_KEY_FILE")
	if cfg.Hub.DockerAttribution, err = envBool("SENSOR_DOCKER_ATTRIBUTION", cfg.Hub.DockerAttribution); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is also run after flag overrides.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("period must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if !c.NVML.Enable && !c.RAPL.Enable {
		return fmt.Errorf("at least one of NVML and RAPL must be enabled")
	}
	if c.Hub.Enabled() && (c.Hub.CertFile == "" || c.Hub.KeyFile == "") {
		return fmt.Errorf("SENSOR_HUB_CERT and SENSOR_HUB_KEY are required when SENSOR_HUB_ADDR is set")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string, def bool) (bool, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func envInt(key string, def int) (int, error) {
	value := env(key)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envPositiveInt(key string, def int) (int, error) {
	n, err := envInt(key, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

// ParseLogLevel accepts debug, info, warn/warning and error in any case.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
