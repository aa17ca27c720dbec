package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load
const (
	EnvPodName         = "POD_NAME"
	EnvConfigServerURL = "CONFIG_SERVER_PHO_URL"
	EnvEnvironment     = "ENV_TYPE"
	EnvService         = "PHOENIX_SERVICE"
)

// Config is the bootstrap configuration: everything the process needs before
// it can reach the configuration server.
type Config struct {
	ConfigServer ConfigServerConfig `json:"configServer" yaml:"configServer"`
	Instance     InstanceConfig     `json:"instance" yaml:"instance"`
	Logging      LogConfig          `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

type ConfigServerConfig struct {
	URL     string `json:"url" yaml:"url"`
	Timeout string `json:"timeout" yaml:"timeout"` // Duration string
}

type InstanceConfig struct {
	PodName     string `json:"podName" yaml:"podName"`         // instance identifier
	Environment string `json:"environment" yaml:"environment"` // handed to adapters
	Service     string `json:"service" yaml:"service"`         // registered microservice name
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path or "stdout"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
}

type MetricsConfig struct {
	Address       string `json:"address" yaml:"address"`
	Path          string `json:"path" yaml:"path"`
	EpochInterval string `json:"epochInterval" yaml:"epochInterval"` // Duration string
}

type RuntimeConfig struct {
	WatchInterval      string `json:"watchInterval" yaml:"watchInterval"`
	HaltPollInterval   string `json:"haltPollInterval" yaml:"haltPollInterval"`
	MaxUnhandledErrors int    `json:"maxUnhandledErrors" yaml:"maxUnhandledErrors"`
}

// Load reads the configuration file at path, applies defaults and environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	config.applyEnv()
	config.setDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv lets the deployment environment win over the file
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPodName); v != "" {
		c.Instance.PodName = v
	}
	if v := os.Getenv(EnvConfigServerURL); v != "" {
		c.ConfigServer.URL = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Instance.Environment = v
	}
	if v := os.Getenv(EnvService); v != "" {
		c.Instance.Service = v
	}
}

func (c *Config) setDefaults() {
	if c.ConfigServer.Timeout == "" {
		c.ConfigServer.Timeout = "10s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.EpochInterval == "" {
		c.Metrics.EpochInterval = "60s"
	}

	if c.Runtime.WatchInterval == "" {
		c.Runtime.WatchInterval = "10s"
	}
	if c.Runtime.HaltPollInterval == "" {
		c.Runtime.HaltPollInterval = "1s"
	}
	if c.Runtime.MaxUnhandledErrors <= 0 {
		c.Runtime.MaxUnhandledErrors = 10
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if cfg.ConfigServer.URL == "" {
		return fmt.Errorf("configuration server url is required (set %s)", EnvConfigServerURL)
	}
	if cfg.Instance.PodName == "" {
		return fmt.Errorf("instance pod name is required (set %s)", EnvPodName)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	durations := map[string]string{
		"config server timeout":  cfg.ConfigServer.Timeout,
		"metrics epoch interval": cfg.Metrics.EpochInterval,
		"watch interval":         cfg.Runtime.WatchInterval,
		"halt poll interval":     cfg.Runtime.HaltPollInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(service, podName, configServerURL, metricsAddr string, watchInterval time.Duration) {
	if service != "" {
		c.Instance.Service = service
	}
	if podName != "" {
		c.Instance.PodName = podName
	}
	if configServerURL != "" {
		c.ConfigServer.URL = configServerURL
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if watchInterval > 0 {
		c.Runtime.WatchInterval = watchInterval.String()
	}
}

// Duration parses a duration field that validateConfig already accepted.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
