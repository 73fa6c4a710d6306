package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the command-line configuration. Values load with priority
// flags > file > defaults.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Stress StressConfig `yaml:"stress"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StressConfig controls a stress run.
type StressConfig struct {
	// Size is the number of elements in each iteration's range.
	Size int `yaml:"size"`
	// Iterations is the number of transforms to run.
	Iterations int `yaml:"iterations"`
	// Threshold is the mutator call on which the mutator fails. A
	// threshold above the number of selected elements makes every run
	// succeed.
	Threshold int `yaml:"threshold"`
	// BackupFailureEvery makes every n-th backup copy fail. Zero disables it.
	BackupFailureEvery int `yaml:"backup_failure_every"`
	// Seed for element values. Zero picks a random seed.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Stress: StressConfig{
			Size:       1_000_000,
			Iterations: 10,
			Threshold:  100_000,
		},
	}
}

// LoadConfig loads defaults, then the YAML file at path if path is not
// empty, and validates the result.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return config, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Validate checks all configuration values.
func (c Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := c.Stress.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the stress values.
func (s StressConfig) Validate() error {
	var errs []error
	if s.Size <= 0 {
		errs = append(errs, fmt.Errorf("stress.size must be positive, got %d", s.Size))
	}
	if s.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("stress.iterations must be positive, got %d", s.Iterations))
	}
	if s.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("stress.threshold must be positive, got %d", s.Threshold))
	}
	if s.BackupFailureEvery < 0 {
		errs = append(errs, fmt.Errorf("stress.backup_failure_every must not be negative, got %d", s.BackupFailureEvery))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
