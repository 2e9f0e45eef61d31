// Package config provides configuration parsing for blockdedup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// blockSize mirrors the dedupe block size; request sizes must be
	// multiples of it.
	blockSize = 4096

	// maxRequestLimit is the largest single dedupe request the kernel
	// accepts on any filesystem we target.
	maxRequestLimit = 16 * 1024 * 1024
)

// Config represents the blockdedup configuration.
type Config struct {
	// LogFile path for run logs; empty logs to stderr only
	LogFile string `yaml:"log_file"`

	// Scan settings for the file walk
	Scan ScanConfig `yaml:"scan"`

	// Execute settings for execute mode
	Execute ExecuteConfig `yaml:"execute"`

	// Report settings for summary and metrics output
	Report ReportConfig `yaml:"report"`
}

// ScanConfig controls which files a run considers.
type ScanConfig struct {
	// Exclude holds gitignore-style patterns relative to the scan root
	Exclude []string `yaml:"exclude"`
	// IgnoreFile is read from the scan root when relative (default: .dedupignore)
	IgnoreFile string `yaml:"ignore_file"`
	// MinFileSize skips smaller files; nothing below the minimum dedupe
	// length can ever be deduplicated
	MinFileSize int64 `yaml:"min_file_size"`
	// MaxOpenFiles bounds the file handles held during a run
	MaxOpenFiles int `yaml:"max_open_files"`
}

// ExecuteConfig holds settings that only apply in execute mode.
type ExecuteConfig struct {
	// PunchZeroBlocks punches holes over all-zero blocks found while indexing
	PunchZeroBlocks bool `yaml:"punch_zero_blocks"`
	// MaxRequestBytes bounds a single dedupe request
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// ReportConfig holds output settings.
type ReportConfig struct {
	// SummaryPath receives the JSON run summary (optional)
	SummaryPath string `yaml:"summary_path"`
	// MetricsPath receives the JSON metrics snapshot (optional)
	MetricsPath string `yaml:"metrics_path"`
	// EventBuffer is the per-subscriber event queue length
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	logFile := filepath.Join(home, ".local", "log", "blockdedup.log")

	return &Config{
		LogFile: logFile,
		Scan: ScanConfig{
			Exclude:      []string{},
			IgnoreFile:   ".dedupignore",
			MinFileSize:  64 * 1024,
			MaxOpenFiles: 256,
		},
		Execute: ExecuteConfig{
			PunchZeroBlocks: false,
			MaxRequestBytes: maxRequestLimit,
		},
		Report: ReportConfig{
			EventBuffer: 256,
		},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "blockdedup", "config.yaml")
}

// Validate checks the configuration for values a run cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Scan.MinFileSize < 0 {
		errs = append(errs, fmt.Errorf("scan.min_file_size must not be negative: %d", c.Scan.MinFileSize))
	}
	if c.Scan.MaxOpenFiles < 2 {
		errs = append(errs, fmt.Errorf("scan.max_open_files must be at least 2: %d", c.Scan.MaxOpenFiles))
	}
	if c.Execute.MaxRequestBytes < blockSize || c.Execute.MaxRequestBytes > maxRequestLimit {
		errs = append(errs, fmt.Errorf("execute.max_request_bytes must be between %d and %d: %d",
			blockSize, maxRequestLimit, c.Execute.MaxRequestBytes))
	} else if c.Execute.MaxRequestBytes%blockSize != 0 {
		errs = append(errs, fmt.Errorf("execute.max_request_bytes must be a multiple of %d: %d",
			blockSize, c.Execute.MaxRequestBytes))
	}
	if c.Report.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("report.event_buffer must be positive: %d", c.Report.EventBuffer))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file, merging with defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
