// ============================================================================
// uws-engine Config - YAML 配置
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the service configuration from YAML. Defaults are applied
// before decoding, so a file only lists what it changes. Durations use Go
// duration strings ("30s", "72h").
//
// Example:
//
//   log:
//     level: info
//     format: json
//   lists:
//     - name: query
//       task: sleep
//       max_running: 4
//       default_destruction: 72h
//   execution:
//     interrupt_policy: abort
//   blocking:
//     max_wait: 60s
//     max_waiters_per_key: 3
//   backup:
//     mode: both
//     interval: 1m
//     sink: file
//     file:
//       dir: data/backup
//   http:
//     addr: ":8080"
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete service configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Lists []ListConfig `yaml:"lists"`

	Execution struct {
		InterruptPolicy string `yaml:"interrupt_policy"` // abort | requeue
	} `yaml:"execution"`

	Blocking struct {
		MaxWait          time.Duration `yaml:"max_wait"`
		MaxWaitersPerKey int           `yaml:"max_waiters_per_key"`
		EvictOldest      bool          `yaml:"evict_oldest"`
	} `yaml:"blocking"`

	Backup BackupConfig `yaml:"backup"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"` // empty disables the health service
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// ListConfig describes one job list.
type ListConfig struct {
	Name                     string        `yaml:"name"`
	Task                     string        `yaml:"task"`
	MaxRunning               int           `yaml:"max_running"`
	DefaultDestruction       time.Duration `yaml:"default_destruction"`
	MaxDestruction           time.Duration `yaml:"max_destruction"`
	DefaultExecutionDuration time.Duration `yaml:"default_execution_duration"`
	MaxExecutionDuration     time.Duration `yaml:"max_execution_duration"`
}

// BackupConfig selects the save policy and the sink.
type BackupConfig struct {
	Mode        string        `yaml:"mode"` // frequency | event | both | off
	Interval    time.Duration `yaml:"interval"`
	MinEventGap time.Duration `yaml:"min_event_gap"`
	Sink        string        `yaml:"sink"` // file | s3 | etcd | memory

	File struct {
		Dir string `yaml:"dir"`
	} `yaml:"file"`

	S3 struct {
		Bucket         string `yaml:"bucket"`
		Prefix         string `yaml:"prefix"`
		Region         string `yaml:"region"`
		Endpoint       string `yaml:"endpoint"`
		ForcePathStyle bool   `yaml:"force_path_style"`
	} `yaml:"s3"`

	Etcd struct {
		Endpoints   []string      `yaml:"endpoints"`
		Prefix      string        `yaml:"prefix"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
		LogLevel    string        `yaml:"log_level"`
	} `yaml:"etcd"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Lists = []ListConfig{{
		Name:               "default",
		Task:               "sleep",
		DefaultDestruction: 72 * time.Hour,
	}}
	cfg.Execution.InterruptPolicy = "abort"
	cfg.Blocking.MaxWait = 60 * time.Second
	cfg.Blocking.MaxWaitersPerKey = 3
	cfg.Backup.Mode = "frequency"
	cfg.Backup.Interval = time.Minute
	cfg.Backup.MinEventGap = time.Second
	cfg.Backup.Sink = "file"
	cfg.Backup.File.Dir = "data/backup"
	cfg.Backup.Etcd.Prefix = "/uws/backup/"
	cfg.Backup.Etcd.DialTimeout = 5 * time.Second
	cfg.SweepInterval = time.Minute
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.Metrics.Enabled = true
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		invalid("log.format %q, want text or json", c.Log.Format)
	}

	if len(c.Lists) == 0 {
		invalid("at least one job list is required")
	}
	seen := make(map[string]bool)
	for i, l := range c.Lists {
		switch {
		case l.Name == "":
			invalid("lists[%d]: name is required", i)
		case strings.ContainsAny(l.Name, `/\`) || l.Name == "." || l.Name == "..":
			invalid("lists[%d]: name %q must not contain path separators", i, l.Name)
		case seen[l.Name]:
			invalid("lists[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
		if l.MaxRunning < 0 {
			invalid("lists[%d]: max_running must not be negative", i)
		}
		if l.MaxDestruction > 0 && l.DefaultDestruction > l.MaxDestruction {
			invalid("lists[%d]: default_destruction exceeds max_destruction", i)
		}
		if l.DefaultExecutionDuration%time.Second != 0 || l.MaxExecutionDuration%time.Second != 0 {
			invalid("lists[%d]: execution durations must be whole seconds", i)
		}
		if l.MaxExecutionDuration > 0 && l.DefaultExecutionDuration > l.MaxExecutionDuration {
			invalid("lists[%d]: default_execution_duration exceeds max_execution_duration", i)
		}
	}

	switch c.Execution.InterruptPolicy {
	case "abort", "requeue":
	default:
		invalid("execution.interrupt_policy %q, want abort or requeue", c.Execution.InterruptPolicy)
	}

	if c.Blocking.MaxWait <= 0 {
		invalid("blocking.max_wait must be positive")
	}
	if c.Blocking.MaxWaitersPerKey <= 0 {
		invalid("blocking.max_waiters_per_key must be positive")
	}

	b := c.Backup
	switch b.Mode {
	case "frequency", "both":
		if b.Interval <= 0 {
			invalid("backup.interval must be positive")
		}
	case "event", "off":
	default:
		invalid("backup.mode %q, want frequency, event, both or off", b.Mode)
	}
	switch b.Sink {
	case "file":
		if b.File.Dir == "" {
			invalid("backup.file.dir is required")
		}
	case "s3":
		if b.S3.Bucket == "" {
			invalid("backup.s3.bucket is required")
		}
	case "etcd":
		if len(b.Etcd.Endpoints) == 0 {
			invalid("backup.etcd.endpoints is required")
		}
	case "memory":
	default:
		invalid("backup.sink %q, want file, s3, etcd or memory", b.Sink)
	}

	if c.SweepInterval <= 0 {
		invalid("sweep_interval must be positive")
	}
	if c.HTTP.Addr == "" {
		invalid("http.addr is required")
	}

	return errors.Join(errs...)
}
