// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's single configuration file. There are no
// fallbacks or automatic discovery; every deployment names its file
// explicitly with --config.
type Config struct {
	// Socket is the Unix socket path the gateway listens on.
	Socket string `yaml:"socket"`

	// Database is the sqlite database path. Created on first start.
	Database string `yaml:"database"`

	// Tokens is the yaml token file mapping credential hashes to
	// user ids.
	Tokens string `yaml:"tokens"`

	// PoolSize is the sqlite connection pool size. Defaults to 4.
	PoolSize int `yaml:"pool_size"`

	// HeartbeatInterval is how often idle connections receive a
	// heartbeat frame, as a Go duration string. Defaults to "10s".
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// SubscriberBuffer is the per-topic event buffer for each
	// connection. Defaults to 64.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Socket == "" {
		return Config{}, fmt.Errorf("config %s: socket is required", path)
	}
	if cfg.Database == "" {
		return Config{}, fmt.Errorf("config %s: database is required", path)
	}
	if cfg.Tokens == "" {
		return Config{}, fmt.Errorf("config %s: tokens is required", path)
	}
	if cfg.HeartbeatInterval == "" {
		cfg.HeartbeatInterval = "10s"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// heartbeat parses the configured heartbeat interval.
func (c Config) heartbeat() (time.Duration, error) {
	interval, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 0, fmt.Errorf("heartbeat_interval %q: %w", c.HeartbeatInterval, err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("heartbeat_interval %q: must be positive", c.HeartbeatInterval)
	}
	return interval, nil
}

// logLevel maps the configured level name to a slog level.
func (c Config) logLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}
