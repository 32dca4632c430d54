// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/telemetry"
)

// DatastoreConfig is the on-disk CLI configuration.
type DatastoreConfig struct {
	Store     StoreConfig      `yaml:"store"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// StoreConfig holds the defaults applied to every store the CLI opens.
type StoreConfig struct {
	// Format is "json" or "yaml".
	Format string `yaml:"format"`
	// Tag, when set, prefixes every file with a tag line.
	Tag                  string        `yaml:"tag,omitempty"`
	MaxBackups           int           `yaml:"max_backups"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	CreateDirectories    bool          `yaml:"create_directories"`
	FileMode             string        `yaml:"file_mode"`
	Compression          bool          `yaml:"compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	CompressionAlgorithm string        `yaml:"compression_algorithm"`
	BackupDir            string        `yaml:"backup_dir,omitempty"`
	Debug                bool          `yaml:"debug"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit is requests per second across all endpoints. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig mirrors datastore.DefaultOptions.
func DefaultConfig() DatastoreConfig {
	d := datastore.DefaultOptions[any]()
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "datastore-cli"
	return DatastoreConfig{
		Store: StoreConfig{
			Format:               "json",
			MaxBackups:           d.MaxBackups,
			MaxRetries:           d.MaxRetries,
			RetryDelay:           d.RetryDelay,
			CreateDirectories:    d.CreateDirectories,
			FileMode:             fmt.Sprintf("%04o", uint32(d.FileMode)),
			CompressionThreshold: d.CompressionThreshold,
			CompressionAlgorithm: string(d.Compression),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: tel,
		Server: ServerConfig{
			Addr:      "127.0.0.1:9464",
			RateLimit: 20,
			Burst:     40,
		},
	}
}

// StoreOptions converts the store section into datastore options.
func StoreOptions[T any](c StoreConfig) (datastore.Options[T], error) {
	opts := datastore.DefaultOptions[T]()

	var ser datastore.Serializer
	switch c.Format {
	case "", "json":
		ser = datastore.JSONSerializer{}
	case "yaml", "yml":
		ser = datastore.YAMLSerializer{}
	default:
		return opts, fmt.Errorf("unknown store format %q", c.Format)
	}
	if c.Tag != "" {
		ser = datastore.TaggedSerializer{Tag: c.Tag, Inner: ser}
	}
	opts.Serializer = ser

	opts.MaxBackups = c.MaxBackups
	opts.MaxRetries = c.MaxRetries
	opts.RetryDelay = c.RetryDelay
	opts.CreateDirectories = c.CreateDirectories
	opts.EnableDebugLogging = c.Debug
	opts.CompressionEnabled = c.Compression
	opts.CompressionThreshold = c.CompressionThreshold
	if c.CompressionAlgorithm != "" {
		opts.Compression = datastore.Compression(c.CompressionAlgorithm)
	}
	opts.BackupDir = c.BackupDir

	if c.FileMode != "" {
		mode, err := strconv.ParseUint(c.FileMode, 8, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid file_mode %q: %w", c.FileMode, err)
		}
		opts.FileMode = fileMode(mode)
	}
	return opts, nil
}
