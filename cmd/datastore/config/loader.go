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
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is the configuration loaded by Load.
	Global DatastoreConfig
	once   sync.Once
	loaded string
)

func fileMode(m uint64) fs.FileMode { return fs.FileMode(m) & fs.ModePerm }

// DefaultPath returns ~/.datastore/datastore.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".datastore", "datastore.yaml"), nil
}

// Load reads the configuration into Global once. An empty path means
// DefaultPath; a missing default file is created with defaults.
func Load(path string) error {
	var err error
	once.Do(func() {
		Global, loaded, err = load(path)
	})
	return err
}

// LoadedPath returns the file Load read, or "".
func LoadedPath() string { return loaded }

// LoadFile reads path without touching Global. Keys missing from the file
// keep their defaults.
func LoadFile(path string) (DatastoreConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func load(path string) (DatastoreConfig, string, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return DefaultConfig(), "", err
		}
		path = p
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := WriteDefault(path); err != nil {
				return DefaultConfig(), "", err
			}
		}
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}
