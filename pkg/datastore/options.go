// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Compression names a compression algorithm for the on-disk envelope.
type Compression string

const (
	// CompressionGzip uses compress/gzip at the default level.
	CompressionGzip Compression = "gzip"

	// CompressionSnappy uses block-format snappy. Faster, larger output.
	CompressionSnappy Compression = "snappy"
)

// Options configures a Store.
//
// Start from DefaultOptions and override fields. Zero values for Serializer,
// FileMode, Compression and Logger are replaced with their defaults by New;
// every other field is taken literally (MaxRetries 0 means no retries,
// MaxBackups 0 means unlimited).
type Options[T any] struct {
	// Name labels metrics and log lines. Defaults to the file's base name.
	Name string `validate:"omitempty,max=128"`

	// Serializer converts payloads to bytes. Default: JSONSerializer.
	Serializer Serializer `validate:"-"`

	// Validator is the first hook of the validator chain (registered as "options").
	Validator Validator[T] `validate:"-"`

	// MaxBackups is the number of snapshots kept after rotation. Default: 10.
	MaxBackups int `validate:"gte=0"`

	// MaxRetries is the number of retries after the first failed attempt. Default: 3.
	MaxRetries int `validate:"gte=0,lte=20"`

	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^n. Default: 100ms.
	RetryDelay time.Duration `validate:"gte=0"`

	// CreateDirectories creates missing parent directories on write. Default: true.
	CreateDirectories bool

	// FileMode is applied to every written file. Default: 0640.
	FileMode os.FileMode `validate:"max=511"`

	// EnableDebugLogging emits per-operation debug lines.
	EnableDebugLogging bool

	// CompressionEnabled wraps payloads larger than CompressionThreshold
	// in a compressed envelope.
	CompressionEnabled bool

	// CompressionThreshold in bytes. Default: 1 MiB.
	CompressionThreshold int `validate:"gte=0"`

	// Compression selects the algorithm. Default: gzip.
	Compression Compression `validate:"omitempty,oneof=gzip snappy"`

	// TTL, MaxEntries and AutoCleanup are collection options. The engine
	// carries them; keyed collections built on a Store (see package cache)
	// enforce them.
	TTL         time.Duration `validate:"gte=0"`
	MaxEntries  int           `validate:"gte=0"`
	AutoCleanup bool

	// BackupDir overrides the default "<dir>/backups".
	BackupDir string

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger `validate:"-"`

	// TracingEnabled starts an OpenTelemetry span per public operation.
	TracingEnabled bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions[T any]() Options[T] {
	return Options[T]{
		Serializer:           JSONSerializer{},
		MaxBackups:           10,
		MaxRetries:           3,
		RetryDelay:           100 * time.Millisecond,
		CreateDirectories:    true,
		FileMode:             0o640,
		CompressionThreshold: 1 << 20,
		Compression:          CompressionGzip,
		TracingEnabled:       true,
	}
}

var (
	optionsValidate     *validator.Validate
	optionsValidateOnce sync.Once
)

func getOptionsValidator() *validator.Validate {
	optionsValidateOnce.Do(func() {
		optionsValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return optionsValidate
}

// normalize fills defaults for zero-valued fields and validates the result.
func (o Options[T]) normalize(path string) (Options[T], error) {
	if o.Serializer == nil {
		o.Serializer = JSONSerializer{}
	}
	if o.FileMode == 0 {
		o.FileMode = 0o640
	}
	if o.Compression == "" {
		o.Compression = CompressionGzip
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Name == "" {
		o.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if o.BackupDir == "" {
		o.BackupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	if err := getOptionsValidator().Struct(o); err != nil {
		return o, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return o, nil
}
