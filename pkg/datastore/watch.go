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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeType classifies a change to the live file.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeWrite  ChangeType = "write"
	ChangeRemove ChangeType = "remove"
	ChangeRename ChangeType = "rename"
)

// ChangeEvent reports a change to the live file made by any writer,
// including this store.
type ChangeEvent struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
	Time time.Time  `json:"time"`
}

// Watch calls fn for every change to the live file until ctx is done.
// Saves land as ChangeCreate because the temp file is renamed over the
// target. The parent directory must exist.
//
// fn runs on the watcher goroutine; a slow fn delays later events.
func (s *Store[T]) Watch(ctx context.Context, fn func(ChangeEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.debug(ctx, "watching live file", slog.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			changeType, ok := classifyEvent(event)
			if !ok {
				continue
			}
			fn(ChangeEvent{Path: s.path, Type: changeType, Time: time.Now()})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			loggerWithTrace(ctx, s.logger).Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func classifyEvent(event fsnotify.Event) (ChangeType, bool) {
	switch {
	case event.Op&fsnotify.Create != 0:
		return ChangeCreate, true
	case event.Op&fsnotify.Write != 0:
		return ChangeWrite, true
	case event.Op&fsnotify.Remove != 0:
		return ChangeRemove, true
	case event.Op&fsnotify.Rename != 0:
		return ChangeRename, true
	default:
		return "", false
	}
}
