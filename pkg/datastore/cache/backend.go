// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
	"github.com/gdadkins/discord-llm-bot-sub008/pkg/storage/badger"
)

// -----------------------------------------------------------------------------
// File backend
// -----------------------------------------------------------------------------

// FileBackend persists the whole collection as one datastore file, so it
// gets atomic writes, backups and load-time recovery.
type FileBackend[V any] struct {
	store *datastore.Store[map[string]Entry[V]]
}

// NewFileBackend wraps an open store.
func NewFileBackend[V any](store *datastore.Store[map[string]Entry[V]]) *FileBackend[V] {
	return &FileBackend[V]{store: store}
}

// Store returns the underlying datastore.
func (b *FileBackend[V]) Store() *datastore.Store[map[string]Entry[V]] { return b.store }

func (b *FileBackend[V]) Load(ctx context.Context) (map[string]Entry[V], error) {
	m, _, err := b.store.Load(ctx)
	return m, err
}

func (b *FileBackend[V]) Apply(ctx context.Context, change Change[V]) error {
	return b.store.Save(ctx, change.Snapshot)
}

func (b *FileBackend[V]) Close() error { return b.store.Close() }

// OpenFile opens a cache persisted at path. The TTL, MaxEntries, AutoCleanup
// and Logger options configure the cache; the rest configure the store.
func OpenFile[V any](ctx context.Context, path string, opts datastore.Options[map[string]Entry[V]]) (*Cache[V], error) {
	store, err := datastore.New(path, opts)
	if err != nil {
		return nil, err
	}
	c, err := New[V](ctx, NewFileBackend(store), Config{
		TTL:         opts.TTL,
		MaxEntries:  opts.MaxEntries,
		AutoCleanup: opts.AutoCleanup,
		Logger:      opts.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Badger backend
// -----------------------------------------------------------------------------

// BadgerBackend stores one key per entry under "<namespace>/". Entries with
// an expiry are written with a native TTL, so Badger drops them even if the
// process never sweeps.
type BadgerBackend[V any] struct {
	kv     *badger.KV
	prefix string
	now    func() time.Time
	owned  bool
}

// NewBadgerBackend uses kv under namespace. The caller keeps ownership of kv.
func NewBadgerBackend[V any](kv *badger.KV, namespace string) (*BadgerBackend[V], error) {
	if kv == nil {
		return nil, errors.New("cache: nil badger store")
	}
	if namespace == "" {
		return nil, errors.New("cache: namespace is required")
	}
	return &BadgerBackend[V]{kv: kv, prefix: namespace + "/", now: time.Now}, nil
}

func (b *BadgerBackend[V]) Load(ctx context.Context) (map[string]Entry[V], error) {
	keys, err := b.kv.Keys(ctx, b.prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry[V], len(keys))
	for _, full := range keys {
		data, err := b.kv.Get(ctx, full)
		if errors.Is(err, badger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry[V]
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode entry %q: %w", full, err)
		}
		out[full[len(b.prefix):]] = e
	}
	return out, nil
}

func (b *BadgerBackend[V]) Apply(ctx context.Context, change Change[V]) error {
	for key, e := range change.Set {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %q: %w", key, err)
		}
		var ttl time.Duration
		if !e.ExpiresAt.IsZero() {
			ttl = e.ExpiresAt.Sub(b.now())
			if ttl <= 0 {
				continue
			}
		}
		if err := b.kv.Set(ctx, b.prefix+key, data, ttl); err != nil {
			return err
		}
	}
	for _, key := range change.Removed {
		if err := b.kv.Delete(ctx, b.prefix+key); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerBackend[V]) Close() error {
	if b.owned {
		return b.kv.Close()
	}
	return nil
}

// OpenBadger opens a cache in a Badger database of its own.
func OpenBadger[V any](ctx context.Context, dbCfg badger.Config, namespace string, cfg Config) (*Cache[V], error) {
	if dbCfg.Logger == nil {
		dbCfg.Logger = cfg.Logger
	}
	kv, err := badger.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	backend, err := NewBadgerBackend[V](kv, namespace)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	backend.owned = true
	c, err := New[V](ctx, backend, cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return c, nil
}
