// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache is a keyed collection with entry lifetimes, persisted
// through a datastore.Store file or a BadgerDB namespace.
//
// The whole collection is held in memory; every mutation is written through
// to the backend before the call returns.
//
//	c, err := cache.OpenFile[Summary](ctx, "data/summaries.json", opts)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	s, err := c.GetOrCompute(ctx, channelID, summarize)
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// minSweepInterval bounds the background sweeper.
const minSweepInterval = time.Second

// Entry is one cached value with its timestamps. A zero ExpiresAt never
// expires.
type Entry[V any] struct {
	Value     V         `json:"value" yaml:"value"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`
}

func (e Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Change is one write-through unit handed to a Backend. Snapshot is the
// full collection after the change; Set and Removed describe the delta.
type Change[V any] struct {
	Snapshot map[string]Entry[V]
	Set      map[string]Entry[V]
	Removed  []string
}

// Backend persists a collection.
type Backend[V any] interface {
	Load(ctx context.Context) (map[string]Entry[V], error)
	Apply(ctx context.Context, change Change[V]) error
	Close() error
}

// Config controls entry lifetime and collection size.
type Config struct {
	// TTL is the entry lifetime from its last Set. Zero keeps entries forever.
	TTL time.Duration

	// MaxEntries caps the collection; the least recently updated entry is
	// evicted first. Zero means unbounded.
	MaxEntries int

	// AutoCleanup runs a sweeper every TTL/2 (at least 1s) when TTL is set.
	AutoCleanup bool

	Logger *slog.Logger
}

// Cache is a keyed collection of V.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache[V any] struct {
	backend Backend[V]
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]Entry[V]
	closed  bool

	group singleflight.Group

	stop chan struct{}
	done chan struct{}
}

// New loads the collection from backend, drops expired entries and starts
// the sweeper when configured.
func New[V any](ctx context.Context, backend Backend[V], cfg Config) (*Cache[V], error) {
	if backend == nil {
		return nil, errors.New("cache: nil backend")
	}
	if cfg.TTL < 0 || cfg.MaxEntries < 0 {
		return nil, errors.New("cache: TTL and MaxEntries must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	if entries == nil {
		entries = make(map[string]Entry[V])
	}

	c := &Cache[V]{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "cache")),
		now:     time.Now,
		entries: entries,
	}

	if _, err := c.Cleanup(ctx); err != nil {
		c.logger.Warn("initial cleanup failed", slog.String("error", err.Error()))
	}

	if cfg.AutoCleanup && cfg.TTL > 0 {
		interval := cfg.TTL / 2
		if interval < minSweepInterval {
			interval = minSweepInterval
		}
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.sweep(interval)
	}
	return c, nil
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Set stores v under key, evicting the least recently updated entries when
// the collection is over MaxEntries.
func (c *Cache[V]) Set(ctx context.Context, key string, v V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	now := c.now()
	e := Entry[V]{Value: v, CreatedAt: now, UpdatedAt: now}
	if prev, ok := c.entries[key]; ok && !prev.expired(now) {
		e.CreatedAt = prev.CreatedAt
	}
	if c.cfg.TTL > 0 {
		e.ExpiresAt = now.Add(c.cfg.TTL)
	}

	next := c.clone()
	next[key] = e
	evicted := c.evict(next, key)

	if err := c.backend.Apply(ctx, Change[V]{
		Snapshot: next,
		Set:      map[string]Entry[V]{key: e},
		Removed:  evicted,
	}); err != nil {
		return fmt.Errorf("persist %q: %w", key, err)
	}
	c.entries = next
	if len(evicted) > 0 {
		c.logger.Debug("entries evicted", slog.Int("count", len(evicted)))
	}
	return nil
}

// evict trims m to MaxEntries, never evicting keep. It returns the removed
// keys.
func (c *Cache[V]) evict(m map[string]Entry[V], keep string) []string {
	if c.cfg.MaxEntries <= 0 || len(m) <= c.cfg.MaxEntries {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != keep {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m[keys[i]].UpdatedAt, m[keys[j]].UpdatedAt
		if a.Equal(b) {
			return keys[i] < keys[j]
		}
		return a.Before(b)
	})
	n := len(m) - c.cfg.MaxEntries
	removed := keys[:n]
	for _, k := range removed {
		delete(m, k)
	}
	return removed
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	next := c.clone()
	delete(next, key)
	if err := c.backend.Apply(ctx, Change[V]{Snapshot: next, Removed: []string{key}}); err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	c.entries = next
	return true, nil
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	now := c.now()
	var removed []string
	next := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		if e.expired(now) {
			removed = append(removed, k)
			continue
		}
		next[k] = e
	}
	if len(removed) == 0 {
		return 0, nil
	}
	sort.Strings(removed)
	if err := c.backend.Apply(ctx, Change[V]{Snapshot: next, Removed: removed}); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	c.entries = next
	return len(removed), nil
}

// GetOrCompute returns the live value for key, or calls fn once per key
// across concurrent callers and stores its result.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if err := c.Set(ctx, key, v); err != nil {
			return v, err
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Flush removes every entry.
func (c *Cache[V]) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	removed := make([]string, 0, len(c.entries))
	for k := range c.entries {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	empty := make(map[string]Entry[V])
	if err := c.backend.Apply(ctx, Change[V]{Snapshot: empty, Removed: removed}); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	c.entries = empty
	return nil
}

// Close stops the sweeper and closes the backend. Safe to call more than
// once.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
	return c.backend.Close()
}

func (c *Cache[V]) clone() map[string]Entry[V] {
	out := make(map[string]Entry[V], len(c.entries)+1)
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

func (c *Cache[V]) sweep(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			n, err := c.Cleanup(context.Background())
			switch {
			case errors.Is(err, ErrClosed):
				return
			case err != nil:
				c.logger.Warn("cache sweep failed", slog.String("error", err.Error()))
			case n > 0:
				c.logger.Debug("expired entries removed", slog.Int("count", n))
			}
		}
	}
}
