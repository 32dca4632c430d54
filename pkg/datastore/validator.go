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
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validator inspects a payload. A nil return accepts it; any error is the
// rejection reason.
type Validator[T any] func(T) error

type namedHook[T any] struct {
	name string
	fn   Validator[T]
}

// validatorChain is an ordered list of hooks. A payload is accepted only when
// every hook accepts it. Hooks run in registration order and the first
// rejection stops the chain.
type validatorChain[T any] struct {
	mu    sync.RWMutex
	hooks []namedHook[T]
}

func (c *validatorChain[T]) add(name string, fn Validator[T]) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook[T]{name: name, fn: fn})
}

func (c *validatorChain[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// check returns nil or a *ValidationError naming the first rejecting hook.
func (c *validatorChain[T]) check(v T) error {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()

	for i, h := range hooks {
		if err := h.fn(v); err != nil {
			return &ValidationError{Hook: h.name, Index: i, Err: err}
		}
	}
	return nil
}

var (
	structValidate     *validator.Validate
	structValidateOnce sync.Once
)

// StructValidator returns a hook that enforces `validate:"..."` struct tags
// using go-playground/validator. T must be a struct or a pointer to one; a nil
// pointer is rejected.
//
// # Example
//
//	type Prefs struct {
//	    UserID string `json:"user_id" validate:"required"`
//	    Volume int    `json:"volume" validate:"gte=0,lte=100"`
//	}
//	opts.Validator = datastore.StructValidator[Prefs]()
func StructValidator[T any]() Validator[T] {
	structValidateOnce.Do(func() {
		structValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return func(v T) error {
		err := structValidate.Struct(v)
		if err == nil {
			return nil
		}
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return errors.New("payload is not a struct")
		}
		return err
	}
}

// All combines validators into one that accepts only when each accepts.
func All[T any](vs ...Validator[T]) Validator[T] {
	return func(v T) error {
		for _, fn := range vs {
			if fn == nil {
				continue
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	}
}
