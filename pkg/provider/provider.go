// Package provider implements the retry and fallback policy shared by every
// provider family.
//
// A [Chain] wraps a primary provider config plus an ordered list of
// fallbacks. Each config gets up to three attempts before the chain advances
// to the next one; exhausting every config returns the last error observed.
// The policy is identical for synchronous calls and for streaming callers
// that retry before the first chunk.
package provider

import (
	"log/slog"
)

// AttemptsPerConfig is how many times a single config is tried before the
// chain advances to the next fallback.
const AttemptsPerConfig = 3

type entry[T any] struct {
	name  string
	value T
}

// Chain is an ordered provider fallback chain. It is safe for concurrent
// use once built; AddFallback must not race Execute.
type Chain[T any] struct {
	entries []entry[T]
}

// NewChain creates a Chain with primary as the first entry.
func NewChain[T any](primaryName string, primary T) *Chain[T] {
	return &Chain[T]{entries: []entry[T]{{name: primaryName, value: primary}}}
}

// AddFallback appends a fallback tried after everything registered before it.
func (c *Chain[T]) AddFallback(name string, fallback T) {
	c.entries = append(c.entries, entry[T]{name: name, value: fallback})
}

// Len returns the number of configs in the chain.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Names returns the config names in try order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Execute tries fn against each config in order, up to [AttemptsPerConfig]
// times each, until one call succeeds. Returns the last error when every
// attempt on every config fails.
func (c *Chain[T]) Execute(fn func(name string, v T) error) error {
	var lastErr error
	for _, e := range c.entries {
		for attempt := 1; attempt <= AttemptsPerConfig; attempt++ {
			err := fn(e.name, e.value)
			if err == nil {
				return nil
			}
			lastErr = err
			slog.Warn("provider attempt failed",
				"provider", e.name, "attempt", attempt, "error", err)
		}
		slog.Warn("provider exhausted, trying next", "provider", e.name)
	}
	return lastErr
}

// ExecuteWithResult is [Chain.Execute] for result-returning calls. It is a
// package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](c *Chain[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		result R
		zero   R
	)
	err := c.Execute(func(name string, v T) error {
		var innerErr error
		result, innerErr = fn(name, v)
		return innerErr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}
