// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"fmt"
	"time"
)

// RetryConfig bounds the exponential backoff applied to gateway calls within one run.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // attempts per call, including the first
	BackoffMin  time.Duration `yaml:"backoff_min"`  // 200ms
	BackoffMax  time.Duration `yaml:"backoff_max"`  // 5s
	Jitter      float64       `yaml:"jitter"`       // fraction of the delay, 0..1
}

// Config holds the engine settings.
type Config struct {
	Categories        []Category    `yaml:"categories"`
	PushBatchSize     int           `yaml:"push_batch_size"`     // e.g., 20 records per push
	PullPageSize      int           `yaml:"pull_page_size"`      // e.g., 200 records per page
	RunTimeout        time.Duration `yaml:"run_timeout"`         // overall deadline of one run
	MaxCommitAttempts int           `yaml:"max_commit_attempts"` // re-resolve rounds on VersionConflict
	Retry             RetryConfig   `yaml:"retry"`
}

// DefaultConfig returns a configuration for the given categories.
func DefaultConfig(categories ...Category) *Config {
	return &Config{
		Categories:        categories,
		PushBatchSize:     20,
		PullPageSize:      200,
		RunTimeout:        2 * time.Minute,
		MaxCommitAttempts: 3,
		Retry: RetryConfig{
			MaxAttempts: 4,
			BackoffMin:  200 * time.Millisecond,
			BackoffMax:  5 * time.Second,
			Jitter:      0.2,
		},
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.Categories must not be empty")
	}
	seen := make(map[Category]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat == "" {
			return fmt.Errorf("config.Categories contains an empty category")
		}
		if seen[cat] {
			return fmt.Errorf("config.Categories contains %q twice", cat)
		}
		seen[cat] = true
	}

	def := DefaultConfig()
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = def.PushBatchSize
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = def.PullPageSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.MaxCommitAttempts <= 0 {
		c.MaxCommitAttempts = def.MaxCommitAttempts
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BackoffMin <= 0 {
		c.Retry.BackoffMin = def.Retry.BackoffMin
	}
	if c.Retry.BackoffMax <= 0 {
		c.Retry.BackoffMax = def.Retry.BackoffMax
	}
	if c.Retry.BackoffMax < c.Retry.BackoffMin {
		c.Retry.BackoffMax = c.Retry.BackoffMin
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config.Retry.Jitter must be within [0,1], got %v", c.Retry.Jitter)
	}
	return nil
}
