// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the remote side of the sync protocol: a Postgres-backed
// record store that applies the version acceptance rule, pages changes by a
// per-owner sequence, and serves both over authenticated HTTP.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUnregisteredCategory is returned for a category the service does not sync.
	ErrUnregisteredCategory = errors.New("category not registered")
	// ErrBatchTooLarge is returned when a push exceeds MaxPushBatchSize.
	ErrBatchTooLarge = errors.New("push batch too large")
	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("sync service has been closed")
	// ErrNoOwner is returned when a call carries no owner identity.
	ErrNoOwner = errors.New("owner id required")
)

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName    string   // Application name for connection tracking
	Categories []string // Categories allowed in sync operations (required)

	MaxPushBatchSize int // Maximum number of records in a single push (0 = unlimited)
	MaxPayloadBytes  int // Maximum payload size per record in bytes (0 = unlimited)
	MaxTxAttempts    int // Attempts for a push transaction failing with a retryable SQLSTATE
	// LockTimeout bounds row lock waits inside a push (0 = server default)
	LockTimeout time.Duration

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// DefaultServiceConfig returns a configuration for the given categories
func DefaultServiceConfig(categories ...string) *ServiceConfig {
	return &ServiceConfig{
		AppName:          "liftrix-sync",
		Categories:       categories,
		MaxPushBatchSize: 100,
		MaxPayloadBytes:  256 << 10,
		MaxTxAttempts:    3,
		LockTimeout:      3 * time.Second,
	}
}

// Service provides the remote synchronization functionality
type Service struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	config     *ServiceConfig
	categories map[string]bool

	mu     sync.RWMutex
	closed bool
}

// NewService creates a new sync service instance from an existing pool and
// makes sure the sync schema exists.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil || len(config.Categories) == 0 {
		return nil, fmt.Errorf("service config with at least one category is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 3
	}

	service := &Service{
		pool:       pool,
		logger:     logger,
		config:     config,
		categories: make(map[string]bool, len(config.Categories)),
	}
	for _, c := range config.Categories {
		service.categories[c] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Sync schema initialized", "categories", config.Categories)
	return service, nil
}

// Close marks the service closed. It does NOT close the pool; the caller owns it.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// IsCategoryRegistered checks if a category is allowed in sync operations
func (s *Service) IsCategoryRegistered(category string) bool {
	return s.categories[category]
}

// Categories returns the registered categories, sorted
func (s *Service) Categories() []string {
	out := make([]string, 0, len(s.categories))
	for c := range s.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AppName returns the configured application name
func (s *Service) AppName() string {
	return s.config.AppName
}

// Ping checks database connectivity
func (s *Service) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// checkClosed returns an error if the service has been closed
func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}
