// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore implements syncengine.EntityStore on SQLite. Besides the
// engine contract it offers the local mutation API used by the application,
// the failed-record intervention API and persistence of the last sync run.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - records, watermarks, runs, device
const currentSchemaVersion = 1

// MutationListener is told about every committed local mutation.
type MutationListener func(ownerID string, category syncengine.Category)

// Options configures a Store.
type Options struct {
	// DeviceID stamps OriginID of local writes. Empty means the id persisted
	// in the database, generated on first use.
	DeviceID string
	// Clock stamps LastModified of local writes. Defaults to a HybridClock.
	Clock  syncengine.Clock
	Logger *slog.Logger
}

// Store is the SQLite entity store.
type Store struct {
	DB       *sql.DB
	deviceID string
	clock    syncengine.Clock
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize write transactions to avoid SQLite lock upgrades

	listenerMu sync.RWMutex
	listeners  []MutationListener
}

var (
	_ syncengine.EntityStore = (*Store)(nil)
	_ syncengine.RunRecorder = (*Store)(nil)
)

// Open creates or opens the database at path and prepares the schema.
func Open(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// transactions from waiting on each other inside the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db only if New fails.
func New(db *sql.DB, opts Options) (*Store, error) {
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = syncengine.NewHybridClock()
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		var err error
		if deviceID, err = EnsureDeviceID(db); err != nil {
			return nil, err
		}
	}

	return &Store{
		DB:       db,
		deviceID: deviceID,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// DeviceID returns the id stamped on local writes.
func (s *Store) DeviceID() string { return s.deviceID }

// OnMutation registers fn to run after every committed Put, Delete or Retry.
func (s *Store) OnMutation(fn MutationListener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Store) notify(ownerID string, categories ...syncengine.Category) {
	s.listenerMu.RLock()
	listeners := append([]MutationListener(nil), s.listeners...)
	s.listenerMu.RUnlock()
	for _, cat := range categories {
		for _, fn := range listeners {
			fn(ownerID, cat)
		}
	}
}

// EnsureDeviceID generates and persists a device ID if not already present
func EnsureDeviceID(db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_device WHERE singleton = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err = db.Exec(`INSERT INTO _sync_device (singleton, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert device id: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device id: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase applies pragmas, the schema and migrations. Idempotent.
func initializeDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create sync tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
