// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Valentin5643/Liftrix/syncengine"
)

// SaveRun stores run as the owner's most recent run.
func (s *Store) SaveRun(ctx context.Context, run *syncengine.SyncRun) error {
	if run == nil || run.OwnerID == "" {
		return syncengine.ErrNoOwner
	}
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode sync run: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_runs (owner_id, run_id, result, started_at, finished_at, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (owner_id) DO UPDATE SET
				run_id      = excluded.run_id,
				result      = excluded.result,
				started_at  = excluded.started_at,
				finished_at = excluded.finished_at,
				body        = excluded.body`,
			run.OwnerID, run.ID, string(run.Result),
			run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano), string(body))
		if err != nil {
			return fmt.Errorf("failed to save sync run: %w", err)
		}
		return nil
	})
}

// LastRun returns the owner's most recent run or syncengine.ErrNotFound.
func (s *Store) LastRun(ctx context.Context, ownerID string) (*syncengine.SyncRun, error) {
	if ownerID == "" {
		return nil, syncengine.ErrNoOwner
	}
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM _sync_runs WHERE owner_id = ?`, ownerID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncengine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync run: %w", err)
	}
	var run syncengine.SyncRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return nil, fmt.Errorf("failed to decode sync run: %w", err)
	}
	return &run, nil
}
