// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Valentin5643/Liftrix/syncengine"
)

const recordColumns = `id, owner_id, category, payload, deleted, last_modified, origin_id, sync_state, sync_version, remote, fail_reason`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (syncengine.Record, error) {
	var (
		rec      syncengine.Record
		category string
		state    string
		deleted  int
		remote   sql.NullString
	)
	if err := sc.Scan(&rec.ID, &rec.OwnerID, &category, &rec.Payload, &deleted, &rec.LastModified,
		&rec.OriginID, &state, &rec.SyncVersion, &remote, &rec.FailReason); err != nil {
		return rec, err
	}
	rec.Category = syncengine.Category(category)
	rec.SyncState = syncengine.SyncState(state)
	rec.Deleted = deleted != 0
	if remote.Valid && remote.String != "" {
		var r syncengine.Record
		if err := json.Unmarshal([]byte(remote.String), &r); err != nil {
			return rec, fmt.Errorf("failed to decode remote candidate of %s: %w", rec.ID, err)
		}
		rec.Remote = &r
	}
	return rec, nil
}

func queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]syncengine.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []syncengine.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func getRecord(ctx context.Context, q queryer, ownerID, id string) (syncengine.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM _sync_records WHERE owner_id = ? AND id = ?`, ownerID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, syncengine.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return rec, nil
}

func upsertRecord(ctx context.Context, q queryer, rec syncengine.Record) error {
	var remote sql.NullString
	if rec.Remote != nil {
		b, err := json.Marshal(rec.Remote)
		if err != nil {
			return fmt.Errorf("failed to encode remote candidate of %s: %w", rec.ID, err)
		}
		remote = sql.NullString{String: string(b), Valid: true}
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO _sync_records (`+recordColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (owner_id, id) DO UPDATE SET
			category      = excluded.category,
			payload       = excluded.payload,
			deleted       = excluded.deleted,
			last_modified = excluded.last_modified,
			origin_id     = excluded.origin_id,
			sync_state    = excluded.sync_state,
			sync_version  = excluded.sync_version,
			remote        = excluded.remote,
			fail_reason   = excluded.fail_reason,
			updated_at    = excluded.updated_at`,
		rec.ID, rec.OwnerID, string(rec.Category), rec.Payload, deleted, rec.LastModified,
		rec.OriginID, string(rec.SyncState), rec.SyncVersion, remote, rec.FailReason)
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return nil
}

// ListUnsynced returns Pending, Syncing and Conflicted records of category,
// oldest change first.
func (s *Store) ListUnsynced(ctx context.Context, ownerID string, category syncengine.Category) ([]syncengine.Record, error) {
	if ownerID == "" {
		return nil, syncengine.ErrNoOwner
	}
	recs, err := queryRecords(ctx, s.DB, `
		SELECT `+recordColumns+` FROM _sync_records
		WHERE owner_id = ? AND category = ? AND sync_state IN ('pending','syncing','conflicted')
		ORDER BY last_modified, id`,
		ownerID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced records: %w", err)
	}
	return recs, nil
}

// GetLocal returns one record of ownerID or syncengine.ErrNotFound.
func (s *Store) GetLocal(ctx context.Context, ownerID, id string) (syncengine.Record, error) {
	if ownerID == "" {
		return syncengine.Record{}, syncengine.ErrNoOwner
	}
	return getRecord(ctx, s.DB, ownerID, id)
}

// Commit writes batch atomically after checking every expected version.
func (s *Store) Commit(ctx context.Context, ownerID string, batch syncengine.Batch) error {
	if ownerID == "" {
		return syncengine.ErrNoOwner
	}
	if batch.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var conflicts []string
		for _, w := range batch.Writes {
			rec := w.Record
			if rec.OwnerID != "" && rec.OwnerID != ownerID {
				return fmt.Errorf("record %s belongs to owner %q, not %q", rec.ID, rec.OwnerID, ownerID)
			}
			if rec.Category != batch.Category {
				return fmt.Errorf("record %s has category %q in a %q batch", rec.ID, rec.Category, batch.Category)
			}
			if !rec.SyncState.Valid() {
				return fmt.Errorf("record %s has invalid sync state %q", rec.ID, rec.SyncState)
			}

			cur, err := getRecord(ctx, tx, ownerID, rec.ID)
			found := err == nil
			if err != nil && !errors.Is(err, syncengine.ErrNotFound) {
				return err
			}
			switch {
			case w.Expected == nil && found,
				w.Expected != nil && !found,
				w.Expected != nil && cur.Version() != *w.Expected:
				conflicts = append(conflicts, rec.ID)
				continue
			}
			if found && rec.SyncVersion < cur.SyncVersion {
				return fmt.Errorf("record %s: sync version would go back from %d to %d", rec.ID, cur.SyncVersion, rec.SyncVersion)
			}
		}
		if len(conflicts) > 0 {
			return &syncengine.VersionConflictError{IDs: conflicts}
		}

		for _, w := range batch.Writes {
			rec := w.Record
			rec.OwnerID = ownerID
			if rec.SyncState != syncengine.StateConflicted {
				rec.Remote = nil
			}
			if rec.SyncState != syncengine.StateFailed {
				rec.FailReason = ""
			}
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}

		if batch.Watermark != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO _sync_watermarks (owner_id, category, seq) VALUES (?, ?, ?)
				ON CONFLICT (owner_id, category) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
				ownerID, string(batch.Category), *batch.Watermark); err != nil {
				return fmt.Errorf("failed to advance watermark: %w", err)
			}
		}
		return nil
	})
}

// MarkState moves ids to state in one transaction.
func (s *Store) MarkState(ctx context.Context, ownerID string, ids []string, state syncengine.SyncState) error {
	if ownerID == "" {
		return syncengine.ErrNoOwner
	}
	if !state.Valid() {
		return fmt.Errorf("invalid sync state %q", state)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkIDs(ids, 500) {
			args := make([]any, 0, len(chunk)+2)
			args = append(args, string(state), ownerID)
			for _, id := range chunk {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_records SET sync_state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
				WHERE owner_id = ? AND id IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
				return fmt.Errorf("failed to mark records %s: %w", state, err)
			}
		}
		return nil
	})
}

// Watermark returns the remote change cursor applied for category.
func (s *Store) Watermark(ctx context.Context, ownerID string, category syncengine.Category) (int64, error) {
	if ownerID == "" {
		return 0, syncengine.ErrNoOwner
	}
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT seq FROM _sync_watermarks WHERE owner_id = ? AND category = ?`,
		ownerID, string(category)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return seq, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkIDs(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
