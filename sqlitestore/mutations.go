// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/google/uuid"
)

// Put creates or replaces a record with payload and marks it Pending. An empty
// id creates a new record with a random UUID.
func (s *Store) Put(ctx context.Context, ownerID string, category syncengine.Category, id string, payload []byte) (syncengine.Record, error) {
	if ownerID == "" {
		return syncengine.Record{}, syncengine.ErrNoOwner
	}
	if category == "" {
		return syncengine.Record{}, fmt.Errorf("category is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	var out syncengine.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, ownerID, id)
		found := err == nil
		if err != nil && !errors.Is(err, syncengine.ErrNotFound) {
			return err
		}
		if found && cur.Category != category {
			return fmt.Errorf("record %s already exists in category %q", id, cur.Category)
		}

		out = syncengine.Record{
			ID:           id,
			OwnerID:      ownerID,
			Category:     category,
			Payload:      append([]byte(nil), payload...),
			LastModified: s.stamp(cur, found),
			OriginID:     s.deviceID,
			SyncState:    syncengine.StatePending,
			SyncVersion:  cur.SyncVersion,
		}
		return upsertRecord(ctx, tx, out)
	})
	if err != nil {
		return syncengine.Record{}, err
	}
	s.notify(ownerID, category)
	return out, nil
}

// Delete replaces the record with a Pending tombstone.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return syncengine.ErrNoOwner
	}
	var category syncengine.Category
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRecord(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		category = cur.Category
		tomb := syncengine.Record{
			ID:           id,
			OwnerID:      ownerID,
			Category:     cur.Category,
			Deleted:      true,
			LastModified: s.stamp(cur, true),
			OriginID:     s.deviceID,
			SyncState:    syncengine.StatePending,
			SyncVersion:  cur.SyncVersion,
		}
		return upsertRecord(ctx, tx, tomb)
	})
	if err != nil {
		return err
	}
	s.notify(ownerID, category)
	return nil
}

// stamp returns a LastModified later than both the clock and the current record.
func (s *Store) stamp(cur syncengine.Record, found bool) int64 {
	ts := s.clock.Now()
	if found && ts <= cur.LastModified {
		ts = cur.LastModified + 1
	}
	return ts
}

// List returns the live (not deleted) records of category, ordered by id.
func (s *Store) List(ctx context.Context, ownerID string, category syncengine.Category) ([]syncengine.Record, error) {
	if ownerID == "" {
		return nil, syncengine.ErrNoOwner
	}
	recs, err := queryRecords(ctx, s.DB, `
		SELECT `+recordColumns+` FROM _sync_records
		WHERE owner_id = ? AND category = ? AND deleted = 0
		ORDER BY id`,
		ownerID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return recs, nil
}

// ListFailed returns permanently rejected records. An empty category lists all.
func (s *Store) ListFailed(ctx context.Context, ownerID string, category syncengine.Category) ([]syncengine.Record, error) {
	if ownerID == "" {
		return nil, syncengine.ErrNoOwner
	}
	recs, err := queryRecords(ctx, s.DB, `
		SELECT `+recordColumns+` FROM _sync_records
		WHERE owner_id = ? AND sync_state = 'failed' AND (? = '' OR category = ?)
		ORDER BY last_modified, id`,
		ownerID, string(category), string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}
	return recs, nil
}

// Retry moves Failed records back to Pending so the next run pushes them
// again. Records in any other state are left alone. It returns how many
// records were moved.
func (s *Store) Retry(ctx context.Context, ownerID string, ids ...string) (int, error) {
	if ownerID == "" {
		return 0, syncengine.ErrNoOwner
	}
	moved := make(map[syncengine.Category]bool)
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			cur, err := getRecord(ctx, tx, ownerID, id)
			if errors.Is(err, syncengine.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.SyncState != syncengine.StateFailed {
				continue
			}
			cur.SyncState = syncengine.StatePending
			cur.FailReason = ""
			if err := upsertRecord(ctx, tx, cur); err != nil {
				return err
			}
			moved[cur.Category] = true
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for cat := range moved {
		s.notify(ownerID, cat)
	}
	return n, nil
}

// Discard drops the local version of Failed records. When a record was synced
// before, the category watermark is rewound so the remote copy is pulled
// again on the next run. It returns how many records were dropped.
func (s *Store) Discard(ctx context.Context, ownerID string, ids ...string) (int, error) {
	if ownerID == "" {
		return 0, syncengine.ErrNoOwner
	}
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rewind := make(map[syncengine.Category]bool)
		for _, id := range ids {
			cur, err := getRecord(ctx, tx, ownerID, id)
			if errors.Is(err, syncengine.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.SyncState != syncengine.StateFailed {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_records WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
				return fmt.Errorf("failed to discard record %s: %w", id, err)
			}
			if cur.SyncVersion > 0 {
				rewind[cur.Category] = true
			}
			n++
		}
		for cat := range rewind {
			if _, err := tx.ExecContext(ctx, `UPDATE _sync_watermarks SET seq = 0 WHERE owner_id = ? AND category = ?`,
				ownerID, string(cat)); err != nil {
				return fmt.Errorf("failed to rewind watermark: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("discarded failed records", "owner", ownerID, "count", n)
	}
	return n, nil
}
