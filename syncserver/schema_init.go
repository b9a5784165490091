// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Current remote version of every record, owner-scoped. seq is the owner
		// change sequence of the last accepted write and drives pulls.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.records (
			owner_id      TEXT        NOT NULL,
			id            TEXT        NOT NULL,
			category      TEXT        NOT NULL,
			payload       BYTEA,
			deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
			last_modified BIGINT      NOT NULL,
			origin_id     TEXT        NOT NULL DEFAULT '',
			sync_version  BIGINT      NOT NULL,
			seq           BIGINT      NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS records_pull_idx
			ON sync.records (owner_id, category, seq)`,

		// Per-owner change sequence. Locking the row serializes pushes of one
		// owner so sequence numbers become visible in order.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.owner_seq (
			owner_id TEXT   PRIMARY KEY,
			last_seq BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for i, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
