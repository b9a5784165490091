// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/jackc/pgx/v5"
)

// ValidatePush checks the request envelope. Per-record problems are reported
// in the results instead.
func ValidatePush(registered func(string) bool, maxBatch int, ownerID string, req *PushRequest) error {
	if ownerID == "" {
		return ErrNoOwner
	}
	if req == nil || req.Category == "" {
		return fmt.Errorf("%w: category is required", ErrUnregisteredCategory)
	}
	if !registered(req.Category) {
		return fmt.Errorf("%w: %s", ErrUnregisteredCategory, req.Category)
	}
	if maxBatch > 0 && len(req.Records) > maxBatch {
		return fmt.Errorf("%w: records=%d limit=%d", ErrBatchTooLarge, len(req.Records), maxBatch)
	}
	return nil
}

// Push applies a batch of records for ownerID in one transaction. Every record
// is decided independently; the transaction is retried as a whole on
// serialization failures and deadlocks.
func (s *Service) Push(ctx context.Context, ownerID, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := ValidatePush(s.IsCategoryRegistered, s.config.MaxPushBatchSize, ownerID, req); err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return &PushResponse{Results: []PushResultDTO{}}, nil
	}

	totalStart := s.stageStart()
	var (
		results []PushResultDTO
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		txStart := s.stageStart()
		results, err = s.pushOnce(ctx, ownerID, deviceID, req)
		s.observeStage(ctx, MetricsOpPush, MetricsStageTx, txStart, len(req.Records), attempt, err != nil)
		if err == nil || !isRetryablePGTxError(err) || attempt >= s.config.MaxTxAttempts {
			break
		}
		s.logger.Warn("Retrying push transaction", "owner_id", ownerID, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, txBackoff(attempt)); serr != nil {
			err = errors.Join(err, serr)
			break
		}
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, len(req.Records), attempt, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}
	return &PushResponse{Results: results}, nil
}

func (s *Service) pushOnce(ctx context.Context, ownerID, deviceID string, req *PushRequest) ([]PushResultDTO, error) {
	results := make([]PushResultDTO, len(req.Records))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// bound lock waits so a stuck writer surfaces as a retryable 55P03
		if s.config.LockTimeout != 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', @timeout, true)`,
				pgx.NamedArgs{"timeout": fmt.Sprintf("%dms", s.config.LockTimeout.Milliseconds())},
			); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}

		seq, err := lockOwnerSeq(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		startSeq := seq

		for i, wr := range req.Records {
			if s.config.MaxPayloadBytes > 0 && len(wr.Payload) > s.config.MaxPayloadBytes {
				results[i] = statusInvalid(wr.ID, fmt.Sprintf("payload too large: %d > %d bytes", len(wr.Payload), s.config.MaxPayloadBytes))
				continue
			}
			incoming := wr.ToRecord(ownerID)
			if incoming.OriginID == "" {
				incoming.OriginID = deviceID
			}

			current, err := loadRecordForUpdate(ctx, tx, ownerID, wr.ID)
			if err != nil {
				return err
			}
			d := Decide(req.Category, current, incoming)
			if d.Accepted && !d.Idempotent {
				seq++
				if err := upsertRecord(ctx, tx, ownerID, d.Stored, seq); err != nil {
					return err
				}
			}
			results[i] = ResultFromDecision(wr.ID, d)
		}

		if seq != startSeq {
			if _, err := tx.Exec(ctx,
				`UPDATE sync.owner_seq SET last_seq = @seq WHERE owner_id = @owner_id`,
				pgx.NamedArgs{"seq": seq, "owner_id": ownerID},
			); err != nil {
				return fmt.Errorf("failed to advance owner sequence: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// lockOwnerSeq returns the owner's last sequence number with the row locked
// until the transaction ends.
func lockOwnerSeq(ctx context.Context, tx pgx.Tx, ownerID string) (int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO sync.owner_seq (owner_id, last_seq) VALUES (@owner_id, 0) ON CONFLICT (owner_id) DO NOTHING`,
		pgx.NamedArgs{"owner_id": ownerID},
	); err != nil {
		return 0, fmt.Errorf("failed to ensure owner sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT last_seq FROM sync.owner_seq WHERE owner_id = @owner_id FOR UPDATE`,
		pgx.NamedArgs{"owner_id": ownerID},
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to lock owner sequence: %w", err)
	}
	return seq, nil
}

func loadRecordForUpdate(ctx context.Context, tx pgx.Tx, ownerID, id string) (*syncengine.Record, error) {
	var (
		rec      syncengine.Record
		category string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, category, payload, deleted, last_modified, origin_id, sync_version
		FROM sync.records
		WHERE owner_id = @owner_id AND id = @id
		FOR UPDATE`,
		pgx.NamedArgs{"owner_id": ownerID, "id": id},
	).Scan(&rec.ID, &category, &rec.Payload, &rec.Deleted, &rec.LastModified, &rec.OriginID, &rec.SyncVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	rec.OwnerID = ownerID
	rec.Category = syncengine.Category(category)
	rec.SyncState = syncengine.StateSynced
	return &rec, nil
}

func upsertRecord(ctx context.Context, tx pgx.Tx, ownerID string, rec syncengine.Record, seq int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.records (owner_id, id, category, payload, deleted, last_modified, origin_id, sync_version, seq, updated_at)
		VALUES (@owner_id, @id, @category, @payload, @deleted, @last_modified, @origin_id, @sync_version, @seq, now())
		ON CONFLICT (owner_id, id) DO UPDATE SET
			payload       = EXCLUDED.payload,
			deleted       = EXCLUDED.deleted,
			last_modified = EXCLUDED.last_modified,
			origin_id     = EXCLUDED.origin_id,
			sync_version  = EXCLUDED.sync_version,
			seq           = EXCLUDED.seq,
			updated_at    = now()`,
		pgx.NamedArgs{
			"owner_id":      ownerID,
			"id":            rec.ID,
			"category":      string(rec.Category),
			"payload":       rec.Payload,
			"deleted":       rec.Deleted,
			"last_modified": rec.LastModified,
			"origin_id":     rec.OriginID,
			"sync_version":  rec.SyncVersion,
			"seq":           seq,
		})
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return nil
}
