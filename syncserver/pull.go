// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Pull returns the owner's records of category whose last accepted write has a
// sequence number after since, oldest first. Next is the sequence of the last
// returned record, or since when the page is empty.
func (s *Service) Pull(ctx context.Context, ownerID, category string, since int64, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, ErrNoOwner
	}
	if !s.IsCategoryRegistered(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredCategory, category)
	}
	if limit <= 0 || limit > MaxPullLimit {
		limit = DefaultPullLimit
	}
	if since < 0 {
		since = 0
	}

	start := s.stageStart()
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, payload, deleted, last_modified, origin_id, sync_version, seq
		FROM sync.records
		WHERE owner_id = @owner_id AND category = @category AND seq > @since
		ORDER BY seq
		LIMIT @limit`,
		pgx.NamedArgs{"owner_id": ownerID, "category": category, "since": since, "limit": limit + 1},
	)
	if err != nil {
		s.observeStage(ctx, MetricsOpPull, MetricsStageFetch, start, 0, 1, true)
		return nil, fmt.Errorf("failed to fetch pull page: %w", err)
	}
	defer rows.Close()

	resp := &PullResponse{Records: []WireRecord{}, Next: since}
	for rows.Next() {
		var (
			wr  WireRecord
			seq int64
		)
		if err := rows.Scan(&wr.ID, &wr.Category, &wr.Payload, &wr.Deleted, &wr.LastModified, &wr.OriginID, &wr.SyncVersion, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan pull row: %w", err)
		}
		if len(resp.Records) == limit {
			resp.HasMore = true
			break
		}
		resp.Records = append(resp.Records, wr)
		resp.Next = seq
	}
	if err := rows.Err(); err != nil {
		s.observeStage(ctx, MetricsOpPull, MetricsStageFetch, start, len(resp.Records), 1, true)
		return nil, fmt.Errorf("failed to read pull page: %w", err)
	}
	s.observeStage(ctx, MetricsOpPull, MetricsStageFetch, start, len(resp.Records), 1, false)
	return resp, nil
}
