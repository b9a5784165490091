// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "context"

// EntityStore is the local transactional persistence consumed by the engine.
// Every method is scoped to ownerID; records of other owners are invisible.
type EntityStore interface {
	// ListUnsynced returns the owner's records of category whose state is
	// Pending, Syncing or Conflicted. Failed records are excluded.
	ListUnsynced(ctx context.Context, ownerID string, category Category) ([]Record, error)

	// GetLocal returns a single record or ErrNotFound.
	GetLocal(ctx context.Context, ownerID, id string) (Record, error)

	// Commit applies the batch atomically. It fails with *VersionConflictError
	// when any write's expected version does not match the stored record.
	Commit(ctx context.Context, ownerID string, batch Batch) error

	// MarkState moves the given records to state without touching payloads.
	MarkState(ctx context.Context, ownerID string, ids []string, state SyncState) error

	// Watermark returns the remote change cursor applied for category.
	Watermark(ctx context.Context, ownerID string, category Category) (int64, error)
}

// RunRecorder is implemented by stores that persist the most recent SyncRun.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *SyncRun) error
}

// Write is one record of a Batch. Expected is the version read before the
// record was resolved; nil means the record must not exist yet.
type Write struct {
	Record   Record
	Expected *Version
}

// Batch is the unit of atomicity of EntityStore.Commit.
type Batch struct {
	Category Category
	Writes   []Write
	// Watermark, when non-nil, advances the category cursor in the same
	// transaction. It never moves backwards.
	Watermark *int64
}

// Empty reports whether committing b would change nothing.
func (b Batch) Empty() bool {
	return len(b.Writes) == 0 && b.Watermark == nil
}

func expectOf(r Record) *Version {
	v := r.Version()
	return &v
}
