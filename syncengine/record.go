// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncengine keeps a local, user-scoped record store consistent with a
// remote service. It owns the sync metadata state machine, the last-write-wins
// conflict resolver, the per-category workers and the coordinator that schedules
// them. Storage and transport are consumed through the EntityStore and Gateway
// interfaces.
package syncengine

import (
	"bytes"
	"fmt"
)

// Category names an entity category. Each category is synced by its own worker.
type Category string

// SyncState is the per-record sync lifecycle state.
type SyncState string

const (
	StatePending    SyncState = "pending"    // local change not yet accepted by the remote
	StateSyncing    SyncState = "syncing"    // owned by an in-flight worker run
	StateSynced     SyncState = "synced"     // local and remote agree
	StateConflicted SyncState = "conflicted" // remote rejected on version; both candidates kept
	StateFailed     SyncState = "failed"     // permanently rejected; excluded from automatic push
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StatePending, StateSyncing, StateSynced, StateConflicted, StateFailed:
		return true
	}
	return false
}

// Record is the unit of synchronization.
type Record struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Category     Category  `json:"category"`
	Payload      []byte    `json:"payload,omitempty"`
	Deleted      bool      `json:"deleted"`
	LastModified int64     `json:"last_modified"` // hybrid clock, unix millis
	OriginID     string    `json:"origin_id"`     // device that authored this version
	SyncState    SyncState `json:"sync_state"`
	SyncVersion  int64     `json:"sync_version"`

	// Remote is the remote candidate of a Conflicted record.
	Remote *Record `json:"remote,omitempty"`
	// FailReason explains why a Failed record was rejected.
	FailReason string `json:"fail_reason,omitempty"`
}

// Version is the optimistic concurrency token of a record. Every local
// mutation advances LastModified, every accepted push or pull advances
// SyncVersion, so a changed pair means somebody else wrote the record.
type Version struct {
	SyncVersion  int64
	LastModified int64
}

// Version returns the concurrency token of r.
func (r Record) Version() Version {
	return Version{SyncVersion: r.SyncVersion, LastModified: r.LastModified}
}

// SameContent reports whether r and o describe the same entity version,
// ignoring sync metadata.
func (r Record) SameContent(o Record) bool {
	return r.ID == o.ID &&
		r.LastModified == o.LastModified &&
		r.Deleted == o.Deleted &&
		r.OriginID == o.OriginID &&
		bytes.Equal(r.Payload, o.Payload)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Remote != nil {
		rc := r.Remote.Clone()
		c.Remote = &rc
	}
	return c
}

// withoutSyncMeta strips local-only metadata so the record can be compared or sent.
func (r Record) withoutSyncMeta() Record {
	c := r.Clone()
	c.Remote = nil
	c.FailReason = ""
	return c
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s@v%d(t=%d,%s)", r.Category, r.ID, r.SyncVersion, r.LastModified, r.SyncState)
}
