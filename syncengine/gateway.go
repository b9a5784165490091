// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "context"

// Rejection reasons reported by a Gateway for individual records.
const (
	ReasonVersionMismatch      = "version_mismatch"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonForbidden            = "forbidden"
	ReasonUnregisteredCategory = "unregistered_category"
	ReasonTransient            = "transient"
)

// PushResult is the per-record outcome of Gateway.Push.
type PushResult struct {
	ID       string
	Accepted bool
	// NewVersion is the remote SyncVersion assigned to an accepted record.
	NewVersion int64
	Reason     string
	Message    string
	// Remote is the current remote record on a version mismatch.
	Remote *Record
}

// Permanent reports whether a rejection must not be retried automatically.
func (r PushResult) Permanent() bool {
	if r.Accepted {
		return false
	}
	switch r.Reason {
	case ReasonInvalidPayload, ReasonForbidden, ReasonUnregisteredCategory:
		return true
	}
	return false
}

// Page is one page of PullSince results.
type Page struct {
	Records []Record
	// Next is the cursor to pass to the following PullSince call.
	Next    int64
	HasMore bool
}

// Gateway is the remote backend consumed by the engine. Every call may fail
// with a retryable or permanent *Error.
type Gateway interface {
	// Push sends one batch and returns one result per record, in order.
	Push(ctx context.Context, ownerID string, category Category, batch []Record) ([]PushResult, error)

	// PullSince returns remote records of category changed after the since cursor.
	PullSince(ctx context.Context, ownerID string, category Category, since int64, limit int) (Page, error)
}
