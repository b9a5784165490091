// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"github.com/Valentin5643/Liftrix/syncengine"
)

// REST/JSON models for HTTP API requests and responses.
// Owner and device come from the JWT, never from the body.

// WireRecord is a record as it travels between client and server. Local sync
// metadata (state, conflict candidate, failure reason) never leaves the device.
type WireRecord struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Payload      []byte `json:"payload,omitempty"` // opaque bytes, base64 in JSON
	Deleted      bool   `json:"deleted"`
	LastModified int64  `json:"last_modified"`
	OriginID     string `json:"origin_id"`
	SyncVersion  int64  `json:"sync_version"` // base version on push, stored version on pull
}

// PushRequest is a batch of records of one category
type PushRequest struct {
	Category string       `json:"category"`
	Records  []WireRecord `json:"records"`
}

// PushResponse carries one result per pushed record, in request order
type PushResponse struct {
	Results []PushResultDTO `json:"results"`
}

// PushResultDTO is the per-record push outcome
type PushResultDTO struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`                // "accepted" or "rejected"
	NewVersion int64       `json:"new_version,omitempty"` // set when accepted
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Remote     *WireRecord `json:"remote,omitempty"` // current remote record on version_mismatch
}

// PullResponse is one page of changes after a cursor
type PullResponse struct {
	Records []WireRecord `json:"records"`
	Next    int64        `json:"next"`     // cursor for the following page
	HasMore bool         `json:"has_more"` // more changes available
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents service status response
type HealthResponse struct {
	Status     string   `json:"status"` // healthy, unhealthy
	AppName    string   `json:"app_name"`
	Categories []string `json:"categories"`
}

// FromRecord converts an engine record to its wire form.
func FromRecord(r syncengine.Record) WireRecord {
	return WireRecord{
		ID:           r.ID,
		Category:     string(r.Category),
		Payload:      r.Payload,
		Deleted:      r.Deleted,
		LastModified: r.LastModified,
		OriginID:     r.OriginID,
		SyncVersion:  r.SyncVersion,
	}
}

// ToRecord converts a wire record to an engine record of ownerID.
func (w WireRecord) ToRecord(ownerID string) syncengine.Record {
	return syncengine.Record{
		ID:           w.ID,
		OwnerID:      ownerID,
		Category:     syncengine.Category(w.Category),
		Payload:      w.Payload,
		Deleted:      w.Deleted,
		LastModified: w.LastModified,
		OriginID:     w.OriginID,
		SyncVersion:  w.SyncVersion,
		SyncState:    syncengine.StateSynced,
	}
}

// ToPushResult converts a wire result to the engine form.
func (d PushResultDTO) ToPushResult(ownerID string) syncengine.PushResult {
	res := syncengine.PushResult{
		ID:         d.ID,
		Accepted:   d.Status == StAccepted,
		NewVersion: d.NewVersion,
		Reason:     d.Reason,
		Message:    d.Message,
	}
	if d.Remote != nil {
		rec := d.Remote.ToRecord(ownerID)
		res.Remote = &rec
	}
	return res
}

// ToPage converts a pull response to the engine form.
func (p *PullResponse) ToPage(ownerID string) syncengine.Page {
	page := syncengine.Page{Next: p.Next, HasMore: p.HasMore}
	page.Records = make([]syncengine.Record, 0, len(p.Records))
	for _, w := range p.Records {
		page.Records = append(page.Records, w.ToRecord(ownerID))
	}
	return page
}
