// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package memremote is an in-memory sync backend. It applies the same
// acceptance rule as the Postgres service and can inject faults, which makes
// it the remote of engine tests and of the simulator's offline mode.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/Valentin5643/Liftrix/syncserver"
)

type entry struct {
	rec syncengine.Record
	seq int64
}

// Remote is an in-memory syncserver.Backend.
type Remote struct {
	mu         sync.Mutex
	categories map[string]bool
	maxBatch   int
	owners     map[string]map[string]*entry // owner -> id -> entry
	lastSeq    map[string]int64

	pushFailures []error
	pullFailures []error
	rejections   map[string]string
	pushHook     func(ctx context.Context, category syncengine.Category) error
	pushCalls    int
	pullCalls    int
}

var _ syncserver.Backend = (*Remote)(nil)

// New returns an empty remote serving categories.
func New(categories ...string) *Remote {
	r := &Remote{
		categories: make(map[string]bool, len(categories)),
		owners:     make(map[string]map[string]*entry),
		lastSeq:    make(map[string]int64),
		rejections: make(map[string]string),
	}
	for _, c := range categories {
		r.categories[c] = true
	}
	return r
}

// SetMaxBatch limits records per push; zero means unlimited.
func (r *Remote) SetMaxBatch(n int) {
	r.mu.Lock()
	r.maxBatch = n
	r.mu.Unlock()
}

func (r *Remote) IsCategoryRegistered(category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.categories[category]
}

func (r *Remote) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.categories))
	for c := range r.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Push decides every record of the batch against the stored state.
func (r *Remote) Push(ctx context.Context, ownerID, deviceID string, req *syncserver.PushRequest) (*syncserver.PushResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := syncserver.ValidatePush(func(c string) bool { return r.categories[c] }, r.maxBatch, ownerID, req); err != nil {
		return nil, err
	}

	recs := r.ownerRecords(ownerID)
	resp := &syncserver.PushResponse{Results: make([]syncserver.PushResultDTO, 0, len(req.Records))}
	for _, wr := range req.Records {
		var current *syncengine.Record
		if e, ok := recs[wr.ID]; ok {
			c := e.rec.Clone()
			current = &c
		}

		if reason, ok := r.rejections[wr.ID]; ok {
			res := syncserver.PushResultDTO{ID: wr.ID, Status: syncserver.StRejected, Reason: reason, Message: "rejected by test remote"}
			if reason == syncserver.ReasonVersionMismatch && current != nil {
				remote := syncserver.FromRecord(*current)
				res.Remote = &remote
			}
			resp.Results = append(resp.Results, res)
			continue
		}

		incoming := wr.ToRecord(ownerID)
		if incoming.OriginID == "" {
			incoming.OriginID = deviceID
		}
		d := syncserver.Decide(req.Category, current, incoming)
		if d.Accepted && !d.Idempotent {
			r.store(ownerID, d.Stored)
		}
		resp.Results = append(resp.Results, syncserver.ResultFromDecision(wr.ID, d))
	}
	return resp, nil
}

// Pull returns records changed after since, ordered by change sequence.
func (r *Remote) Pull(ctx context.Context, ownerID, category string, since int64, limit int) (*syncserver.PullResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ownerID == "" {
		return nil, syncserver.ErrNoOwner
	}
	if !r.categories[category] {
		return nil, fmt.Errorf("%w: %s", syncserver.ErrUnregisteredCategory, category)
	}
	if limit <= 0 {
		limit = syncserver.DefaultPullLimit
	}

	var changed []*entry
	for _, e := range r.owners[ownerID] {
		if string(e.rec.Category) == category && e.seq > since {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	resp := &syncserver.PullResponse{Records: []syncserver.WireRecord{}, Next: since}
	for i, e := range changed {
		if i == limit {
			resp.HasMore = true
			break
		}
		resp.Records = append(resp.Records, syncserver.FromRecord(e.rec))
		resp.Next = e.seq
	}
	return resp, nil
}

func (r *Remote) ownerRecords(ownerID string) map[string]*entry {
	recs, ok := r.owners[ownerID]
	if !ok {
		recs = make(map[string]*entry)
		r.owners[ownerID] = recs
	}
	return recs
}

func (r *Remote) store(ownerID string, rec syncengine.Record) {
	r.lastSeq[ownerID]++
	rec.OwnerID = ownerID
	rec.SyncState = syncengine.StateSynced
	r.ownerRecords(ownerID)[rec.ID] = &entry{rec: rec.Clone(), seq: r.lastSeq[ownerID]}
}

// Seed stores rec as written by another device, bypassing the acceptance
// rule. SyncVersion is kept as given.
func (r *Remote) Seed(ownerID string, rec syncengine.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(ownerID, rec)
}

// Get returns the stored record.
func (r *Remote) Get(ownerID, id string) (syncengine.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.owners[ownerID][id]
	if !ok {
		return syncengine.Record{}, false
	}
	return e.rec.Clone(), true
}

// Records returns every stored record of ownerID ordered by id.
func (r *Remote) Records(ownerID string) []syncengine.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]syncengine.Record, 0, len(r.owners[ownerID]))
	for _, e := range r.owners[ownerID] {
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
