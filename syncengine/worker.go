// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase is the worker state within one run.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhasePullingUnsynced Phase = "pulling_unsynced"
	PhasePushing         Phase = "pushing"
	PhasePullingRemote   Phase = "pulling_remote"
	PhaseResolving       Phase = "resolving"
	PhaseCommitting      Phase = "committing"
	PhaseFailed          Phase = "failed"
)

// ClockObserver is told about timestamps seen on pulled records so local
// writes made afterwards sort after them.
type ClockObserver interface {
	Observe(ts int64)
}

// Worker synchronizes one category: push local changes, pull remote changes,
// resolve conflicts and commit. Runs for different owners are independent;
// the coordinator guarantees at most one run per owner at a time.
type Worker struct {
	category Category
	store    EntityStore
	gateway  Gateway
	cfg      *Config
	logger   *slog.Logger
	metrics  StageMetricsRecorder
	clock    ClockObserver

	mu     sync.Mutex
	phases map[string]Phase
}

// NewWorker creates a worker for category. cfg must already be validated.
func NewWorker(category Category, store EntityStore, gateway Gateway, cfg *Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		category: category,
		store:    store,
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger.With("category", string(category)),
		metrics:  noopRecorder{},
		phases:   make(map[string]Phase),
	}
}

// SetMetricsRecorder installs a stage metrics sink.
func (w *Worker) SetMetricsRecorder(r StageMetricsRecorder) {
	if r == nil {
		r = noopRecorder{}
	}
	w.metrics = r
}

// SetClockObserver installs the clock advanced by pulled timestamps.
func (w *Worker) SetClockObserver(c ClockObserver) { w.clock = c }

// Category returns the category synced by w.
func (w *Worker) Category() Category { return w.category }

// Phase returns the current phase of the owner's run. Failed stays visible
// until the next run starts.
func (w *Worker) Phase(ownerID string) Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.phases[ownerID]; ok {
		return p
	}
	return PhaseIdle
}

func (w *Worker) setPhase(ownerID string, p Phase) {
	w.mu.Lock()
	w.phases[ownerID] = p
	w.mu.Unlock()
}

// Run performs one full sync cycle for ownerID. It never panics on remote
// failures; the outcome is reported in the result.
func (w *Worker) Run(ctx context.Context, ownerID string) WorkerResult {
	res := WorkerResult{Category: w.category, Outcome: OutcomeSuccess}
	if ownerID == "" {
		res.fail(Fatal("run", ErrNoOwner))
		return res
	}

	start := time.Now()
	r := &workerRun{w: w, owner: ownerID, res: &res}
	err := r.run(ctx)
	if err != nil {
		res.fail(err)
		w.setPhase(ownerID, PhaseFailed)
		w.logger.Warn("sync run failed", "owner", ownerID, "kind", KindOf(err).String(), "error", err)
	} else {
		w.setPhase(ownerID, PhaseIdle)
		w.logger.Debug("sync run done", "owner", ownerID,
			"pushed", res.Pushed, "accepted", res.Accepted, "pulled", res.Pulled,
			"applied", res.Applied, "conflicted", res.Conflicted, "repush", res.Repush)
	}
	w.metrics.ObserveStage(ctx, StageTiming{Category: w.category, Stage: StageRun, Duration: time.Since(start), Count: res.Pushed + res.Pulled, Error: err != nil})
	return res
}

// workerRun carries the state of one Run call.
type workerRun struct {
	w     *Worker
	owner string
	res   *WorkerResult
}

func (r *workerRun) phase(p Phase) { r.w.setPhase(r.owner, p) }

func (r *workerRun) observe(ctx context.Context, stage string, start time.Time, count int, err error) {
	r.w.metrics.ObserveStage(ctx, StageTiming{Category: r.w.category, Stage: stage, Duration: time.Since(start), Count: count, Error: err != nil})
}

func (r *workerRun) run(ctx context.Context) error {
	r.phase(PhasePullingUnsynced)
	start := time.Now()
	unsynced, err := r.w.store.ListUnsynced(ctx, r.owner, r.w.category)
	r.observe(ctx, StagePullUnsynced, start, len(unsynced), err)
	if err != nil {
		return storeErr("list unsynced", err)
	}

	// Syncing rows left behind by an interrupted run are pushed again; the
	// remote acceptance rule makes the re-push harmless.
	var toPush []Record
	for _, rec := range unsynced {
		if rec.SyncState == StatePending || rec.SyncState == StateSyncing {
			toPush = append(toPush, rec)
		}
	}

	r.phase(PhasePushing)
	start = time.Now()
	err = r.push(ctx, toPush)
	r.observe(ctx, StagePush, start, len(toPush), err)
	if err != nil {
		return err
	}

	r.phase(PhasePullingRemote)
	if err := r.pull(ctx); err != nil {
		return err
	}

	return r.resolveConflicted(ctx)
}

// push sends toPush in batches. A failing batch goes back to Pending and the
// remaining batches still run; the first failure is reported afterwards.
func (r *workerRun) push(ctx context.Context, toPush []Record) error {
	size := r.w.cfg.PushBatchSize
	var batchErrs []error
	for from := 0; from < len(toPush); from += size {
		to := min(from+size, len(toPush))
		err := r.pushBatch(ctx, toPush[from:to])
		if err == nil {
			continue
		}
		if KindOf(err) == KindFatal {
			return err
		}
		r.w.logger.Warn("push batch failed", "owner", r.owner, "from", from, "size", to-from, "error", err)
		batchErrs = append(batchErrs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(batchErrs) == 0 {
		return nil
	}
	joined := errors.Join(batchErrs...)
	for _, e := range batchErrs {
		if KindOf(e) == KindPermanent {
			return Permanent("push", joined)
		}
	}
	return Retryable("push", joined)
}

func (r *workerRun) pushBatch(ctx context.Context, batch []Record) error {
	ids := make([]string, len(batch))
	send := make([]Record, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
		send[i] = rec.withoutSyncMeta()
		send[i].SyncState = StateSyncing
	}
	if err := r.w.store.MarkState(ctx, r.owner, ids, StateSyncing); err != nil {
		return storeErr("mark syncing", err)
	}
	r.res.Pushed += len(batch)

	var results []PushResult
	err := withRetry(ctx, r.w.cfg.Retry, func(ctx context.Context) error {
		var perr error
		results, perr = r.w.gateway.Push(ctx, r.owner, r.w.category, send)
		return perr
	})
	if err == nil && len(results) != len(batch) {
		err = Permanent("push", fmt.Errorf("status count mismatch: sent %d, got %d", len(batch), len(results)))
	}
	if err != nil {
		// The run context may already be done; the release must still happen.
		if rerr := r.w.store.MarkState(context.WithoutCancel(ctx), r.owner, ids, StatePending); rerr != nil {
			return storeErr("release batch", rerr)
		}
		return err
	}

	items := make([]staged, 0, len(batch))
	for i, rec := range batch {
		out := r.applyPushResult(rec, results[i])
		intended := out
		items = append(items, staged{
			write: Write{Record: out, Expected: expectOf(rec)},
			redo: func(cur *Record) (Record, bool) {
				return rebasePushed(intended, cur)
			},
		})
	}
	r.phase(PhaseCommitting)
	_, err = r.commit(ctx, items, nil)
	r.phase(PhasePushing)
	return err
}

// applyPushResult maps a per-record push outcome onto the local record.
func (r *workerRun) applyPushResult(local Record, pr PushResult) Record {
	out := local.withoutSyncMeta()
	switch {
	case pr.Accepted:
		r.res.Accepted++
		out.SyncState = StateSynced
		out.SyncVersion = max(local.SyncVersion, pr.NewVersion)
	case pr.Reason == ReasonVersionMismatch && pr.Remote != nil:
		r.res.Rejected++
		r.res.Conflicted++
		remote := pr.Remote.withoutSyncMeta()
		out.SyncState = StateConflicted
		out.Remote = &remote
	case pr.Permanent():
		r.res.Rejected++
		r.res.Failed++
		out.SyncState = StateFailed
		out.FailReason = pr.Reason
		if pr.Message != "" {
			out.FailReason += ": " + pr.Message
		}
		r.w.logger.Warn("record rejected permanently", "owner", r.owner, "id", local.ID, "reason", pr.Reason, "message", pr.Message)
	default:
		r.res.Rejected++
		out.SyncState = StatePending
	}
	return out
}

// rebasePushed re-applies a push outcome on top of a record that was edited
// locally while the push was in flight. The newer local edit is never lost.
func rebasePushed(intended Record, cur *Record) (Record, bool) {
	if cur == nil {
		return Record{}, false
	}
	if cur.SameContent(intended) {
		out := intended.Clone()
		out.SyncVersion = max(out.SyncVersion, cur.SyncVersion)
		return out, true
	}
	switch intended.SyncState {
	case StateSynced:
		out := cur.withoutSyncMeta()
		out.SyncState = StatePending
		out.SyncVersion = max(cur.SyncVersion, intended.SyncVersion)
		return out, true
	case StateConflicted:
		out := cur.withoutSyncMeta()
		out.SyncState = StateConflicted
		out.Remote = intended.Remote
		return out, true
	}
	// Pending or Failed outcomes are superseded by the fresh Pending edit.
	return Record{}, false
}

// pull applies remote pages. Each page is resolved and committed together
// with its watermark, so an interrupted pull resumes after the last page.
func (r *workerRun) pull(ctx context.Context) error {
	since, err := r.w.store.Watermark(ctx, r.owner, r.w.category)
	if err != nil {
		return storeErr("read watermark", err)
	}

	for {
		r.phase(PhasePullingRemote)
		start := time.Now()
		var page Page
		err := withRetry(ctx, r.w.cfg.Retry, func(ctx context.Context) error {
			var perr error
			page, perr = r.w.gateway.PullSince(ctx, r.owner, r.w.category, since, r.w.cfg.PullPageSize)
			return perr
		})
		r.observe(ctx, StagePullRemote, start, len(page.Records), err)
		if err != nil {
			return err
		}
		r.res.Pulled += len(page.Records)

		r.phase(PhaseResolving)
		start = time.Now()
		items, err := r.resolvePage(ctx, page.Records)
		r.observe(ctx, StageResolve, start, len(items), err)
		if err != nil {
			return err
		}

		var wm *int64
		if page.Next > since {
			next := page.Next
			wm = &next
		}
		r.phase(PhaseCommitting)
		applied, err := r.commit(ctx, items, wm)
		if err != nil {
			return err
		}
		r.res.Applied += applied

		if !page.HasMore || page.Next <= since {
			return nil
		}
		since = page.Next
	}
}

func (r *workerRun) resolvePage(ctx context.Context, remote []Record) ([]staged, error) {
	// keep the last occurrence of an id; later entries carry newer changes
	last := make(map[string]int, len(remote))
	for i, rec := range remote {
		last[rec.ID] = i
	}

	items := make([]staged, 0, len(remote))
	for i, rec := range remote {
		if last[rec.ID] != i {
			continue
		}
		if rec.Category != r.w.category || (rec.OwnerID != "" && rec.OwnerID != r.owner) {
			r.w.logger.Warn("ignoring foreign record in pull page", "owner", r.owner, "id", rec.ID, "record_owner", rec.OwnerID, "record_category", string(rec.Category))
			continue
		}
		incoming := rec.withoutSyncMeta()
		incoming.OwnerID = r.owner
		if r.w.clock != nil {
			r.w.clock.Observe(incoming.LastModified)
		}

		var cur *Record
		local, err := r.w.store.GetLocal(ctx, r.owner, rec.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, storeErr("get local", err)
		default:
			cur = &local
		}

		out, ok := r.resolveIncoming(cur, incoming)
		if !ok {
			continue
		}
		items = append(items, staged{
			write: Write{Record: out, Expected: versionOf(cur)},
			redo: func(cur *Record) (Record, bool) {
				return r.resolveIncoming(cur, incoming)
			},
		})
	}
	return items, nil
}

// resolveIncoming decides what a pulled remote record does to the local copy.
// false means nothing to write.
func (r *workerRun) resolveIncoming(local *Record, remote Record) (Record, bool) {
	remote.SyncState = StateSynced
	if local == nil {
		return remote, true
	}

	if local.SyncState == StateSynced {
		// Anything at or below the local version is history we already hold,
		// including the echo of our own accepted pushes.
		if remote.SyncVersion <= local.SyncVersion {
			return Record{}, false
		}
		return remote, true
	}

	// Local has unpushed changes (Pending, Syncing, Conflicted or Failed).
	candidate := remote
	if local.Remote != nil && local.Remote.SyncVersion > candidate.SyncVersion {
		candidate = local.Remote.withoutSyncMeta()
	}
	if local.SyncState != StateConflicted {
		// The local edit is already based on this remote version. At an equal
		// version the remote may instead be another device's write landing on
		// the number a local conflict win advanced to; the later write decides,
		// as it does on the remote.
		if candidate.SyncVersion < local.SyncVersion ||
			(candidate.SyncVersion == local.SyncVersion && !Supersedes(candidate, *local)) {
			return Record{}, false
		}
	}
	if local.SameContent(candidate) {
		out := local.withoutSyncMeta()
		out.SyncState = StateSynced
		out.SyncVersion = max(local.SyncVersion, candidate.SyncVersion)
		r.res.Resolved++
		return out, true
	}

	res := Resolve(*local, candidate)
	if res.Winner == LocalWins && local.SyncState == StateFailed {
		// A rejected edit stays parked until the user intervenes.
		return Record{}, false
	}
	r.res.Resolved++
	if res.Winner == LocalWins {
		r.res.Repush++
	}
	r.w.logger.Debug("conflict resolved", "owner", r.owner, "id", local.ID, "winner", res.Winner.String(),
		"local", local.String(), "remote", candidate.String())
	return res.Record, true
}

// resolveConflicted settles records still Conflicted after the pull, using
// the remote candidate stored with them.
func (r *workerRun) resolveConflicted(ctx context.Context) error {
	r.phase(PhaseResolving)
	unsynced, err := r.w.store.ListUnsynced(ctx, r.owner, r.w.category)
	if err != nil {
		return storeErr("list conflicted", err)
	}
	var items []staged
	for _, rec := range unsynced {
		if rec.SyncState != StateConflicted {
			continue
		}
		local := rec
		var out Record
		if local.Remote == nil {
			out = local.withoutSyncMeta()
			out.SyncState = StatePending
		} else {
			var ok bool
			if out, ok = r.resolveIncoming(&local, local.Remote.withoutSyncMeta()); !ok {
				continue
			}
		}
		items = append(items, staged{
			write: Write{Record: out, Expected: expectOf(local)},
			redo: func(cur *Record) (Record, bool) {
				if cur == nil || cur.SyncState != StateConflicted || cur.Remote == nil {
					return Record{}, false
				}
				return r.resolveIncoming(cur, cur.Remote.withoutSyncMeta())
			},
		})
	}
	if len(items) == 0 {
		return nil
	}
	r.phase(PhaseCommitting)
	_, err = r.commit(ctx, items, nil)
	return err
}

// staged is a write waiting for commit. redo recomputes it against the fresh
// local record after a VersionConflict; cur is nil when the record is gone.
type staged struct {
	write Write
	redo  func(cur *Record) (Record, bool)
}

// commit writes items and the optional watermark atomically. On a version
// conflict the affected items are re-resolved against what is stored now and
// the commit is retried, up to MaxCommitAttempts times.
func (r *workerRun) commit(ctx context.Context, items []staged, watermark *int64) (int, error) {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		batch := Batch{Category: r.w.category, Watermark: watermark}
		for _, it := range items {
			batch.Writes = append(batch.Writes, it.write)
		}
		if batch.Empty() {
			return 0, nil
		}

		err := r.w.store.Commit(ctx, r.owner, batch)
		if err == nil {
			r.observe(ctx, StageCommit, start, len(batch.Writes), nil)
			return len(batch.Writes), nil
		}

		var vc *VersionConflictError
		if !errors.As(err, &vc) {
			r.observe(ctx, StageCommit, start, len(batch.Writes), err)
			return 0, storeErr("commit", err)
		}
		if attempt >= r.w.cfg.MaxCommitAttempts {
			r.observe(ctx, StageCommit, start, len(batch.Writes), err)
			return 0, &Error{Kind: KindConflict, Op: "commit", Err: err}
		}
		r.w.logger.Debug("commit raced a local write, re-resolving", "owner", r.owner, "ids", vc.IDs, "attempt", attempt)

		items, err = r.rebase(ctx, items, vc.IDs)
		if err != nil {
			return 0, err
		}
	}
}

func (r *workerRun) rebase(ctx context.Context, items []staged, ids []string) ([]staged, error) {
	conflicted := make(map[string]bool, len(ids))
	for _, id := range ids {
		conflicted[id] = true
	}
	out := items[:0]
	for _, it := range items {
		if !conflicted[it.write.Record.ID] {
			out = append(out, it)
			continue
		}
		var cur *Record
		local, err := r.w.store.GetLocal(ctx, r.owner, it.write.Record.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, storeErr("get local", err)
		default:
			cur = &local
		}
		rec, ok := it.redo(cur)
		if !ok {
			continue
		}
		it.write = Write{Record: rec, Expected: versionOf(cur)}
		out = append(out, it)
	}
	return out, nil
}

func versionOf(r *Record) *Version {
	if r == nil {
		return nil
	}
	return expectOf(*r)
}

// storeErr classifies a local storage failure. Context expiry stays
// retryable; anything else is fatal for the run.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable(op, err)
	}
	return Fatal(op, err)
}
