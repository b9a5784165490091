// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"
)

// Outcome is the result of one worker run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"   // transient failure; the next run retries
	OutcomeFailure Outcome = "failure" // fatal or permanent failure
)

// WorkerResult reports what a worker run did.
type WorkerResult struct {
	Category   Category `json:"category"`
	Outcome    Outcome  `json:"outcome"`
	Pushed     int      `json:"pushed"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Conflicted int      `json:"conflicted"`
	Failed     int      `json:"failed"`
	Pulled     int      `json:"pulled"`
	Applied    int      `json:"applied"`
	Resolved   int      `json:"resolved"`
	// Repush counts local conflict wins waiting for the next push.
	Repush int    `json:"repush"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

func (r *WorkerResult) fail(err error) {
	r.Err = err
	r.Error = err.Error()
	switch KindOf(err) {
	case KindRetryable, KindConflict:
		r.Outcome = OutcomeRetry
	default:
		r.Outcome = OutcomeFailure
	}
}

// RunResult is the aggregated result of a SyncRun.
type RunResult string

const (
	ResultSuccess RunResult = "success"
	ResultPartial RunResult = "partial"
	ResultFailure RunResult = "failure"
)

// SyncRun records one coordinator invocation for one owner.
type SyncRun struct {
	ID         string                     `json:"id"`
	OwnerID    string                     `json:"owner_id"`
	Categories []Category                 `json:"categories"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Workers    map[Category]*WorkerResult `json:"workers"`
	Result     RunResult                  `json:"result"`
	// Retryable is set when the run did not fully succeed but only because of
	// transient causes, so the next scheduled run is expected to fix it.
	Retryable bool `json:"retryable"`
	TimedOut  bool `json:"timed_out"`
}

func (r *SyncRun) finalize(finishedAt time.Time) {
	r.FinishedAt = finishedAt
	ok, retry := 0, 0
	for _, w := range r.Workers {
		switch w.Outcome {
		case OutcomeSuccess:
			ok++
		case OutcomeRetry:
			retry++
		}
	}
	switch {
	case ok == len(r.Workers) && !r.TimedOut:
		r.Result = ResultSuccess
	case ok == 0 || r.TimedOut:
		r.Result = ResultFailure
	default:
		r.Result = ResultPartial
	}
	r.Retryable = r.Result != ResultSuccess && ok+retry == len(r.Workers)
}

// repushCategories lists categories holding local conflict wins.
func (r *SyncRun) repushCategories() []Category {
	var cats []Category
	for _, c := range r.Categories {
		if w := r.Workers[c]; w != nil && w.Repush > 0 {
			cats = append(cats, c)
		}
	}
	return cats
}

// RunState says whether a run is in flight.
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
)

// LastResult summarizes the most recent finished run.
type LastResult struct {
	RunID      string    `json:"run_id"`
	Result     RunResult `json:"result"`
	Retryable  bool      `json:"retryable"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is the read-only value exposed to observers.
type Status struct {
	State RunState    `json:"state"`
	Last  *LastResult `json:"last,omitempty"`
}
