// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options holds optional coordinator collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics StageMetricsRecorder
	// Clock, when set, observes timestamps of pulled records.
	Clock ClockObserver
	// Recorder persists finished runs. When nil and the store implements
	// RunRecorder, the store is used.
	Recorder RunRecorder
}

// Coordinator schedules sync runs. It keeps at most one run in flight per
// owner; triggers arriving during a run coalesce into a single follow-up run.
type Coordinator struct {
	workers  map[Category]*Worker
	order    []Category
	cfg      *Config
	logger   *slog.Logger
	recorder RunRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	owners map[string]*ownerState
	subs   []chan *SyncRun
	closed bool
}

type ownerState struct {
	running bool

	// coalesced follow-up request
	pending    bool
	pendingAll bool
	pendingSet map[Category]bool

	reqGen  uint64 // last trigger ticket handed out
	doneGen uint64 // highest ticket covered by a finished run
	doneCh  chan struct{}

	status   Status
	last     *SyncRun
	schedule context.CancelFunc
}

// NewCoordinator builds one worker per configured category.
func NewCoordinator(store EntityStore, gateway Gateway, cfg *Config, opts Options) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder, _ = store.(RunRecorder)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		workers:  make(map[Category]*Worker, len(cfg.Categories)),
		order:    slices.Clone(cfg.Categories),
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
		owners:   make(map[string]*ownerState),
	}
	for _, cat := range cfg.Categories {
		w := NewWorker(cat, store, gateway, cfg, logger)
		w.SetMetricsRecorder(opts.Metrics)
		w.SetClockObserver(opts.Clock)
		c.workers[cat] = w
	}
	return c, nil
}

// Worker returns the worker of category, or nil.
func (c *Coordinator) Worker(category Category) *Worker {
	return c.workers[category]
}

func (c *Coordinator) state(ownerID string) *ownerState {
	st, ok := c.owners[ownerID]
	if !ok {
		st = &ownerState{doneCh: make(chan struct{}), status: Status{State: StateIdle}}
		c.owners[ownerID] = st
	}
	return st
}

// TriggerNow requests a run for ownerID over the given categories, or all
// categories when none are given. It returns immediately.
func (c *Coordinator) TriggerNow(ownerID string, categories ...Category) error {
	_, err := c.trigger(ownerID, categories)
	return err
}

// SyncNow triggers a run and waits until a run covering this trigger has
// finished. It returns that run.
func (c *Coordinator) SyncNow(ctx context.Context, ownerID string, categories ...Category) (*SyncRun, error) {
	ticket, err := c.trigger(ownerID, categories)
	if err != nil {
		return nil, err
	}
	for {
		c.mu.Lock()
		st := c.state(ownerID)
		if st.doneGen >= ticket {
			run := st.last
			c.mu.Unlock()
			return run, nil
		}
		done := st.doneCh
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}
}

func (c *Coordinator) trigger(ownerID string, categories []Category) (uint64, error) {
	if ownerID == "" {
		return 0, ErrNoOwner
	}
	for _, cat := range categories {
		if _, ok := c.workers[cat]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	st := c.state(ownerID)
	st.reqGen++
	ticket := st.reqGen

	if st.running {
		st.queue(categories)
		c.logger.Debug("sync trigger coalesced", "owner", ownerID, "categories", categories)
		return ticket, nil
	}

	st.running = true
	st.status.State = StateRunning
	cats := c.expand(categories)
	c.wg.Add(1)
	go c.loop(ownerID, cats, ticket)
	return ticket, nil
}

func (st *ownerState) queue(categories []Category) {
	st.pending = true
	if len(categories) == 0 {
		st.pendingAll = true
		st.pendingSet = nil
		return
	}
	if st.pendingAll {
		return
	}
	if st.pendingSet == nil {
		st.pendingSet = make(map[Category]bool)
	}
	for _, cat := range categories {
		st.pendingSet[cat] = true
	}
}

// take drains the coalesced request.
func (st *ownerState) take() []Category {
	var cats []Category
	if !st.pendingAll {
		for cat := range st.pendingSet {
			cats = append(cats, cat)
		}
	}
	st.pending, st.pendingAll, st.pendingSet = false, false, nil
	return cats
}

// expand returns categories in configuration order, or all of them.
func (c *Coordinator) expand(categories []Category) []Category {
	if len(categories) == 0 {
		return slices.Clone(c.order)
	}
	out := make([]Category, 0, len(categories))
	for _, cat := range c.order {
		if slices.Contains(categories, cat) {
			out = append(out, cat)
		}
	}
	return out
}

func (c *Coordinator) loop(ownerID string, cats []Category, covered uint64) {
	defer c.wg.Done()
	for {
		run := c.execute(ownerID, cats)

		c.mu.Lock()
		st := c.state(ownerID)
		st.last = run
		st.status.Last = &LastResult{RunID: run.ID, Result: run.Result, Retryable: run.Retryable, FinishedAt: run.FinishedAt}
		st.doneGen = covered
		close(st.doneCh)
		st.doneCh = make(chan struct{})

		if repush := run.repushCategories(); len(repush) > 0 && !c.closed {
			st.reqGen++
			st.queue(repush)
		}
		if !st.pending || c.closed {
			st.running = false
			st.pending, st.pendingAll, st.pendingSet = false, false, nil
			st.status.State = StateIdle
			c.mu.Unlock()
			c.publish(run)
			return
		}
		cats = c.expand(st.take())
		covered = st.reqGen
		c.mu.Unlock()

		c.publish(run)
		c.logger.Debug("starting follow-up sync run", "owner", ownerID, "categories", cats)
	}
}

// execute runs the workers of cats in parallel under the run timeout.
func (c *Coordinator) execute(ownerID string, cats []Category) *SyncRun {
	run := &SyncRun{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Categories: cats,
		StartedAt:  time.Now().UTC(),
		Workers:    make(map[Category]*WorkerResult, len(cats)),
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RunTimeout)
	defer cancel()

	results := make([]WorkerResult, len(cats))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range cats {
		w := c.workers[cat]
		g.Go(func() error {
			results[i] = w.Run(gctx, ownerID)
			if results[i].Outcome == OutcomeFailure && KindOf(results[i].Err) == KindFatal {
				// a broken local store fails the whole run
				return results[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("sync run aborted", "owner", ownerID, "run_id", run.ID, "error", err)
	}

	for i, cat := range cats {
		res := results[i]
		run.Workers[cat] = &res
	}
	run.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	run.finalize(time.Now().UTC())

	if c.recorder != nil {
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.recorder.SaveRun(sctx, run); err != nil {
			c.logger.Warn("failed to persist sync run", "owner", ownerID, "run_id", run.ID, "error", err)
		}
		scancel()
	}

	c.logger.Info("sync run finished", "owner", ownerID, "run_id", run.ID, "result", string(run.Result),
		"retryable", run.Retryable, "timed_out", run.TimedOut, "duration", run.FinishedAt.Sub(run.StartedAt))
	return run
}

// Status returns the current run state and last result of ownerID.
func (c *Coordinator) Status(ownerID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.owners[ownerID]
	if !ok {
		return Status{State: StateIdle}
	}
	out := st.status
	if out.Last != nil {
		last := *out.Last
		out.Last = &last
	}
	return out
}

// Subscribe returns a channel receiving every finished run. Slow receivers
// miss runs rather than block the coordinator. The channel is closed by Close.
func (c *Coordinator) Subscribe() <-chan *SyncRun {
	ch := make(chan *SyncRun, 16)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Coordinator) publish(run *SyncRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- run:
		default:
			c.logger.Warn("dropping sync run notification for slow subscriber", "run_id", run.ID)
		}
	}
}

// ScheduleRecurring triggers a run for ownerID every interval. A second call
// for the same owner replaces the previous schedule.
func (c *Coordinator) ScheduleRecurring(ownerID string, interval time.Duration) error {
	if ownerID == "" {
		return ErrNoOwner
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	st := c.state(ownerID)
	if st.schedule != nil {
		st.schedule()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	st.schedule = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.TriggerNow(ownerID); err != nil && !errors.Is(err, ErrClosed) {
					c.logger.Warn("scheduled sync trigger failed", "owner", ownerID, "error", err)
				}
			}
		}
	}()
	c.logger.Info("sync scheduled", "owner", ownerID, "interval", interval)
	return nil
}

// Unschedule stops the recurring schedule of ownerID, if any.
func (c *Coordinator) Unschedule(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.owners[ownerID]; ok && st.schedule != nil {
		st.schedule()
		st.schedule = nil
	}
}

// Close stops all schedules, cancels in-flight runs and waits for them to
// return. Records of a cancelled run stay Pending and are pushed next time.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, st := range c.owners {
		if st.schedule != nil {
			st.schedule()
			st.schedule = nil
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.mu.Unlock()
	return nil
}
