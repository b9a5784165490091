package syncengine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Valentin5643/Liftrix/sqlitestore"
	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workouts syncengine.Category = "workouts"

func TestWorker_PushesPendingRecords(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	for i := 1; i <= 3; i++ {
		put(t, store, workouts, fmt.Sprintf("w-%d", i), fmt.Sprintf(`{"n":%d}`, i))
	}

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, syncengine.PhaseIdle, w.Phase(owner))

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("w-%d", i)
		rec := local(t, store, id)
		assert.Equal(t, syncengine.StateSynced, rec.SyncState)
		assert.Equal(t, int64(1), rec.SyncVersion)

		stored, ok := remote.Get(owner, id)
		require.True(t, ok)
		assert.Equal(t, "phone", stored.OriginID)
		assert.Equal(t, rec.Payload, stored.Payload)
	}
}

// Running twice with nothing new changes nothing and sends nothing.
func TestWorker_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{"sets":3}`)
	require.Equal(t, syncengine.OutcomeSuccess, w.Run(ctx, owner).Outcome)
	before := local(t, store, "w-1")
	pushes := remote.PushCalls()

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome)
	assert.Zero(t, res.Pushed)
	assert.Zero(t, res.Pulled)
	assert.Zero(t, res.Applied)
	assert.Equal(t, pushes, remote.PushCalls())
	assert.Equal(t, before, local(t, store, "w-1"))
}

func TestWorker_PullsRemoteRecords(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	remote.Seed(owner, syncengine.Record{ID: "w-9", Category: workouts, Payload: []byte(`{"from":"watch"}`), LastModified: 1000, OriginID: "watch", SyncVersion: 1})

	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)
	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Applied)

	rec := local(t, store, "w-9")
	assert.Equal(t, syncengine.StateSynced, rec.SyncState)
	assert.Equal(t, "watch", rec.OriginID)
	assert.Equal(t, owner, rec.OwnerID)
	assert.JSONEq(t, `{"from":"watch"}`, string(rec.Payload))

	wm, err := store.Watermark(ctx, owner, workouts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm)
}

// The local edit lost the race to a newer remote edit. The push is rejected on
// version, the pull brings the remote version and it wins.
func TestWorker_ConflictRemoteNewerWins(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{"weight":100}`)
	require.Equal(t, syncengine.OutcomeSuccess, w.Run(ctx, owner).Outcome)

	later := time.Now().Add(time.Hour).UnixMilli()
	remote.Seed(owner, syncengine.Record{ID: "w-1", Category: workouts, Payload: []byte(`{"weight":120}`), LastModified: later, OriginID: "watch", SyncVersion: 2})
	put(t, store, workouts, "w-1", `{"weight":105}`)

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Conflicted)
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, res.Repush)

	rec := local(t, store, "w-1")
	assert.Equal(t, syncengine.StateSynced, rec.SyncState)
	assert.Equal(t, int64(2), rec.SyncVersion)
	assert.JSONEq(t, `{"weight":120}`, string(rec.Payload))
	assert.Nil(t, rec.Remote)
}

// The local edit is newer: it wins, goes back to Pending past the remote
// version and the next run pushes it.
func TestWorker_ConflictLocalNewerWinsAndRepushes(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	remote.Seed(owner, syncengine.Record{ID: "w-1", Category: workouts, Payload: []byte(`{"weight":90}`), LastModified: 1000, OriginID: "watch", SyncVersion: 1})
	put(t, store, workouts, "w-1", `{"weight":110}`)

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Repush)

	rec := local(t, store, "w-1")
	assert.Equal(t, syncengine.StatePending, rec.SyncState)
	assert.Equal(t, int64(2), rec.SyncVersion)

	res = w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, res.Accepted)

	rec = local(t, store, "w-1")
	assert.Equal(t, syncengine.StateSynced, rec.SyncState)
	stored, ok := remote.Get(owner, "w-1")
	require.True(t, ok)
	assert.Equal(t, rec.SyncVersion, stored.SyncVersion)
	assert.JSONEq(t, `{"weight":110}`, string(stored.Payload))
}

// A permanent rejection parks one record without affecting its batch mates.
func TestWorker_PermanentRejectionParksRecord(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	remote.Reject(syncengine.ReasonForbidden, "w-07")
	cfg := testConfig(t, workouts)
	require.Equal(t, 20, cfg.PushBatchSize)
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), cfg, discard)

	for i := 1; i <= 20; i++ {
		put(t, store, workouts, fmt.Sprintf("w-%02d", i), `{}`)
	}

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 1, remote.PushCalls(), "one batch")
	assert.Equal(t, 19, res.Accepted)
	assert.Equal(t, 1, res.Failed)

	failed := local(t, store, "w-07")
	assert.Equal(t, syncengine.StateFailed, failed.SyncState)
	assert.Contains(t, failed.FailReason, syncengine.ReasonForbidden)
	for i := 1; i <= 20; i++ {
		if i == 7 {
			continue
		}
		assert.Equal(t, syncengine.StateSynced, local(t, store, fmt.Sprintf("w-%02d", i)).SyncState)
	}

	// parked records are not pushed again automatically
	res = w.Run(ctx, owner)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, syncengine.StateFailed, local(t, store, "w-07").SyncState)
}

func TestWorker_InvalidPayloadFails(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{not json`)
	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome)
	rec := local(t, store, "w-1")
	assert.Equal(t, syncengine.StateFailed, rec.SyncState)
	assert.Contains(t, rec.FailReason, syncengine.ReasonInvalidPayload)
	_, ok := remote.Get(owner, "w-1")
	assert.False(t, ok)
}

func TestWorker_RetriesTransientPushFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	remote.FailPushes(syncengine.Retryable("push", errors.New("503 unavailable")))
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{}`)
	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 2, remote.PushCalls())
	assert.Equal(t, syncengine.StateSynced, local(t, store, "w-1").SyncState)
}

// With the retry budget spent the batch goes back to Pending and the run is
// reported as retryable. Nothing is lost; the next run delivers it.
func TestWorker_ExhaustedRetriesReleaseBatch(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	unavailable := syncengine.Retryable("push", errors.New("503 unavailable"))
	remote.FailPushes(unavailable, unavailable)
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{"a":1}`)
	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeRetry, res.Outcome)
	assert.True(t, syncengine.IsRetryable(res.Err))
	assert.Equal(t, syncengine.PhaseFailed, w.Phase(owner))
	assert.Equal(t, syncengine.StatePending, local(t, store, "w-1").SyncState)

	res = w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, syncengine.StateSynced, local(t, store, "w-1").SyncState)
}

// A failing batch does not block the batches after it.
func TestWorker_BatchIsolation(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	cfg := testConfig(t, workouts)
	cfg.PushBatchSize = 2
	unavailable := syncengine.Retryable("push", errors.New("connection reset"))
	// first batch passes, both attempts of the second fail, the third passes
	remote.FailPushes(nil, unavailable, unavailable)
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), cfg, discard)

	for i := 1; i <= 5; i++ {
		put(t, store, workouts, fmt.Sprintf("w-%d", i), `{}`)
	}

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeRetry, res.Outcome)
	assert.Equal(t, 3, res.Accepted)

	states := map[string]syncengine.SyncState{}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("w-%d", i)
		states[id] = local(t, store, id).SyncState
	}
	assert.Equal(t, map[string]syncengine.SyncState{
		"w-1": syncengine.StateSynced,
		"w-2": syncengine.StateSynced,
		"w-3": syncengine.StatePending,
		"w-4": syncengine.StatePending,
		"w-5": syncengine.StateSynced,
	}, states)
}

// A local edit made while its previous version is being pushed stays Pending
// on top of the accepted version and reaches the remote on the next run.
func TestWorker_KeepsEditMadeDuringPush(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	var once sync.Once
	remote.SetPushHook(func(ctx context.Context, _ syncengine.Category) error {
		var err error
		once.Do(func() {
			_, err = store.Put(ctx, owner, workouts, "w-1", []byte(`{"reps":12}`))
		})
		return err
	})

	put(t, store, workouts, "w-1", `{"reps":10}`)
	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)

	rec := local(t, store, "w-1")
	assert.Equal(t, syncengine.StatePending, rec.SyncState)
	assert.Equal(t, int64(1), rec.SyncVersion)
	assert.JSONEq(t, `{"reps":12}`, string(rec.Payload))

	res = w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	stored, ok := remote.Get(owner, "w-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"reps":12}`, string(stored.Payload))
	assert.Equal(t, syncengine.StateSynced, local(t, store, "w-1").SyncState)
}

func TestWorker_PagesThroughPull(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	for i := 1; i <= 10; i++ {
		remote.Seed(owner, syncengine.Record{ID: fmt.Sprintf("w-%02d", i), Category: workouts, Payload: []byte(`{}`), LastModified: int64(i), OriginID: "watch", SyncVersion: 1})
	}
	cfg := testConfig(t, workouts)
	cfg.PullPageSize = 3

	var commits atomic.Int32
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), cfg, discard)
	w.SetMetricsRecorder(syncengine.StageMetricsRecorderFunc(func(_ context.Context, st syncengine.StageTiming) {
		if st.Stage == syncengine.StageCommit {
			commits.Add(1)
		}
	}))

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 10, res.Pulled)
	assert.Equal(t, 10, res.Applied)
	assert.Equal(t, 4, remote.PullCalls())
	assert.Equal(t, int32(4), commits.Load(), "one commit per page")

	wm, err := store.Watermark(ctx, owner, workouts)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm)

	res = w.Run(ctx, owner)
	assert.Zero(t, res.Pulled)
	assert.Equal(t, 5, remote.PullCalls())
}

// An interrupted pull resumes after the last committed page.
func TestWorker_PullResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "phone")
	remote := newRemote("workouts")
	for i := 1; i <= 6; i++ {
		remote.Seed(owner, syncengine.Record{ID: fmt.Sprintf("w-%d", i), Category: workouts, Payload: []byte(`{}`), LastModified: int64(i), OriginID: "watch", SyncVersion: 1})
	}
	cfg := testConfig(t, workouts)
	cfg.PullPageSize = 3
	offline := syncengine.Retryable("pull", errors.New("network unreachable"))
	// page one succeeds, both attempts at page two fail
	remote.FailPulls(nil, offline, offline)
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), cfg, discard)

	res := w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeRetry, res.Outcome)
	wm, err := store.Watermark(ctx, owner, workouts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)

	res = w.Run(ctx, owner)
	require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, 3, res.Pulled)
}

func TestWorker_PropagatesDeletes(t *testing.T) {
	ctx := context.Background()
	remote := newRemote("workouts")
	phone := openStore(t, "phone")
	watch := openStore(t, "watch")
	cfg := testConfig(t, workouts)
	pw := syncengine.NewWorker(workouts, phone, remote.Gateway("phone"), cfg, discard)
	ww := syncengine.NewWorker(workouts, watch, remote.Gateway("watch"), cfg, discard)

	put(t, phone, workouts, "w-1", `{"name":"legs"}`)
	require.Equal(t, syncengine.OutcomeSuccess, pw.Run(ctx, owner).Outcome)
	require.Equal(t, syncengine.OutcomeSuccess, ww.Run(ctx, owner).Outcome)
	live, err := watch.List(ctx, owner, workouts)
	require.NoError(t, err)
	require.Len(t, live, 1)

	require.NoError(t, phone.Delete(ctx, owner, "w-1"))
	require.Equal(t, syncengine.OutcomeSuccess, pw.Run(ctx, owner).Outcome)
	require.Equal(t, syncengine.OutcomeSuccess, ww.Run(ctx, owner).Outcome)

	rec := local(t, watch, "w-1")
	assert.True(t, rec.Deleted)
	assert.Equal(t, syncengine.StateSynced, rec.SyncState)
	live, err = watch.List(ctx, owner, workouts)
	require.NoError(t, err)
	assert.Empty(t, live)
}

// No local write is lost across arbitrary transient failures: after the
// faults clear, both devices converge on the union of their writes.
func TestWorker_NoLostWritesUnderFaults(t *testing.T) {
	ctx := context.Background()
	remote := newRemote("workouts")
	phone := openStore(t, "phone")
	watch := openStore(t, "watch")
	cfg := testConfig(t, workouts)
	cfg.PushBatchSize = 3
	pw := syncengine.NewWorker(workouts, phone, remote.Gateway("phone"), cfg, discard)
	ww := syncengine.NewWorker(workouts, watch, remote.Gateway("watch"), cfg, discard)

	fault := syncengine.Retryable("push", errors.New("timeout"))
	for round := 0; round < 4; round++ {
		for i := 0; i < 3; i++ {
			put(t, phone, workouts, fmt.Sprintf("p-%d-%d", round, i), fmt.Sprintf(`{"r":%d}`, round))
			put(t, watch, workouts, fmt.Sprintf("w-%d-%d", round, i), fmt.Sprintf(`{"r":%d}`, round))
		}
		if round%2 == 0 {
			remote.FailPushes(fault, fault, fault)
			remote.FailPulls(fault, fault)
		}
		pw.Run(ctx, owner)
		ww.Run(ctx, owner)
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, syncengine.OutcomeSuccess, pw.Run(ctx, owner).Outcome)
		require.Equal(t, syncengine.OutcomeSuccess, ww.Run(ctx, owner).Outcome)
	}

	p, err := phone.List(ctx, owner, workouts)
	require.NoError(t, err)
	wa, err := watch.List(ctx, owner, workouts)
	require.NoError(t, err)
	assert.Len(t, p, 24)
	assert.Len(t, wa, 24)
	assert.Len(t, remote.Records(owner), 24)
	for _, rec := range p {
		assert.Equal(t, syncengine.StateSynced, rec.SyncState, rec.ID)
	}
}

func TestWorker_RequiresOwner(t *testing.T) {
	store := openStore(t, "phone")
	w := syncengine.NewWorker(workouts, store, newRemote("workouts").Gateway("phone"), testConfig(t, workouts), discard)
	res := w.Run(context.Background(), "")
	assert.Equal(t, syncengine.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, syncengine.ErrNoOwner)
}

func TestWorker_UnregisteredCategoryIsPermanent(t *testing.T) {
	store := openStore(t, "phone")
	remote := newRemote("sets")
	w := syncengine.NewWorker(workouts, store, remote.Gateway("phone"), testConfig(t, workouts), discard)

	put(t, store, workouts, "w-1", `{}`)
	res := w.Run(context.Background(), owner)
	assert.Equal(t, syncengine.OutcomeFailure, res.Outcome)
	assert.Equal(t, syncengine.KindPermanent, syncengine.KindOf(res.Err))
	assert.Equal(t, 1, remote.PushCalls(), "permanent failures are not retried")
	assert.Equal(t, syncengine.StatePending, local(t, store, "w-1").SyncState)
}

// A local conflict win is pushed at the version the remote may already have
// handed to another device's newer edit. The newer edit must survive on the
// remote and on both devices.
func TestWorker_LocalWinNeverOverwritesLaterWrite(t *testing.T) {
	ctx := context.Background()
	remote := newRemote("workouts")
	cfg := testConfig(t, workouts)
	phoneStore, watchStore := openStore(t, "phone"), openStore(t, "watch")
	phone := syncengine.NewWorker(workouts, phoneStore, remote.Gateway("phone"), cfg, discard)
	watch := syncengine.NewWorker(workouts, watchStore, remote.Gateway("watch"), cfg, discard)
	run := func(w *syncengine.Worker) {
		t.Helper()
		res := w.Run(ctx, owner)
		require.Equal(t, syncengine.OutcomeSuccess, res.Outcome, res.Error)
	}

	put(t, phoneStore, workouts, "w-1", `{"v":"a0"}`)
	run(phone)
	run(watch)
	require.Equal(t, int64(1), local(t, watchStore, "w-1").SyncVersion)

	put(t, phoneStore, workouts, "w-1", `{"v":"a1"}`)
	time.Sleep(5 * time.Millisecond)
	put(t, watchStore, workouts, "w-1", `{"v":"b1"}`)
	run(phone) // a1 accepted at v2
	run(watch) // b1 is later, wins and waits at v3

	b := local(t, watchStore, "w-1")
	require.Equal(t, syncengine.StatePending, b.SyncState)
	require.Equal(t, int64(3), b.SyncVersion)

	time.Sleep(5 * time.Millisecond)
	put(t, phoneStore, workouts, "w-1", `{"v":"a2"}`)
	run(phone) // a2 accepted at v3
	run(watch) // b1 at v3 is older than a2
	run(phone)

	stored, ok := remote.Get(owner, "w-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"a2"}`, string(stored.Payload))
	for name, store := range map[string]*sqlitestore.Store{"phone": phoneStore, "watch": watchStore} {
		rec := local(t, store, "w-1")
		assert.Equal(t, syncengine.StateSynced, rec.SyncState, name)
		assert.Equal(t, stored.SyncVersion, rec.SyncVersion, name)
		assert.JSONEq(t, `{"v":"a2"}`, string(rec.Payload), name)
	}
}
