package syncserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestService starts PostgreSQL in a container and returns a service on it.
// The test is skipped in -short mode or when no container runtime is available.
func newTestService(t *testing.T, cfg *ServiceConfig) *Service {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("liftrix_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg.LogStageTimings = true

	svc, err := NewService(pool, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func wire(id string, base int64, payload string) WireRecord {
	return WireRecord{ID: id, Category: "sets", Payload: []byte(payload), LastModified: time.Now().UnixMilli(), SyncVersion: base}
}

func TestService_PushPullRoundTrip(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig("sets", "workouts"))
	ctx := context.Background()
	owner := "lifter-" + uuid.NewString()

	require.NoError(t, svc.Ping(ctx))

	resp, err := svc.Push(ctx, owner, "phone", &PushRequest{Category: "sets", Records: []WireRecord{
		wire("s-1", 0, `{"reps":5}`),
		wire("s-2", 0, `{"reps":8}`),
		wire("s-3", 0, `not json`),
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, StAccepted, resp.Results[0].Status)
	assert.Equal(t, int64(1), resp.Results[0].NewVersion)
	assert.Equal(t, StAccepted, resp.Results[1].Status)
	assert.Equal(t, ReasonInvalidPayload, resp.Results[2].Reason)

	page, err := svc.Pull(ctx, owner, "sets", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "s-1", page.Records[0].ID)
	assert.Equal(t, "phone", page.Records[0].OriginID)
	assert.Equal(t, int64(2), page.Next)
	assert.False(t, page.HasMore)

	empty, err := svc.Pull(ctx, owner, "sets", page.Next, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Records)
	assert.Equal(t, page.Next, empty.Next)
}

func TestService_VersionMismatchAndReplay(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig("sets"))
	ctx := context.Background()
	owner := "lifter-" + uuid.NewString()

	first := wire("s-1", 0, `{"reps":5}`)
	first.OriginID = "phone"
	_, err := svc.Push(ctx, owner, "phone", &PushRequest{Category: "sets", Records: []WireRecord{first}})
	require.NoError(t, err)

	// replay of the same push is accepted without a new version
	resp, err := svc.Push(ctx, owner, "phone", &PushRequest{Category: "sets", Records: []WireRecord{first}})
	require.NoError(t, err)
	assert.Equal(t, StAccepted, resp.Results[0].Status)
	assert.Equal(t, int64(1), resp.Results[0].NewVersion)

	// the watch pushes its edit on top of version 1
	edit := wire("s-1", 1, `{"reps":6}`)
	resp, err = svc.Push(ctx, owner, "watch", &PushRequest{Category: "sets", Records: []WireRecord{edit}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Results[0].NewVersion)

	// the phone is still on version 0 for a different edit
	stale := wire("s-1", 0, `{"reps":7}`)
	resp, err = svc.Push(ctx, owner, "phone", &PushRequest{Category: "sets", Records: []WireRecord{stale}})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.Equal(t, StRejected, res.Status)
	assert.Equal(t, ReasonVersionMismatch, res.Reason)
	require.NotNil(t, res.Remote)
	assert.Equal(t, int64(2), res.Remote.SyncVersion)
	assert.Equal(t, "watch", res.Remote.OriginID)
	assert.JSONEq(t, `{"reps":6}`, string(res.Remote.Payload))

	// pull only shows the latest version, once
	page, err := svc.Pull(ctx, owner, "sets", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(2), page.Records[0].SyncVersion)
}

func TestService_PagingAndOwnerIsolation(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig("sets"))
	ctx := context.Background()
	alice := "lifter-" + uuid.NewString()
	bob := "lifter-" + uuid.NewString()

	var recs []WireRecord
	for i := 0; i < 25; i++ {
		recs = append(recs, wire(fmt.Sprintf("s-%02d", i), 0, `{}`))
	}
	_, err := svc.Push(ctx, alice, "phone", &PushRequest{Category: "sets", Records: recs})
	require.NoError(t, err)
	_, err = svc.Push(ctx, bob, "phone", &PushRequest{Category: "sets", Records: recs[:3]})
	require.NoError(t, err)

	var got []string
	since := int64(0)
	pages := 0
	for {
		page, err := svc.Pull(ctx, alice, "sets", since, 10)
		require.NoError(t, err)
		pages++
		for _, r := range page.Records {
			got = append(got, r.ID)
		}
		since = page.Next
		if !page.HasMore {
			break
		}
	}
	assert.Len(t, got, 25)
	assert.Equal(t, 3, pages)

	page, err := svc.Pull(ctx, bob, "sets", 0, 100)
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
}

func TestService_EnvelopeErrors(t *testing.T) {
	cfg := DefaultServiceConfig("sets")
	cfg.MaxPushBatchSize = 2
	cfg.MaxPayloadBytes = 16
	svc := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Push(ctx, "o", "d", &PushRequest{Category: "meals"})
	assert.ErrorIs(t, err, ErrUnregisteredCategory)
	_, err = svc.Push(ctx, "o", "d", &PushRequest{Category: "sets", Records: make([]WireRecord, 3)})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	_, err = svc.Pull(ctx, "", "sets", 0, 10)
	assert.ErrorIs(t, err, ErrNoOwner)

	resp, err := svc.Push(ctx, "o", "d", &PushRequest{Category: "sets", Records: []WireRecord{wire("big", 0, `{"padding":"0123456789"}`)}})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidPayload, resp.Results[0].Reason)
	assert.Contains(t, resp.Results[0].Message, "payload too large")

	require.NoError(t, svc.Close())
	_, err = svc.Pull(ctx, "o", "sets", 0, 10)
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestService_PushReportsLockTimeoutFailure(t *testing.T) {
	cfg := DefaultServiceConfig("sets")
	cfg.LockTimeout = -time.Second
	svc := newTestService(t, cfg)
	ctx := context.Background()
	owner := "lifter-" + uuid.NewString()

	_, err := svc.Push(ctx, owner, "phone", &PushRequest{Category: "sets", Records: []WireRecord{wire("s-1", 0, `{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set lock timeout")

	page, err := svc.Pull(ctx, owner, "sets", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records, "nothing is written when the transaction setup fails")
}

// Concurrent pushes of one owner receive distinct, gap-free sequence numbers.
func TestService_ConcurrentPushesKeepSequenceOrder(t *testing.T) {
	svc := newTestService(t, DefaultServiceConfig("sets"))
	ctx := context.Background()
	owner := "lifter-" + uuid.NewString()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			recs := []WireRecord{wire(fmt.Sprintf("d%d-a", d), 0, `{}`), wire(fmt.Sprintf("d%d-b", d), 0, `{}`)}
			if _, err := svc.Push(ctx, owner, fmt.Sprintf("device-%d", d), &PushRequest{Category: "sets", Records: recs}); err != nil {
				errs <- err
			}
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	page, err := svc.Pull(ctx, owner, "sets", 0, 100)
	require.NoError(t, err)
	assert.Len(t, page.Records, 16)
	assert.Equal(t, int64(16), page.Next)
}
