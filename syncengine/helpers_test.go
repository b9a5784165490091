package syncengine_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Valentin5643/Liftrix/internal/memremote"
	"github.com/Valentin5643/Liftrix/sqlitestore"
	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/stretchr/testify/require"
)

const owner = "lifter-1"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// testConfig is a validated config with fast retries.
func testConfig(t *testing.T, categories ...syncengine.Category) *syncengine.Config {
	t.Helper()
	cfg := syncengine.DefaultConfig(categories...)
	cfg.RunTimeout = 10 * time.Second
	cfg.Retry = syncengine.RetryConfig{MaxAttempts: 2, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	require.NoError(t, cfg.Validate())
	return cfg
}

func openStore(t *testing.T, deviceID string) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), deviceID+".db"), sqlitestore.Options{DeviceID: deviceID, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func put(t *testing.T, store *sqlitestore.Store, cat syncengine.Category, id, payload string) syncengine.Record {
	t.Helper()
	rec, err := store.Put(context.Background(), owner, cat, id, []byte(payload))
	require.NoError(t, err)
	return rec
}

func local(t *testing.T, store *sqlitestore.Store, id string) syncengine.Record {
	t.Helper()
	rec, err := store.GetLocal(context.Background(), owner, id)
	require.NoError(t, err)
	return rec
}

func newRemote(categories ...string) *memremote.Remote {
	return memremote.New(categories...)
}
