package distlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/distlock"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/storage/inmem"
)

func newTestLocker(t *testing.T, opts ...distlock.Option) *distlock.Locker {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return distlock.New(rdb, opts...)
}

func TestLock_SecondAcquireFailsUntilReleased(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	runID := kernel.RunID("run-1")

	release, err := locker.Lock(ctx, runID)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, runID)
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)

	release()

	release2, err := locker.Lock(ctx, runID)
	require.NoError(t, err)
	release2()
}

func TestLock_DifferentRunsDoNotContend(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	release1, err := locker.Lock(ctx, kernel.RunID("run-a"))
	require.NoError(t, err)
	defer release1()

	release2, err := locker.Lock(ctx, kernel.RunID("run-b"))
	require.NoError(t, err)
	defer release2()
}

func TestLock_ReleaseAllowsImmediateReacquire(t *testing.T) {
	locker := newTestLocker(t, distlock.WithLease(50*time.Millisecond))
	ctx := context.Background()
	runID := kernel.RunID("run-expiring")

	release, err := locker.Lock(ctx, runID)
	require.NoError(t, err)
	release()

	_, err = locker.Lock(ctx, runID)
	require.NoError(t, err)
}

func TestWrapStore_LockGoesThroughLockerButStateDelegates(t *testing.T) {
	locker := newTestLocker(t)
	store := distlock.WrapStore(inmem.New(), locker)
	ctx := context.Background()
	runID := kernel.RunID("run-1")

	state := kernel.EmptyRunState(runID, "flow-1")
	require.NoError(t, store.WriteState(ctx, runID, state))
	got, ok, err := store.ReadState(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.Status, got.Status)

	release, err := store.Lock(ctx, runID)
	require.NoError(t, err)
	_, err = store.Lock(ctx, runID)
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)
	release()
}
