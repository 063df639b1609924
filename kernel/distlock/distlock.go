// Package distlock provides a Redis-backed cross-process run lock, for
// deployments where more than one kernel process can attempt the same run
// (spec §4.1, §5: "only one in-process execution may hold the run lock" —
// this package extends that guarantee across process boundaries using
// Redis as the coordination point, the way the registry coordinates
// multi-node health checks through a shared Redis instance).
//
// storage.Store's own Lock is an in-process mutex: correct for a single
// kernel process, not for two kernelctl processes racing to resume the same
// run on different hosts. Locker closes that gap without requiring every
// deployment to run Redis — it is wired in only when a Redis client is
// configured.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

// unlockScript deletes the lock key only if it still holds the token this
// Locker wrote, so a process whose lease expired mid-step can never release
// a lock some other process has since acquired.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker acquires storage.Store's run lock through Redis SET NX PX, giving
// every kernel process in a fleet the same single-writer guarantee a lone
// process gets from an in-process mutex.
type Locker struct {
	rdb    *redis.Client
	prefix string
	lease  time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix sets the Redis key prefix locks are stored under. Defaults
// to "kernel:lock:".
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithLease sets how long a lock is held before it expires without a
// renewal, bounding how long a crashed holder can block a run. Defaults to
// 30s, matching the stall fuse's usual step cadence.
func WithLease(d time.Duration) Option {
	return func(l *Locker) { l.lease = d }
}

// New builds a Locker over an existing Redis client. The caller owns the
// client's lifecycle.
func New(rdb *redis.Client, opts ...Option) *Locker {
	l := &Locker{rdb: rdb, prefix: "kernel:lock:", lease: 30 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires runID's distributed lock, returning storage.ErrAlreadyLocked
// if another process currently holds it. The lease is renewed every half
// its duration by a background goroutine until release is called, so a live
// holder never loses its lock mid-step; a crashed holder's lock still
// expires within one lease period.
func (l *Locker) Lock(ctx context.Context, runID kernel.RunID) (release func(), err error) {
	key := l.prefix + string(runID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("distlock: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, storage.ErrAlreadyLocked
	}

	stop := make(chan struct{})
	go l.renewLoop(key, token, stop)

	release = func() {
		close(stop)
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.rdb.Eval(unlockCtx, unlockScript, []string{key}, token).Err(); err != nil {
			// Best effort: the lease's own expiry is the backstop if this
			// fails, so a failed explicit unlock only costs the remainder
			// of the lease, never an indefinitely stuck lock.
			_ = err
		}
	}
	return release, nil
}

func (l *Locker) renewLoop(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.lease/2)
			extended, err := l.rdb.Eval(ctx, renewScript, []string{key}, token, l.lease.Milliseconds()).Result()
			cancel()
			if err != nil || extended == int64(0) {
				return
			}
		}
	}
}

// renewScript extends the lock's TTL only while this holder's token is
// still current, the same compare-and-act pattern unlockScript uses.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// ErrUnavailable wraps a Redis connectivity failure distinguishably from
// ErrAlreadyLocked, so callers can decide whether to fail the run or fall
// back to in-process locking.
var ErrUnavailable = errors.New("distlock: redis unavailable")

// Ping verifies Redis connectivity, surfacing ErrUnavailable on failure so
// process startup can fail fast rather than discover it on the first run.
func (l *Locker) Ping(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
