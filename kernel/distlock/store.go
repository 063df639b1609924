package distlock

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

// lockedStore overrides storage.Store's Lock with a Locker's distributed
// lock, delegating every other method to the wrapped store unchanged.
type lockedStore struct {
	storage.Store
	locker *Locker
}

// WrapStore returns a storage.Store identical to base except Lock goes
// through locker, giving a fleet of kernel processes the same single-writer
// guarantee base's own in-process Lock gives a lone process. Pass the
// result anywhere a storage.Store is expected; nothing else needs to
// change.
func WrapStore(base storage.Store, locker *Locker) storage.Store {
	return lockedStore{Store: base, locker: locker}
}

func (s lockedStore) Lock(ctx context.Context, runID kernel.RunID) (func(), error) {
	return s.locker.Lock(ctx, runID)
}
