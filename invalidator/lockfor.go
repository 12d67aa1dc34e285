package invalidator

import (
	"context"
	"time"

	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
)

// safetyTimeout bounds how long a lock can outlive its context in the
// case a host never cancels it (spec §9's second Open Question: a crashed
// lock holder must not wedge an entry shut forever).
const safetyTimeout = 5 * time.Minute

// LockForDuration locks every key in keys and guarantees each is unlocked
// exactly once, either when ctx is done or after safetyTimeout elapses,
// whichever comes first. It is the answer to spec §9's locker-timeout
// Open Question: rather than trusting every caller to pair Lock with
// Unlock by hand, the core ties the pairing to a context's lifetime.
func LockForDuration(ctx context.Context, table *entrytable.Table, keys []fingerprint.CacheKey) {
	locked := make([]fingerprint.CacheKey, 0, len(keys))
	for _, k := range keys {
		if table.Lock(k) {
			locked = append(locked, k)
		}
	}
	if len(locked) == 0 {
		return
	}

	go func() {
		timer := time.NewTimer(safetyTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		for _, k := range locked {
			table.Unlock(k)
		}
	}()
}
