package executors

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BundleLocks enforces spec §4.5's "at most one active execution per
// bundle_id" rule, generalizing the teacher's core.Base.upgradedPkgs
// single-pass bookkeeping (which only needed to track "already handled
// this run") to a real mutual-exclusion lock held for an entire Execute
// call, since two concurrent triggers for the same app are now possible
// (a user click racing a bulk queue entry).
type BundleLocks struct {
	mu      sync.Mutex
	locked  map[string]bool
}

// NewBundleLocks constructs an empty lock set.
func NewBundleLocks() *BundleLocks {
	return &BundleLocks{locked: make(map[string]bool)}
}

// TryLock acquires the lock for bundleID, returning false if another
// execution already holds it.
func (b *BundleLocks) TryLock(bundleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked[bundleID] {
		return false
	}
	b.locked[bundleID] = true
	return true
}

// Unlock releases bundleID's lock.
func (b *BundleLocks) Unlock(bundleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locked, bundleID)
}

// ErrAlreadyExecuting is returned by BulkQueue/Execute callers that find a
// bundle_id already locked.
type ErrAlreadyExecuting struct{ BundleID string }

func (e *ErrAlreadyExecuting) Error() string {
	return fmt.Sprintf("an execution is already in progress for %s", e.BundleID)
}

// BulkQueue drains a list of bundle ids with bounded parallelism (default
// 2, per spec §4.5), skipping any bundle_id whose lock is already held
// rather than blocking the whole batch on it.
type BulkQueue struct {
	Locks       *BundleLocks
	Parallelism int64
}

// NewBulkQueue builds a BulkQueue with the given parallelism (<=0 falls
// back to 2, spec §4.5's default).
func NewBulkQueue(locks *BundleLocks, parallelism int64) *BulkQueue {
	if parallelism <= 0 {
		parallelism = 2
	}
	return &BulkQueue{Locks: locks, Parallelism: parallelism}
}

// Run executes work(bundleID) for every id with bounded parallelism. A
// bundle_id already locked elsewhere is skipped (reported via onSkipped)
// rather than queued behind the lock, matching spec §4.5's "at most one
// active execution per bundle_id" (a queued wait would silently violate
// the bulk call's own concurrency bound if enough ids collided).
func (q *BulkQueue) Run(ctx context.Context, bundleIDs []string, work func(ctx context.Context, bundleID string), onSkipped func(bundleID string)) {
	sem := semaphore.NewWeighted(q.Parallelism)
	var wg sync.WaitGroup

	for _, id := range bundleIDs {
		id := id
		if !q.Locks.TryLock(id) {
			if onSkipped != nil {
				onSkipped(id)
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			q.Locks.Unlock(id)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer q.Locks.Unlock(id)
			work(ctx, id)
		}()
	}
	wg.Wait()
}
