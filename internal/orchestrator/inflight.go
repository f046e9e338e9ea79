package orchestrator

import "sync"

// inflight gives "at most one active operation" semantics for a single,
// unkeyed operation (a scan, a check-all): a second caller while one is
// running gets the same handle back rather than starting a duplicate,
// mirroring the teacher's core.Base bookkeeping that guards upgradedPkgs
// against concurrent double-processing, generalized from a map-guarded set
// to a reusable non-blocking future. Commands that trigger one of these
// return immediately with the run id; completion is observed through the
// event bus, not through this type's return values.
type inflight struct {
	mu   sync.Mutex
	id   string
	busy bool
}

// start launches fn in its own goroutine under newID if nothing is already
// running, or reports the id of the run already in flight. started is true
// only when the caller's newID is the one that actually began running.
func (f *inflight) start(newID string, fn func()) (runID string, started bool) {
	f.mu.Lock()
	if f.busy {
		runID = f.id
		f.mu.Unlock()
		return runID, false
	}
	f.id = newID
	f.busy = true
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			f.busy = false
			f.mu.Unlock()
		}()
		fn()
	}()

	return newID, true
}

// active reports the id of a currently-running operation, if any.
func (f *inflight) active() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.busy
}
