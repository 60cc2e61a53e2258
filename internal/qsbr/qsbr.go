// Package qsbr implements quiescent-state-based reclamation: memory freed
// while other workers might still hold a reference to it is deferred into
// one of two generations, and only released once every worker has reported
// at least one quiescent point since the generation was sealed. In this
// module the socket package uses it to defer closing a file descriptor
// until no worker can still be acting on it; the reactor and the
// lock-free queues do not use it.
package qsbr

import (
	"sync"
	"sync/atomic"
)

// Reclaimer defers frees across a configurable number of worker slots. A
// single-worker Reclaimer (numWorkers == 1) bypasses the generation
// machinery entirely and frees immediately, since there is no other
// worker whose in-flight access needs to be waited out.
type Reclaimer struct {
	numWorkers int

	mu       sync.Mutex
	epoch    uint64
	toFree1  []func()
	toFree2  []func()
	reported []bool // per-worker, has this worker reported quiescence this epoch
	pending  int    // workers that haven't yet reported
}

// New returns a Reclaimer for numWorkers cooperating workers.
func New(numWorkers int) *Reclaimer {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Reclaimer{
		numWorkers: numWorkers,
		reported:   make([]bool, numWorkers),
		pending:    numWorkers,
	}
}

// Free schedules fn to run once every worker has passed through at least
// one quiescent state after this call. fn must not block and must not
// itself call Free or Quiescent reentrantly on the same Reclaimer from
// the same goroutine while holding external locks the cleanup needs.
func (r *Reclaimer) Free(fn func()) {
	if r.numWorkers == 1 {
		fn()
		return
	}
	r.mu.Lock()
	r.toFree2 = append(r.toFree2, fn)
	r.mu.Unlock()
}

// Quiescent reports that worker id has reached a point with no
// outstanding references to reclaimable memory (e.g. between scheduling a
// fiber and resuming the next one). Once every worker has reported since
// the current epoch was sealed, the oldest generation's frees run and the
// epoch advances.
func (r *Reclaimer) Quiescent(id int) {
	if r.numWorkers == 1 {
		return
	}
	r.mu.Lock()
	if r.reported[id] {
		r.mu.Unlock()
		return
	}
	r.reported[id] = true
	r.pending--
	if r.pending > 0 {
		r.mu.Unlock()
		return
	}

	// Every worker has reported: the epoch rolls over. toFree1 (sealed a
	// full epoch ago, so provably unreferenced) is freed now; toFree2
	// becomes the new toFree1 and starts accumulating fresh entries.
	ready := r.toFree1
	r.toFree1 = r.toFree2
	r.toFree2 = nil
	for i := range r.reported {
		r.reported[i] = false
	}
	r.pending = r.numWorkers
	atomic.AddUint64(&r.epoch, 1)
	r.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// Epoch returns the current generation counter, useful only for tests and
// diagnostics.
func (r *Reclaimer) Epoch() uint64 {
	return atomic.LoadUint64(&r.epoch)
}
