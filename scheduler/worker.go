package scheduler

import (
	"context"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/fctx"
	"github.com/xtaci/wisp/internal/lehmer"
	"github.com/xtaci/wisp/internal/reactor"
	"github.com/xtaci/wisp/internal/runqueue"
)

// stealCount bounds how many fibers a worker moves from a victim's local
// queue into its own per steal attempt (step 5's STEAL_COUNT).
const stealCount = 32

// maxPollEvents bounds a single poller_check/poller_wait batch.
const maxPollEvents = 256

// Worker is one OS thread's slice of scheduler state: its own bounded
// run queue, its own fctx.Context to switch fibers through, and its own
// Lehmer RNG seed for victim selection. Exactly one goroutine ever runs
// a Worker's loop.
type Worker struct {
	id            int
	sched         *Scheduler
	ctx           *fctx.Context
	local         *runqueue.BoundedMPMC[*fiber.Fiber]
	rng           *lehmer.RNG
	pollerBackoff int
}

// Ctx implements fiber.Worker.
func (w *Worker) Ctx() *fctx.Context { return w.ctx }

// Enqueue implements fiber.Worker: push onto this worker's own queue,
// spilling into the scheduler's shared fallback queue on overflow.
func (w *Worker) Enqueue(f *fiber.Fiber) {
	if w.local.Push(f) {
		return
	}
	w.sched.fallback.Push(f)
}

// run is the worker's main loop: countdown, local-queue pop, poller
// check plus fallback drain, steal, terminate, park — numbered below as
// steps 1-7, with every "go to step N" rendered as either a plain
// `continue` (back to the top, step 1) or a fallthrough to the next
// block in sequence.
func (w *Worker) run() {
	s := w.sched
	w.pollerBackoff = int(s.numRunFibers.Load())
	if w.pollerBackoff <= 0 {
		w.pollerBackoff = 1
	}

	for {
		// Step 1: countdown.
		w.pollerBackoff--
		if w.pollerBackoff > 0 {
			// Step 2: pop the local queue.
			if f, ok := w.local.Pop(); ok {
				w.resume(f) // step 3: on return, loop back to step 1.
				continue
			}
			// Local queue was empty before backoff hit zero: fall
			// through early to the same place backoff hitting zero
			// would have reached.
		}

		// Step 4: non-blocking poller check, fallback drain, backoff
		// reset.
		w.pollerCheck()
		w.drainFallback()
		w.pollerBackoff = int(s.numRunFibers.Load())
		if w.pollerBackoff <= 0 {
			w.pollerBackoff = 1
		}
		if f, ok := w.local.Pop(); ok {
			w.resume(f)
			continue
		}

		// Step 5: steal.
		if f := w.steal(); f != nil {
			w.resume(f)
			continue
		}

		// Step 6: termination check.
		if s.numFibers.Load() == 0 {
			s.terminate()
			return
		}

		// Step 7: park.
		w.park()
	}
}

func (w *Worker) resume(f *fiber.Fiber) {
	f.Resume(w)
	// Natural quiescent point: w holds no references into any
	// lock-free structure or in-flight reactor event between resuming
	// one fiber and picking the next.
	w.sched.qsbr.Quiescent(w.id)
}

func (w *Worker) pollerCheck() {
	var buf [maxPollEvents]reactor.Event
	n, err := w.sched.reactor.Check(buf[:])
	if err != nil {
		return
	}
	w.sched.dispatch(buf[:n])
}

// drainFallback moves fibers from the scheduler's shared overflow queue
// into this worker's local queue while there is room.
func (w *Worker) drainFallback() {
	for {
		f, ok := w.sched.fallback.Pop()
		if !ok {
			return
		}
		if !w.local.Push(f) {
			// No room: put it back and stop: another worker's drain (or
			// this one's next pass) will pick it up.
			w.sched.fallback.Push(f)
			return
		}
	}
}

// steal picks a random victim and moves up to stealCount of its fibers
// into this worker's local queue, returning the first one to run
// immediately.
func (w *Worker) steal() *fiber.Fiber {
	workers := w.sched.workers
	n := len(workers)
	if n <= 1 {
		return nil
	}
	start := w.rng.Intn(n)
	for i := 0; i < n; i++ {
		victim := workers[(start+i)%n]
		if victim == w {
			continue
		}
		var first *fiber.Fiber
		for stolen := 0; stolen < stealCount; stolen++ {
			f, ok := victim.local.Pop()
			if !ok {
				break
			}
			if first == nil {
				first = f
				continue
			}
			if !w.local.Push(f) {
				w.sched.fallback.Push(f)
			}
		}
		if first != nil {
			return first
		}
	}
	return nil
}

// terminate propagates shutdown: interrupt the poller once, then post
// the semaphore enough times to release every worker parked in step 7,
// including ones sleeping on the semaphore rather than the poller
// itself. Every worker that observes numFibers==0 calls terminate, and
// the workers it wakes loop back and observe the same zero count, so
// this must run its body exactly once — the CAS below makes every call
// after the first a no-op.
func (s *Scheduler) terminate() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	if err := s.reactor.Interrupt(); err != nil {
		s.logger.Printf("scheduler: terminate interrupt: %v", err)
	}
	s.sem.Release(int64(len(s.workers)))
}

// park implements step 7: exactly one worker (whichever wins the CAS)
// performs the blocking poller_wait; every other worker sleeps on the
// shared semaphore until posted.
func (w *Worker) park() {
	s := w.sched
	s.numWaiting.Add(1)
	defer s.numWaiting.Add(-1)

	if s.pollerWaiting.CompareAndSwap(false, true) {
		defer s.pollerWaiting.Store(false)
		var buf [maxPollEvents]reactor.Event
		n, err := s.reactor.Wait(buf[:])
		if err == nil {
			s.dispatch(buf[:n])
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.sem.Acquire(ctx, 1)
}
