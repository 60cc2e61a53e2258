// Package fiber implements the fiber/worker component: a cooperatively
// scheduled task with join/detach/exit semantics and the park/requeue
// primitives every blocking primitive in this module is built from.
//
// A fiber's "stack" is a real goroutine's stack: Create/Spawn start a
// goroutine that immediately parks on internal/fctx until a worker first
// switches into it, and every context switch becomes a two-channel
// rendezvous with whichever worker goroutine currently owns this fiber.
// Go has no goroutine-local storage, so every blocking primitive in this
// module takes the calling fiber's *Fiber explicitly, the same way
// context.Context is threaded through blocking stdlib calls — there is
// no implicit "current fiber".
package fiber

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/wisp"
	"github.com/xtaci/wisp/internal/fctx"
	"github.com/xtaci/wisp/internal/timers"
	"github.com/xtaci/wisp/internal/waiter"
	"github.com/xtaci/wisp/internal/waitqueue"
)

type flag uint32

const (
	flagJoinable flag = 1 << iota
	flagJoining
	flagDead
)

// Worker is the capability a Fiber needs from whichever worker goroutine
// currently owns it: a context to switch into and a way to push a fiber
// back onto its run queue.
type Worker interface {
	Ctx() *fctx.Context
	Enqueue(f *Fiber)
}

// Scheduler is the capability a Fiber needs from the scheduler it belongs
// to: the process-wide counters lifecycle events adjust and the shared
// timer set deadline-based parks register with.
type Scheduler interface {
	IncFibers()
	DecFibers()
	IncRunFibers(n int)
	DecRunFibers(n int)
	WakeSleepers(n int)
	Timers() *timers.Set
	// Running reports whether the scheduler has already started its
	// worker loops. Create refuses a running scheduler: a fiber seeded
	// this way has no worker to be scheduled onto directly and must be
	// safe to hand to Seed before any worker exists.
	Running() bool
	// Seed pushes f onto the scheduler's fallback/global queue. Unlike
	// Worker.Enqueue, this does not require the caller to already be
	// executing as one of the scheduler's own workers, which is what
	// lets package-level Create inject a fiber before Run starts.
	Seed(f *Fiber)
}

// Fiber is a suspended or running task. Exactly one goroutine backs it for
// its entire lifetime, from Create/Spawn until Exit.
type Fiber struct {
	ctx   *fctx.Context
	start func(f *Fiber) any
	sched Scheduler

	// worker is the worker currently responsible for resuming this
	// fiber. It is set by Resume immediately before switching in and
	// read only while this fiber's own goroutine is running (by the
	// time any other goroutine could change it, this one is parked and
	// not reading it), so it needs no lock.
	worker Worker

	mu          sync.Mutex
	flags       flag
	returnValue any
	joinQ       waitqueue.Queue

	refcount atomic.Int32
}

func validateAttr(attr Attr) error {
	page := uintptr(os.Getpagesize())
	if attr.StackSize != 0 && attr.StackSize%page != 0 {
		return wisp.ErrInvalidArgument
	}
	if attr.GuardSize != 0 && attr.GuardSize%page != 0 {
		return wisp.ErrInvalidArgument
	}
	return nil
}

func build(sched Scheduler, attr Attr, start func(f *Fiber) any) *Fiber {
	f := &Fiber{ctx: fctx.New(), start: start, sched: sched}
	if attr.Detached {
		f.refcount.Store(1)
	} else {
		f.flags = flagJoinable
		f.refcount.Store(2)
	}
	sched.IncFibers()
	sched.IncRunFibers(1)
	go f.trampoline()
	return f
}

func (f *Fiber) trampoline() {
	f.ctx.Resume()
	result := f.start(f)
	f.Exit(result)
}

// Create starts a new, always-detached fiber directly on sched, bypassing
// any currently running fiber's own worker queue. It is the bootstrap
// entry point used to seed a scheduler before Run, for when target_sched
// is supplied explicitly rather than inferred from a calling fiber — it
// must be detached, since nothing can ever Join a fiber seeded this way
// from outside its own scheduler.
func Create(sched Scheduler, attr Attr, start func(f *Fiber) any) (*Fiber, error) {
	if err := validateAttr(attr); err != nil {
		return nil, err
	}
	if !attr.Detached {
		return nil, wisp.ErrInvalidArgument
	}
	if sched.Running() {
		return nil, wisp.ErrInvalidArgument
	}
	f := build(sched, attr, start)
	sched.Seed(f)
	return f, nil
}

// Spawn starts a new fiber in the caller's own scheduler, scheduled
// directly onto the caller's current worker run queue. This is the
// fiber_create(null, ...) fast path — the caller is already running as
// a fiber, so its scheduler and worker are known without any lookup.
// attr.Detached may be false; the common case is a joinable child.
func (caller *Fiber) Spawn(attr Attr, start func(f *Fiber) any) (*Fiber, error) {
	if err := validateAttr(attr); err != nil {
		return nil, err
	}
	f := build(caller.sched, attr, start)
	caller.worker.Enqueue(f)
	return f, nil
}

// Resume switches w's goroutine into f, running on w until f next parks,
// yields, or exits. The scheduler calls this immediately after popping f
// off a run queue.
func (f *Fiber) Resume(w Worker) {
	f.worker = w
	fctx.Switch(w.Ctx(), f.ctx)
}

// Yield gives up the remainder of f's turn, decrementing the scheduler's
// runnable count and re-enqueuing f onto its current worker before
// control returns to that worker's scheduling loop.
func (f *Fiber) Yield() {
	f.sched.DecRunFibers(1)
	w := f.worker
	fctx.SwitchAndCall(f.ctx, w.Ctx(), func() {
		f.sched.IncRunFibers(1)
		w.Enqueue(f)
	})
}

// Exit terminates the calling fiber with result, wakes any fiber blocked
// in Join, and releases this fiber's own reference. It never returns.
func (f *Fiber) Exit(result any) {
	f.mu.Lock()
	f.returnValue = result
	f.flags |= flagDead
	f.mu.Unlock()

	waitqueue.Wake(&f.joinQ, f, -1, nil)

	sched, w := f.sched, f.worker
	sched.DecRunFibers(1)
	fctx.SwitchAndCall(f.ctx, w.Ctx(), func() {
		f.release()
	})
	panic("fiber: resumed after exit")
}

func (f *Fiber) release() {
	if f.refcount.Add(-1) == 0 {
		f.sched.DecFibers()
	}
}

// Join blocks caller until f exits, then returns the value f.Exit was
// called with. It is legal only from another fiber in the same
// scheduler as f, only on a joinable fiber, and only once.
func (f *Fiber) Join(caller *Fiber) (any, error) {
	if caller == nil || caller.sched != f.sched {
		return nil, wisp.ErrInvalidArgument
	}

	f.mu.Lock()
	if f.flags&flagJoinable == 0 || f.flags&flagJoining != 0 {
		f.mu.Unlock()
		return nil, wisp.ErrInvalidArgument
	}
	f.flags |= flagJoining
	if f.flags&flagDead != 0 {
		result := f.returnValue
		f.mu.Unlock()
		f.release()
		return result, nil
	}
	f.mu.Unlock()

	err := f.joinQ.Wait(caller, time.Time{}, func() bool {
		f.mu.Lock()
		dead := f.flags&flagDead != 0
		f.mu.Unlock()
		return !dead
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	result := f.returnValue
	f.mu.Unlock()
	f.release()
	return result, nil
}

// Detach releases caller's (the handle-holder's) claim to Join f. f's
// resources are then released as soon as it exits, with no Join call
// ever required or permitted afterwards. Legal only from another fiber
// in the same scheduler as f, and only on a joinable fiber not already
// being joined.
func (f *Fiber) Detach(caller *Fiber) error {
	if caller == nil || caller.sched != f.sched {
		return wisp.ErrInvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&flagJoinable == 0 || f.flags&flagJoining != 0 {
		return wisp.ErrInvalidArgument
	}
	f.flags &^= flagJoinable
	f.release()
	return nil
}

// SwitchAway implements ilock.Park: it decrements the scheduler's
// runnable count (f is no longer runnable once this returns to its
// caller) and switches to f's worker, running post there once the
// switch commits.
func (f *Fiber) SwitchAway(post func()) {
	f.sched.DecRunFibers(1)
	fctx.SwitchAndCall(f.ctx, f.worker.Ctx(), post)
}

// Requeue implements ilock.Park and waitqueue.Parker: it makes f
// runnable again, incrementing the scheduler's runnable count, pushing f
// back onto its worker's run queue, and waking a sleeping worker thread
// if one was parked waiting for work.
func (f *Fiber) Requeue() {
	f.sched.IncRunFibers(1)
	f.worker.Enqueue(f)
	f.sched.WakeSleepers(1)
}

// Park implements waitqueue.Parker's indefinite wait: arm w, switch
// away, and on resume report why.
func (f *Fiber) Park(w *waiter.Waiter) waiter.Reason {
	w.ArmPost()
	f.SwitchAway(func() {
		w.EnableWakeUps(func(waiter.Reason) { f.Requeue() })
	})
	return w.WakeReason()
}

// ParkUntil implements waitqueue.Parker's deadline wait by racing w
// against the scheduler's shared timer set (a timed_wait),
// retrying the whole park on the timer set's spurious-wake outcome.
func (f *Fiber) ParkUntil(w *waiter.Waiter, deadline time.Time) (waiter.Reason, error) {
	for {
		reason, err := f.sched.Timers().Wait(w, f.Requeue, deadline, func() waiter.Reason {
			return f.Park(w)
		})
		switch err {
		case nil:
			return reason, nil
		case timers.ErrAgain:
			continue
		case timers.ErrTimedOut:
			return reason, wisp.ErrTimedOut
		default:
			return reason, err
		}
	}
}

// SleepUntil parks f until the monotonic clock reaches deadline, never
// returning earlier. sleep_for/sleep_until are declared but left
// unimplemented by the source material; this builds them directly on
// ParkUntil's timed_wait using a waiter no other code ever touches, so
// the only way it resumes is the deadline firing.
func (f *Fiber) SleepUntil(deadline time.Time) {
	var w waiter.Waiter
	w.Reset()
	if _, err := f.ParkUntil(&w, deadline); err != nil && err != wisp.ErrTimedOut {
		panic("fiber: sleep woke for a reason other than its own deadline: " + err.Error())
	}
}

// Sleep parks f for at least d.
func (f *Fiber) Sleep(d time.Duration) {
	f.SleepUntil(time.Now().Add(d))
}
