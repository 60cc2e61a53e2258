// Package scheduler implements the scheduler/worker component: a fixed
// pool of OS worker threads that run fibers cooperatively, distributing
// work with per-worker bounded-MPMC run queues and Lehmer-RNG victim
// selection (the "stealing bounded-MPMC" variant — see DESIGN.md's Open
// Questions for why this is the one compile-time variant wisp ships).
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/semaphore"

	"github.com/xtaci/wisp"
	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/fctx"
	"github.com/xtaci/wisp/internal/lehmer"
	"github.com/xtaci/wisp/internal/qsbr"
	"github.com/xtaci/wisp/internal/reactor"
	"github.com/xtaci/wisp/internal/runqueue"
	"github.com/xtaci/wisp/internal/timers"
)

// IOTarget is what a socket registers against a userData tag so the
// scheduler's poller dispatch loop can hand a readiness event back to
// it. internal/reactor carries at most one userData per fd (read and
// write registrations on the same fd share one epoll/kqueue entry), so
// userData is always an fd, never a waiter address, and a single fd's
// event may need to wake a read waiter, a write waiter, or both.
// OnEvent runs on the poller's own goroutine and is fully responsible
// for waking whichever of its own waiters the event concerns — dispatch
// does no generic wake on its behalf.
type IOTarget struct {
	OnEvent func(reactor.Event)
}

// Scheduler is the process-wide owner of a worker pool, its run queues,
// the shared reactor, and the shared timer set. Exactly one exists per
// independent fiber runtime instance.
type Scheduler struct {
	workers []*Worker

	numFibers     atomic.Int64
	numRunFibers  atomic.Int64
	numWaiting    atomic.Int64
	pollerWaiting atomic.Bool
	running       atomic.Bool
	terminated    atomic.Bool

	reactor  reactor.Reactor
	timers   *timers.Set
	qsbr     *qsbr.Reclaimer
	sem      *semaphore.Weighted
	fallback *runqueue.MSQueue[*fiber.Fiber]

	ioTargets sync.Map // uintptr -> *IOTarget

	logger wisp.Logger
}

// New builds a Scheduler per attr but starts no worker goroutines; call
// Run to start them.
func New(attr Attr) (*Scheduler, error) {
	numWorkers := attr.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
		if numWorkers < 1 {
			numWorkers = 1
		}
	}
	buckets := attr.TimerBuckets
	if buckets <= 0 {
		buckets = timers.NumBuckets
	}
	queueCap := attr.RunQueueCapacity
	if queueCap <= 0 {
		queueCap = defaultRunQueueCapacity
	}
	logger := attr.Logger
	if logger == nil {
		logger = wisp.NopLogger{}
	}

	r, err := reactor.New(buckets)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		reactor: r,
		qsbr:    qsbr.New(numWorkers),
		logger:  logger,
	}
	s.timers = timers.NewSet(buckets, func(bucket int, deadline time.Time, active bool) {
		if err := r.SetBucketTimeout(bucket, deadline, active); err != nil {
			s.logger.Printf("scheduler: rearm bucket %d: %v", bucket, err)
		}
	})

	pool := runqueue.NewNodePool[*fiber.Fiber]()
	s.fallback = runqueue.NewMSQueue[*fiber.Fiber](runqueue.NewNodeCache(pool, 64))

	// x/sync/semaphore.Weighted starts with its full weight available to
	// Acquire — the opposite of the OS counting semaphore this protocol
	// wants ("post to wake a sleeper", starting at 0). Draining the full
	// capacity once, synchronously, before any worker starts turns it
	// into that: Acquire(1) now blocks until something Release(n)s.
	s.sem = semaphore.NewWeighted(int64(numWorkers))
	if err := s.sem.Acquire(context.Background(), int64(numWorkers)); err != nil {
		return nil, err
	}

	s.workers = make([]*Worker, numWorkers)
	for i := range s.workers {
		s.workers[i] = &Worker{
			id:    i,
			sched: s,
			ctx:   fctx.New(),
			local: runqueue.NewBoundedMPMC[*fiber.Fiber](queueCap),
			rng:   lehmer.New(uint64(i)*2 + 1),
		}
	}
	return s, nil
}

// NumWorkers reports how many worker threads this scheduler runs.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// RegisterIOTarget makes userData (the socket's fd, by convention)
// resolvable by the poller dispatch loop. Used by the socket package.
func (s *Scheduler) RegisterIOTarget(userData uintptr, t *IOTarget) {
	s.ioTargets.Store(userData, t)
}

// DeregisterIOTarget removes a previously registered target.
func (s *Scheduler) DeregisterIOTarget(userData uintptr) {
	s.ioTargets.Delete(userData)
}

// Reactor exposes the scheduler's shared reactor to the socket package.
func (s *Scheduler) Reactor() reactor.Reactor { return s.reactor }

// QSBR exposes the scheduler's reclaimer to the socket package, which
// defers freeing connection state behind it.
func (s *Scheduler) QSBR() *qsbr.Reclaimer { return s.qsbr }

func (s *Scheduler) dispatch(events []reactor.Event) {
	for _, e := range events {
		if e.IsTimer {
			s.timers.Trigger(e.Bucket)
			continue
		}
		v, ok := s.ioTargets.Load(e.UserData)
		if !ok {
			continue
		}
		v.(*IOTarget).OnEvent(e)
	}
}

// Run starts every worker and blocks until no fibers remain anywhere in
// the scheduler. Seed fibers with fiber.Create before calling Run.
func (s *Scheduler) Run() {
	s.running.Store(true)
	var wg sync.WaitGroup
	wg.Add(len(s.workers))
	for _, w := range s.workers {
		w := w
		go func() {
			defer wg.Done()
			w.run()
		}()
	}
	wg.Wait()
	s.running.Store(false)
}

// Destroy releases the scheduler's reactor. Call only after Run returns.
func (s *Scheduler) Destroy() error {
	return s.reactor.Close()
}

// The fiber.Scheduler interface — satisfied structurally so that
// package fiber never imports package scheduler.

func (s *Scheduler) IncFibers()          { s.numFibers.Add(1) }
func (s *Scheduler) DecFibers()          { s.numFibers.Add(-1) }
func (s *Scheduler) IncRunFibers(n int)  { s.numRunFibers.Add(int64(n)) }
func (s *Scheduler) DecRunFibers(n int)  { s.numRunFibers.Add(int64(-n)) }
func (s *Scheduler) Timers() *timers.Set { return s.timers }
func (s *Scheduler) Running() bool       { return s.running.Load() }

// WakeSleepers implements fiber.Scheduler's "push N fibers, then wake
// min(N, num_waiting) sleepers" rule. The interrupt and the semaphore
// wake different workers: if the poller-waiter is among the k targets,
// Interrupt already accounts for it, and it must not also be counted
// against the semaphore release, or cur drifts positive with nothing
// left to consume it.
func (s *Scheduler) WakeSleepers(n int) {
	if n <= 0 {
		return
	}
	waiting := int(s.numWaiting.Load())
	if waiting <= 0 {
		return
	}
	k := n
	if k > waiting {
		k = waiting
	}
	if s.pollerWaiting.Load() {
		if err := s.reactor.Interrupt(); err != nil {
			s.logger.Printf("scheduler: interrupt: %v", err)
		}
		k--
	}
	if k > 0 {
		s.sem.Release(int64(k))
	}
}

// Seed pushes f onto worker 0's run queue, or the shared fallback queue
// if that's full or no workers exist yet. This is what fiber.Create uses
// to inject fibers before Run starts any worker loop.
func (s *Scheduler) Seed(f *fiber.Fiber) {
	if len(s.workers) > 0 && s.workers[0].local.Push(f) {
		return
	}
	s.fallback.Push(f)
}
