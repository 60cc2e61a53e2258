package sync_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/wisp"
	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/fctx"
	"github.com/xtaci/wisp/internal/timers"
	wsync "github.com/xtaci/wisp/sync"
)

// testWorker/testScheduler mirror the fiber package's own harness: a
// single worker goroutine draining a FIFO channel, enough to run several
// fibers with deterministic interleaving.
type testWorker struct {
	ctx   *fctx.Context
	queue chan *fiber.Fiber
}

func (w *testWorker) Ctx() *fctx.Context     { return w.ctx }
func (w *testWorker) Enqueue(f *fiber.Fiber) { w.queue <- f }
func (w *testWorker) run() {
	for f := range w.queue {
		f.Resume(w)
	}
}

type testScheduler struct {
	numFibers    atomic.Int32
	numRunFibers atomic.Int32
	running      atomic.Bool
	timers       *timers.Set
	worker       *testWorker
}

func newTestScheduler() *testScheduler {
	s := &testScheduler{worker: &testWorker{ctx: fctx.New(), queue: make(chan *fiber.Fiber, 256)}}
	s.timers = timers.NewSet(4, func(bucket int, deadline time.Time, active bool) {
		if !active {
			return
		}
		time.AfterFunc(time.Until(deadline), func() { s.timers.Trigger(bucket) })
	})
	s.running.Store(true)
	go s.worker.run()
	return s
}

func (s *testScheduler) IncFibers()          { s.numFibers.Add(1) }
func (s *testScheduler) DecFibers()          { s.numFibers.Add(-1) }
func (s *testScheduler) IncRunFibers(n int)  { s.numRunFibers.Add(int32(n)) }
func (s *testScheduler) DecRunFibers(n int)  { s.numRunFibers.Add(int32(-n)) }
func (s *testScheduler) WakeSleepers(int)    {}
func (s *testScheduler) Timers() *timers.Set { return s.timers }
func (s *testScheduler) Running() bool       { return s.running.Load() }
func (s *testScheduler) Seed(f *fiber.Fiber) { s.worker.Enqueue(f) }

// Mutex stress, single worker: many fibers each increment a shared
// counter repeatedly under a Mutex. A single worker serializes actual
// execution and no fiber yields while holding the mutex, so every
// Lock/Unlock takes the uncontended fast path; the counter must land
// exactly on fibers*incrementsEach.
func TestMutexStress(t *testing.T) {
	sched := newTestScheduler()
	const fibers = 8
	const incrementsEach = 200

	var m wsync.Mutex
	counter := 0
	doneCh := make(chan struct{}, fibers)

	for i := 0; i < fibers; i++ {
		_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
			for j := 0; j < incrementsEach; j++ {
				require.NoError(t, m.Lock(f))
				counter++
				m.Unlock(f)
			}
			doneCh <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < fibers; i++ {
		select {
		case <-doneCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for fiber completion")
		}
	}
	require.Equal(t, fibers*incrementsEach, counter)
}

func TestMutexTryLock(t *testing.T) {
	var m wsync.Mutex
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
}

// A minimal smoke test for the ready-flag handshake shape, ahead of the
// fuller manager/worker handshake in TestConditionVariableManagerWorker
// below.
func TestCondHandshake(t *testing.T) {
	sched := newTestScheduler()
	var m wsync.Mutex
	var c wsync.Cond
	ready := false
	resultCh := make(chan string, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		require.NoError(t, m.Lock(f))
		for !ready {
			require.NoError(t, c.Wait(f, &m))
		}
		m.Unlock(f)
		resultCh <- "woke"
		return nil
	})
	require.NoError(t, err)

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		require.NoError(t, m.Lock(f))
		ready = true
		m.Unlock(f)
		c.Notify(f)
		return nil
	})
	require.NoError(t, err)

	select {
	case v := <-resultCh:
		require.Equal(t, "woke", v)
	case <-time.After(2 * time.Second):
		t.Fatal("condition wait never woke up")
	}
}

// The manager/worker handshake: the manager sets data and ready,
// notifies; the worker waits for ready, appends to data, sets
// processed, notifies; the manager waits for processed and observes
// the fully processed string.
func TestConditionVariableManagerWorker(t *testing.T) {
	sched := newTestScheduler()
	var m wsync.Mutex
	var cv wsync.Cond
	var data string
	ready := false
	processed := false
	resultCh := make(chan string, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		require.NoError(t, m.Lock(f))
		for !ready {
			require.NoError(t, cv.Wait(f, &m))
		}
		data += " after processing"
		processed = true
		m.Unlock(f)
		cv.Notify(f)
		return nil
	})
	require.NoError(t, err)

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		data = "example"

		require.NoError(t, m.Lock(f))
		ready = true
		m.Unlock(f)
		cv.Notify(f)

		require.NoError(t, m.Lock(f))
		for !processed {
			require.NoError(t, cv.Wait(f, &m))
		}
		result := data
		m.Unlock(f)
		resultCh <- result
		return nil
	})
	require.NoError(t, err)

	select {
	case got := <-resultCh:
		require.Equal(t, "example after processing", got)
	case <-time.After(2 * time.Second):
		t.Fatal("manager/worker handshake never completed")
	}
}

func TestCondWaitUntilTimesOut(t *testing.T) {
	sched := newTestScheduler()
	var m wsync.Mutex
	var c wsync.Cond
	resultCh := make(chan error, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		require.NoError(t, m.Lock(f))
		err := c.WaitUntil(f, &m, time.Now().Add(30*time.Millisecond))
		resultCh <- err
		// Per contract, WaitUntil re-acquires m before returning even on
		// timeout, so a concurrent TryLock must see it still held.
		require.False(t, m.TryLock(), "m should already be held by this fiber")
		m.Unlock(f)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, wisp.ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

// A semaphore with timeouts: a semaphore starting at zero times out a
// waiter, and the timed-out wait leaves the value at zero.
func TestSemaphoreWaitForTimesOut(t *testing.T) {
	sched := newTestScheduler()
	sem := wsync.NewSemaphore(0)
	resultCh := make(chan error, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		resultCh <- sem.WaitFor(f, 30*time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, wisp.ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
	require.Equal(t, int64(0), sem.Value())
}

func TestSemaphorePostWakesWaiter(t *testing.T) {
	sched := newTestScheduler()
	sem := wsync.NewSemaphore(0)
	resultCh := make(chan error, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		resultCh <- sem.Wait(f)
		return nil
	})
	require.NoError(t, err)

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		sem.Post(f, 1)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("post never woke the waiter")
	}
	require.Equal(t, int64(0), sem.Value())
}

// Posting more permits than there are waiters credits the remainder to
// value rather than dropping it.
func TestSemaphorePostCreditsLeftover(t *testing.T) {
	sched := newTestScheduler()
	sem := wsync.NewSemaphore(0)
	resultCh := make(chan error, 1)

	_, err := fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		resultCh <- sem.Wait(f)
		return nil
	})
	require.NoError(t, err)

	_, err = fiber.Create(sched, fiber.Attr{Detached: true}, func(f *fiber.Fiber) any {
		sem.Post(f, 3)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("post never woke the waiter")
	}
	require.Equal(t, int64(2), sem.Value())
}
