package ilock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// inlinePark is a Park implementation for goroutines that aren't fibers:
// SwitchAway just runs post synchronously, since there's no scheduler
// context to switch to. This exercises Ilock's slow path using plain
// goroutines blocked on a channel instead.
type inlinePark struct {
	resume    chan struct{}
	onEnqueue func()
}

func newInlinePark() *inlinePark { return &inlinePark{resume: make(chan struct{})} }

func (p *inlinePark) SwitchAway(post func()) {
	post()
	if p.onEnqueue != nil {
		p.onEnqueue()
	}
	<-p.resume
}

func (p *inlinePark) Requeue() {
	close(p.resume)
}

func TestTryLockFastPath(t *testing.T) {
	var l Ilock
	require.True(t, l.TryLock())
	require.False(t, l.TryLock())
	l.Unlock()
	require.True(t, l.TryLock())
}

func TestLockUnlockNoContention(t *testing.T) {
	var l Ilock
	p := newInlinePark()
	l.Lock(p)
	l.Unlock()
	require.True(t, l.TryLock())
}

func TestLockContentionHandsOffToAllWaiters(t *testing.T) {
	var l Ilock
	l.Lock(newInlinePark()) // held by a park that never unlocks directly

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const n = 4
	var enqueued sync.WaitGroup
	enqueued.Add(n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newInlinePark()
			p.onEnqueue = enqueued.Done
			l.Lock(p)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Unlock()
		}(i)
	}

	// Wait until every goroutine has actually parked (reached SwitchAway)
	// before releasing the lock, so the handoff chain has someone to wake.
	done := make(chan struct{})
	go func() { enqueued.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters never reached SwitchAway")
	}

	l.Unlock()
	wg.Wait()

	require.Len(t, order, n)
}
