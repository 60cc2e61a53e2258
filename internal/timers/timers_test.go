package timers

import (
	"container/heap"
	"math/rand"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBucketAddRemovePublishesMin(t *testing.T) {
	var rearmed []time.Time
	b := NewBucket(0, func(_ int, deadline time.Time, active bool) {
		if active {
			rearmed = append(rearmed, deadline)
		} else {
			rearmed = append(rearmed, time.Time{})
		}
	})

	base := time.Now()
	t1 := &Timer{Deadline: base.Add(10 * time.Millisecond)}
	t2 := &Timer{Deadline: base.Add(5 * time.Millisecond)}
	b.Add(t1)
	b.Add(t2) // earlier: becomes new min

	d, active := b.Shadow()
	require.True(t, active)
	require.True(t, d.Equal(t2.Deadline))

	b.Remove(t2)
	d, active = b.Shadow()
	require.True(t, active)
	require.True(t, d.Equal(t1.Deadline))

	b.Remove(t1)
	_, active = b.Shadow()
	require.False(t, active)
}

func TestBucketProcessExpiredWakesAndRepublishesMin(t *testing.T) {
	b := NewBucket(0, func(int, time.Time, bool) {})
	now := time.Now()

	var woken []bool
	mk := func(d time.Time) *Timer {
		tm := &Timer{Deadline: d}
		tm.Notify = func() { woken = append(woken, true) }
		return tm
	}
	past1 := mk(now.Add(-2 * time.Second))
	past2 := mk(now.Add(-1 * time.Second))
	future := mk(now.Add(time.Hour))

	b.Add(past1)
	b.Add(past2)
	b.Add(future)

	b.ProcessExpired(now)

	require.True(t, past1.Expired)
	require.True(t, past2.Expired)
	require.False(t, future.Expired)
	require.Len(t, woken, 2)

	d, active := b.Shadow()
	require.True(t, active)
	require.True(t, d.Equal(future.Deadline))
}

// TestBucketRandomSequenceMinInvariant checks that for random
// insert/delete sequences, the advertised min always equals the true
// minimum after every operation.
func TestBucketRandomSequenceMinInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b := NewBucket(0, func(int, time.Time, bool) {})

	var live []*Timer
	base := time.Now()

	trueMin := func() (time.Time, bool) {
		if len(live) == 0 {
			return time.Time{}, false
		}
		h := make(timerHeap, len(live))
		copy(h, live)
		heap.Init(&h)
		return h[0].Deadline, true
	}

	for i := 0; i < 256; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			tm := &Timer{Deadline: base.Add(time.Duration(rng.Intn(100000)) * time.Microsecond)}
			b.Add(tm)
			live = append(live, tm)
		} else {
			idx := rng.Intn(len(live))
			tm := live[idx]
			live = append(live[:idx], live[idx+1:]...)
			b.Remove(tm)
		}

		wantD, wantActive := trueMin()
		gotD, gotActive := b.Shadow()
		require.Equal(t, wantActive, gotActive)
		if wantActive {
			require.True(t, wantD.Equal(gotD), "iteration %d: want min %v got %v", i, wantD, gotD)
		}
	}
}

func TestSetBucketForIsStable(t *testing.T) {
	s := NewSet(64, func(int, time.Time, bool) {})
	w := &Timer{}
	addr := uintptr(unsafe.Pointer(w))
	b1 := s.bucketFor(addr)
	b2 := s.bucketFor(addr)
	require.Same(t, b1, b2)
}
