// Package runqueue implements four lock-free queue shapes usable as
// run-queue storage: a bounded MPMC cell array (Vyukov), a bounded SPMC
// ring, an unbounded Michael-Scott MPMC queue, and an MPMC stack, usable
// standalone, that is the node-pool freelist behind the Michael-Scott
// queue.
//
// Go has no portable, public double-width compare-and-swap. Where a
// DWCAS on a (pointer, count) pair would otherwise be called for, this
// package instead boxes the pair in a small struct and CASes the outer
// pointer with
// atomic.Pointer — every successful update allocates a fresh box, so a CAS
// against a stale box can never spuriously succeed against a
// logically-different-but-bit-identical later state (the classic ABA
// failure mode), without needing a hardware DWCAS intrinsic.
package runqueue

// nextPow2 returns the smallest power of two >= n, minimum 1.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
