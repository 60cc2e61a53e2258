package scheduler

import "github.com/xtaci/wisp"

// Attr configures a Scheduler at creation (a scheduler_attr).
type Attr struct {
	// NumWorkers is the number of OS worker threads. 0 resolves to the
	// number of online processors, via runtime.GOMAXPROCS as adjusted
	// for the current cgroup/container by the blank-imported
	// go.uber.org/automaxprocs.
	NumWorkers int
	// RunQueueCapacity is each worker's local bounded-MPMC run-queue
	// capacity (rounded up to a power of two). 0 uses a sane default.
	RunQueueCapacity int
	// TimerBuckets is the number of shards the scheduler's timer set
	// uses. 0 uses internal/timers.NumBuckets.
	TimerBuckets int
	// Logger receives rare diagnostic events: reactor errors while
	// rearming a timer bucket or interrupting the poller (including the
	// interrupt at termination). Nil uses wisp.NopLogger.
	Logger wisp.Logger
}

// DefaultAttr resolves NumWorkers from the host, with every other field
// at its zero value.
var DefaultAttr = Attr{}

const defaultRunQueueCapacity = 256
