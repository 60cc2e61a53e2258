// Package fctx implements the runtime's context-switch primitive.
//
// wisp schedules fibers on top of real goroutines rather than hand-rolled
// per-architecture register files (see the "GO ADAPTATION NOTES" section of
// SPEC_FULL.md): a fiber's stack is its goroutine's stack, and switching
// between a fiber and its worker is a rendezvous handoff over a channel
// instead of a save/restore of callee-saved registers. Context preserves the
// two operations the rest of the runtime depends on:
//
//   - Switch transfers control from the calling goroutine to the target's
//     goroutine and blocks until something switches back.
//   - SwitchAndCall does the same, but the function passed to it runs on the
//     destination goroutine's own stack, strictly after the destination has
//     taken over and strictly before the destination's own Switch call
//     returns to its caller. This is what lets the waiter handshake publish
//     "I have parked" only once the switch has actually committed.
package fctx

// Context is one fiber's or one worker's resumption point. The zero value is
// not usable; construct with New.
type Context struct {
	resume chan func()
}

// New returns a ready-to-use Context.
func New() *Context {
	return &Context{resume: make(chan func())}
}

// Switch transfers control to `to` and blocks the caller until `from` is
// switched back into.
func Switch(from, to *Context) {
	to.resume <- nil
	from.await()
}

// SwitchAndCall transfers control to `to`, then runs post on the goroutine
// that owns `to` before that goroutine's own Switch/SwitchAndCall call
// returns. The caller blocks on `from` until switched back into, exactly as
// in Switch.
//
// post must not touch anything owned by the caller's stack/goroutine: by
// the time it runs, the caller may already have been rescheduled onto a
// different worker.
func SwitchAndCall(from, to *Context, post func()) {
	to.resume <- post
	from.await()
}

// Resume is the first switch into a freshly created Context: it blocks until
// some other goroutine performs Switch/SwitchAndCall targeting this
// Context, then runs the attached continuation (if any) and returns. A
// goroutine that owns a Context re-enters this loop every time it is
// switched into.
func (c *Context) Resume() {
	c.await()
}

func (c *Context) await() {
	if f := <-c.resume; f != nil {
		f()
	}
}
