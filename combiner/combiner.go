// Package combiner provides a serial executor: a single-consumer work
// queue guaranteeing that at most one submitted function is running at
// any moment. It is the control plane of a transport - every mutation
// of transport or stream state is funneled through one Combiner, which
// removes the need for fine grained locking in the transport itself.
//
// Work is executed on whatever goroutine happens to submit while the
// combiner is idle; that goroutine keeps draining until the queue is
// empty, then returns. Submitting never blocks.
package combiner

import (
	"sync"
)

// Combiner serializes control-plane work for one transport.
//
// Two submit modes exist: Run (FIFO immediate) and RunFinally, which
// runs its function only after all immediate work queued for the
// current drain turn has completed. RunFinally is how a transport
// batches many per-stream intents into a single endpoint write.
type Combiner struct {
	mu sync.Mutex

	// active is true while some goroutine is draining the queue.
	active bool

	// offload, when set inside a handler, makes the draining goroutine
	// hand the remainder of the queue to a fresh goroutine.
	offload bool

	queue   []func()
	finally []func()
}

// New returns an idle combiner.
func New() *Combiner {
	return &Combiner{}
}

// Run submits f for execution. If the combiner is idle the calling
// goroutine executes f (and anything submitted while it runs) before
// returning; otherwise f is queued and Run returns immediately.
// Reentrant submission from inside a running handler is legal.
func (c *Combiner) Run(f func()) {
	c.mu.Lock()
	c.queue = append(c.queue, f)
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()
	c.drain()
}

// RunFinally submits f to run after all immediate work queued for the
// current turn has drained. If the combiner is idle this is equivalent
// to Run.
func (c *Combiner) RunFinally(f func()) {
	c.mu.Lock()
	c.finally = append(c.finally, f)
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()
	c.drain()
}

// ForceOffload asks the combiner to continue draining on another
// goroutine before running the next queued function. It must be called
// from inside a handler. Used to bound contiguous CPU time when a
// handler (e.g. parsing a large read) wants to yield the submitting
// goroutine back to its caller.
func (c *Combiner) ForceOffload() {
	c.mu.Lock()
	c.offload = true
	c.mu.Unlock()
}

// next pops the next runnable function, honoring the immediate-before-
// finally ordering. Returns nil when the combiner went idle.
func (c *Combiner) next() (f func(), offloaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offload {
		c.offload = false
		go c.drain()
		return nil, true
	}
	if len(c.queue) > 0 {
		f = c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		return f, false
	}
	if len(c.finally) > 0 {
		f = c.finally[0]
		c.finally[0] = nil
		c.finally = c.finally[1:]
		return f, false
	}
	c.active = false
	return nil, false
}

func (c *Combiner) drain() {
	for {
		f, _ := c.next()
		if f == nil {
			return
		}
		f()
	}
}
