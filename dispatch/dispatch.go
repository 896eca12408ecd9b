// Package dispatch provides serial executors used to deliver events in order.
//
// A Queue runs posted functions one at a time on its own goroutine. A MainLoop
// holds posted functions until the owning goroutine calls Run, which lets an
// application route callbacks onto a goroutine it controls (for example a UI
// thread). Neither blocks the poster: pending work is buffered without bound.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Executor runs functions asynchronously in the order they were posted.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(fn func())

// Post calls f(fn).
func (f ExecutorFunc) Post(fn func()) { f(fn) }

// fifo is an unbounded function queue with a wakeup channel.
type fifo struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newFIFO() fifo {
	return fifo{wake: make(chan struct{}, 1)}
}

func (f *fifo) push(fn func()) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, fn)
	f.mu.Unlock()
	f.signal()
	return true
}

func (f *fifo) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// take removes all pending functions. done reports that the queue is closed
// and nothing remains.
func (f *fifo) take() (batch []func(), done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch = f.items
	f.items = nil
	return batch, f.closed && len(batch) == 0
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()
}

func (f *fifo) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// run invokes fn, converting a panic into a logged error so one faulty
// callback cannot stop the queue.
func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch.run",
				"queue":    name,
				"panic":    fmt.Sprint(r),
			}).Error("Recovered panic in dispatched function")
		}
	}()
	fn()
}

// Queue is a serial executor backed by its own goroutine.
type Queue struct {
	name string
	fifo fifo
	done chan struct{}
}

// NewQueue starts a queue. name is used in log fields only.
func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		fifo: newFIFO(),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Post enqueues fn. Functions posted after Close are discarded.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	if !q.fifo.push(fn) {
		logrus.WithFields(logrus.Fields{
			"function": "Queue.Post",
			"queue":    q.name,
		}).Debug("Discarding function posted to closed queue")
	}
}

// Close stops accepting work. Functions already queued still run. Close does
// not wait; use Done to wait for the queue to drain.
func (q *Queue) Close() {
	q.fifo.close()
}

// Done is closed once the queue has been closed and drained.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Pending reports the number of queued functions not yet started.
func (q *Queue) Pending() int {
	return q.fifo.pending()
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		batch, finished := q.fifo.take()
		if finished {
			return
		}
		for _, fn := range batch {
			run(q.name, fn)
		}
		if len(batch) == 0 {
			<-q.fifo.wake
		}
	}
}

// MainLoop is an Executor drained by a goroutine of the caller's choosing.
type MainLoop struct {
	fifo fifo
}

// NewMainLoop constructs an idle main loop.
func NewMainLoop() *MainLoop {
	return &MainLoop{fifo: newFIFO()}
}

// Post enqueues fn for the goroutine running Run.
func (m *MainLoop) Post(fn func()) {
	if fn == nil {
		return
	}
	m.fifo.push(fn)
}

// Run executes posted functions on the calling goroutine until ctx is done or
// the loop is closed and drained.
func (m *MainLoop) Run(ctx context.Context) error {
	for {
		batch, finished := m.fifo.take()
		if finished {
			return nil
		}
		for _, fn := range batch {
			run("main", fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.fifo.wake:
		}
	}
}

// RunPending executes functions queued so far and returns how many ran.
func (m *MainLoop) RunPending() int {
	batch, _ := m.fifo.take()
	for _, fn := range batch {
		run("main", fn)
	}
	return len(batch)
}

// Close makes Run return once pending work is done.
func (m *MainLoop) Close() {
	m.fifo.close()
}
