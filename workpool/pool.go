// Package workpool is a fixed-size goroutine pool with a bounded queue.
// Submit never blocks: a full queue rejects the task.
//
// Workers run in an errgroup capped at the worker count. The queue in front
// of them lets short bursts wait instead of being rejected the moment every
// worker is busy, which is what errgroup.TryGo alone would do.
package workpool

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Pool struct {
	q       chan func()
	g       errgroup.Group
	mu      sync.RWMutex // guards closed against concurrent Submit
	closed  bool
	onPanic func(any)
}

// New starts workers goroutines draining a queue of qlen tasks.
func New(workers, qlen int) *Pool {
	return NewWithPanicHandler(workers, qlen, nil)
}

// NewWithPanicHandler is New with a callback for panics raised by tasks.
// A panicking task never takes its worker down.
func NewWithPanicHandler(workers, qlen int, onPanic func(any)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	p := &Pool{q: make(chan func(), qlen), onPanic: onPanic}
	p.g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		p.g.Go(func() error {
			for f := range p.q {
				p.run(f)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(f func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	f()
}

// Submit enqueues f. It returns false when the queue is full or the pool is closed.
func (p *Pool) Submit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.q <- f:
		return true
	default: // drop
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
// Safe to call multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.q)
	p.mu.Unlock()
	_ = p.g.Wait()
}

// String reports the queue depth; handy in logs.
func (p *Pool) String() string {
	return fmt.Sprintf("workpool(queued=%d cap=%d)", len(p.q), cap(p.q))
}
