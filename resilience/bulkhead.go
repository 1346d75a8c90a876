package resilience

import (
	"context"
	"sync"

	"github.com/arc-self/happen/continuum"
)

// Bulkhead is a semaphore with maxConcurrent slots; excess tasks queue
// FIFO and a slot's release admits the next queued task (spec §4.8).
type Bulkhead struct {
	sem chan struct{}

	mu       sync.Mutex
	queued   int
	maxQueue int
}

// NewBulkhead constructs a bulkhead admitting at most maxConcurrent
// concurrent handler executions. maxQueue <= 0 means unbounded queueing.
func NewBulkhead(maxConcurrent, maxQueue int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrent), maxQueue: maxQueue}
}

// InUse reports how many slots are currently occupied.
func (b *Bulkhead) InUse() int { return len(b.sem) }

// Queued reports how many callers are waiting for a slot.
func (b *Bulkhead) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// Wrap returns a HandlerFn that acquires a bulkhead slot before running
// h and releases it on return, queueing when the bulkhead is full.
func (b *Bulkhead) Wrap(h continuum.HandlerFn) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		b.mu.Lock()
		if b.maxQueue > 0 && b.queued >= b.maxQueue && len(b.sem) == cap(b.sem) {
			b.mu.Unlock()
			return continuum.Fail(ErrBulkheadFull)
		}
		b.queued++
		b.mu.Unlock()

		select {
		case b.sem <- struct{}{}:
			b.mu.Lock()
			b.queued--
			b.mu.Unlock()
		case <-ctx.Done():
			b.mu.Lock()
			b.queued--
			b.mu.Unlock()
			return continuum.Fail(ctx.Err())
		}
		defer func() { <-b.sem }()

		return h(ctx, in, hctx)
	}
}
