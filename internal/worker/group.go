package worker

import (
	"context"
	"sync"
)

// Group runs functions with at most n of them in flight. The queue worker and
// the per-tenant fan-out share it as their concurrency limit.
type Group struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewGroup(n int) *Group {
	if n <= 0 {
		n = 1
	}
	return &Group{sem: make(chan struct{}, n)}
}

// Size is the concurrency limit.
func (g *Group) Size() int { return cap(g.sem) }

// TryAcquire reserves a slot without blocking.
func (g *Group) TryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Group) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Group) Release() { <-g.sem }

// Go runs fn on a reserved slot. The slot must have been acquired.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.Release()
		fn()
	}()
}

// Wait blocks until every started function returned.
func (g *Group) Wait() { g.wg.Wait() }
