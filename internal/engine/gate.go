package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is a single-permit lock around the execution session. Waiters are
// served in FIFO order.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates an unlocked gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the permit is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes the permit only if it is free.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release returns the permit.
func (g *Gate) Release() {
	g.sem.Release(1)
}
