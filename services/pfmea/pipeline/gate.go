package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyGate bounds the number of simultaneously outstanding
// model calls. One gate instance is shared across both fan-out levels
// (process steps, and candidates within a step), so total in-flight
// calls never exceed its capacity.
//
// The default capacity is 1: the backing inference server serializes
// requests, so concurrent submissions only add queuing latency.
//
// Acquire blocks cooperatively until a slot is free or the context is
// done. Callers must pair every successful Acquire with Release on all
// exit paths, normally via defer.
type ConcurrencyGate struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewConcurrencyGate creates a gate with the given capacity.
// Capacities below 1 are raised to 1.
func NewConcurrencyGate(capacity int) *ConcurrencyGate {
	if capacity < 1 {
		capacity = 1
	}
	return &ConcurrencyGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire takes one slot, blocking until available or ctx is done.
func (g *ConcurrencyGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns one slot. Must follow a successful Acquire.
func (g *ConcurrencyGate) Release() {
	g.sem.Release(1)
}

// Capacity returns the configured slot count.
func (g *ConcurrencyGate) Capacity() int {
	return g.capacity
}
