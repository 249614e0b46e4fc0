// Package concurrency provides the bounded-fan-out primitives used across
// kgrag (document batches, embedding batches, LLM calls), built on
// golang.org/x/sync the way Aman-CERP-amanmcp and MrWong99-glyphoxa wire
// bounded parallel work: an errgroup for fan-out/fan-in, a semaphore to cap
// how many goroutines run at once.
package concurrency

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Gate bounds how many callers may run a critical section concurrently.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns a Gate that admits at most n concurrent holders. n <= 0
// is treated as unbounded (n=1<<20, effectively no limit).
func NewGate(n int) *Gate {
	if n <= 0 {
		n = 1 << 20
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n))}
}

// Run blocks until a slot is free (or ctx is done), runs fn, then frees it.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}

// ForEach runs fn(item) for every item in items, bounded by gate's
// concurrency limit, and returns the first error encountered (all other
// in-flight work is canceled via the shared group context).
func ForEach[T any](ctx context.Context, gate *Gate, items []T, fn func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return gate.Run(gctx, func() error { return fn(gctx, item) })
		})
	}
	return g.Wait()
}
