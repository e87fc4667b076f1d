// Package spawn provides the task-launching contract the flush
// schedulers use to run background writes, plus two adapters: a real
// one backed by golang.org/x/sync/errgroup, and a synchronous one for
// tests. Grounded on the bounded-fan-out idiom in
// pkg/blobserver/diskpacked (gate-guarded goroutines feeding a
// sync.WaitGroup), generalized to golang.org/x/sync/errgroup's
// cancellation-aware group.
package spawn

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Spawner launches fn on some executor. Clone returns an independent
// handle a caller can use to start a new wave of tasks without affecting
// the lifetime of tasks already spawned through the original.
type Spawner interface {
	Spawn(ctx context.Context, fn func(context.Context) error)
	Clone() Spawner
	// Wait blocks until every task spawned through this handle (not
	// through its clones) has returned, and returns the first non-nil
	// error any of them produced, if any.
	Wait() error
}

// Group is the default Spawner, backed by errgroup.Group.
type Group struct {
	ctx context.Context
	g   *errgroup.Group
}

// NewGroup builds a Group rooted at ctx. Every task spawned through it,
// or a clone of it, shares ctx's cancellation.
func NewGroup(ctx context.Context) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{ctx: gctx, g: g}
}

func (s *Group) Spawn(ctx context.Context, fn func(context.Context) error) {
	s.g.Go(func() error { return fn(s.ctx) })
}

func (s *Group) Clone() Spawner {
	g, gctx := errgroup.WithContext(s.ctx)
	return &Group{ctx: gctx, g: g}
}

func (s *Group) Wait() error { return s.g.Wait() }

// Direct runs every task synchronously on the caller's goroutine,
// collecting the first error seen. Used by tests that want flush loops to
// make deterministic progress without a real scheduler.
type Direct struct {
	err error
}

func (d *Direct) Spawn(ctx context.Context, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && d.err == nil {
		d.err = err
	}
}

func (d *Direct) Clone() Spawner { return &Direct{} }

func (d *Direct) Wait() error { return d.err }
