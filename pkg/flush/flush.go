// Package flush implements the two asynchronous flush-loop schedulers
// that drain a block.Cache's dirty set to the device: one for the data
// cache, one for the FAT list's sector cache. Both loops share the same
// shape, grounded on the fat32 crate's sync_task/WaitSemFuture logic in
// block/mod.rs, adapted to golang.org/x/sync/semaphore for the
// concurrency bound and pkg/spawn.Spawner for task launch.
package flush

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/spawn"
)

// WriteFunc persists one dirty unit's snapshotted bytes to the device.
type WriteFunc func(ctx context.Context, key block.Key, data []byte) error

// Scheduler repeatedly drains a Cache's dirty set, writing each entry
// back under a bounded number of concurrent tasks.
type Scheduler struct {
	cache        *block.Cache
	write        WriteFunc
	sem          *semaphore.Weighted
	spawner      spawn.Spawner
	pollInterval time.Duration
}

// New builds a Scheduler over cache, writing dirty entries via write with
// at most concurrency simultaneous in-flight writes, launching each via
// spawner. pollInterval controls how often Run checks for new dirty
// entries when the cache is quiescent.
func New(cache *block.Cache, write WriteFunc, concurrency int, spawner spawn.Spawner, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		cache:        cache,
		write:        write,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		spawner:      spawner,
		pollInterval: pollInterval,
	}
}

// FlushOnce drains every currently dirty entry and writes each back,
// bounded by the scheduler's concurrency semaphore, and waits for all of
// them to complete before returning. A key re-dirtied by a writer while
// its flush is in flight is picked up again by the next FlushOnce/Run
// iteration, never lost.
func (s *Scheduler) FlushOnce(ctx context.Context) error {
	dirty := s.cache.DrainDirty()
	if len(dirty) == 0 {
		return nil
	}
	batch := s.spawner.Clone()
	for key, entry := range dirty {
		key, entry := key, entry
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		batch.Spawn(ctx, func(ctx context.Context) error {
			defer s.sem.Release(1)
			snap := entry.Snapshot()
			defer snap.Release()
			err := s.write(ctx, key, snap.Bytes())
			s.cache.FinishFlush(key, entry)
			return err
		})
	}
	return batch.Wait()
}

// Run flushes repeatedly until ctx is canceled, sleeping pollInterval
// between iterations that find nothing dirty. It returns ctx.Err() on
// cancellation, or the first flush error encountered.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()
	for {
		if err := s.FlushOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
