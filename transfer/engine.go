// Package transfer implements the block-relocation transfer engine of
// spec §4.5: moving blocks to a destination set (to-target or to-region)
// under a concurrency budget, committed via a two-phase per-node barrier
// so every relocation in a batch is fully prepared (source read,
// destination allocated, region quota reserved) before any of them is
// committed (destination written into the page cache and marked dirty,
// source freed).
//
// For both destinations the new block comes from freespace.Facade.Get
// under its placement policy; ToRegion additionally charges the region's
// quota. No slave set is tied to a region or to ToTarget, so neither
// destination restricts which slave the block lands on.
//
// Grounded on the teacher's worker-pool shape in
// turbo/snapshotsync/snapshotsync.go (a batch of independent download/
// merge jobs run under a bounded-concurrency pool); the explicit
// prepare/commit barrier itself follows directly from spec §4.5.
package transfer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/freespace"
	"github.com/timmoreton/castle/store/pagecache"
)

// Destination discriminates where a relocated block is headed.
type Destination int

const (
	ToTarget Destination = iota
	ToRegion
)

// Job describes one block relocation.
type Job struct {
	VersionID   uint32
	Source      cvt.CDB
	Dest        Destination
	RegionID    uint32 // meaningful iff Dest == ToRegion
	SizeForQuota uint64 // bytes charged against the region's quota
}

// Result reports the outcome of one job.
type Result struct {
	Job Job
	New cvt.CDB
	Err error
}

type prepared struct {
	job  Job
	data [cvt.BlockSize]byte
	dest cvt.CDB
}

// Engine relocates blocks under a fixed concurrency budget.
type Engine struct {
	free  *freespace.Facade
	cache *pagecache.Cache
	log   *zap.SugaredLogger
}

// New builds a transfer engine over free (for destination allocation and
// region quota) and cache (for reading sources and writing destinations).
func New(free *freespace.Facade, cache *pagecache.Cache, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{free: free, cache: cache, log: log}
}

// Run executes jobs under concurrency, preparing every job (phase one)
// before committing any of them (phase two) — the "two-phase barrier" of
// spec §4.5. If any job fails to prepare, every already-prepared job's
// reservation is rolled back and no block is actually moved.
func (e *Engine) Run(ctx context.Context, jobs []Job, concurrency int64) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	prep := make([]*prepared, len(jobs))
	prepErrs := make([]error, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				prepErrs[i] = err
				return nil
			}
			defer sem.Release(1)
			p, err := e.prepare(job)
			if err != nil {
				prepErrs[i] = err
				return nil
			}
			prep[i] = p
			return nil
		})
	}
	_ = g.Wait() // individual errors are carried in prepErrs, not returned

	for i, err := range prepErrs {
		if err != nil {
			e.rollback(prep)
			return nil, cerrors.Wrap(cerrors.IO, err, "transfer: job %d failed to prepare", i)
		}
	}

	results := make([]Result, len(jobs))
	g2, gctx2 := errgroup.WithContext(ctx)
	for i, p := range prep {
		i, p := i, p
		g2.Go(func() error {
			if err := sem.Acquire(gctx2, 1); err != nil {
				results[i] = Result{Job: p.job, Err: err}
				return nil
			}
			defer sem.Release(1)
			if err := e.commit(p); err != nil {
				results[i] = Result{Job: p.job, Err: err}
				return nil
			}
			results[i] = Result{Job: p.job, New: p.dest}
			return nil
		})
	}
	_ = g2.Wait()

	e.log.Infow("transfer batch complete", "jobs", len(jobs))
	return results, nil
}

func (e *Engine) prepare(job Job) (*prepared, error) {
	buf, err := e.cache.Pin(job.Source)
	if err != nil {
		return nil, err
	}
	data := *buf
	e.cache.Unpin(job.Source, false)

	if job.Dest == ToRegion {
		if err := e.free.Regions().Reserve(job.RegionID, job.SizeForQuota); err != nil {
			return nil, err
		}
	}

	dest, err := e.free.Get(job.VersionID, 1)
	if err != nil {
		if job.Dest == ToRegion {
			_ = e.free.Regions().Release(job.RegionID, job.SizeForQuota)
		}
		return nil, err
	}

	return &prepared{job: job, data: data, dest: dest[0]}, nil
}

func (e *Engine) rollback(prep []*prepared) {
	for _, p := range prep {
		if p == nil {
			continue
		}
		_ = e.free.Free(p.dest)
		if p.job.Dest == ToRegion {
			_ = e.free.Regions().Release(p.job.RegionID, p.job.SizeForQuota)
		}
	}
}

func (e *Engine) commit(p *prepared) error {
	buf, err := e.cache.Pin(p.dest)
	if err != nil {
		return err
	}
	*buf = p.data
	e.cache.Unpin(p.dest, true)

	if err := e.free.Free(p.job.Source); err != nil {
		return err
	}
	return nil
}
