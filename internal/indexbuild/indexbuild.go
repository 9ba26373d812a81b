// Package indexbuild implements the Index & Constraint Builder (spec §4.6):
// a secondary worker pool that builds indexes and constraints only once the
// owning table's data copy has completed. Foreign keys are never built here;
// they're left entirely to C3's post-data restore since they may reference
// tables from units this pool hasn't copied yet.
//
// No direct teacher analog exists for index building; the worker-pool shape
// is reused from internal/migration/snapshot/snapshot.go's CopyAll, adapted
// to a dependency-gated queue and built on golang.org/x/sync/errgroup.
package indexbuild

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Result reports the outcome of building one index/constraint.
type Result struct {
	Index catalog.Index
	Err   error
}

// Builder runs a pool of workers that build indexes/constraints once their
// table's done-marker exists (spec §4.6 "eligible when the done-marker of
// its table exists").
type Builder struct {
	dest     *pgxpool.Pool
	work     *workdir.Dir
	logger   zerolog.Logger
	jobs     int
	attempts int
	pollEvery time.Duration
}

// New returns a Builder with job-count jobs.
func New(dest *pgxpool.Pool, work *workdir.Dir, jobs int, logger zerolog.Logger) *Builder {
	if jobs < 1 {
		jobs = 1
	}
	return &Builder{
		dest:      dest,
		work:      work,
		jobs:      jobs,
		attempts:  3,
		pollEvery: 500 * time.Millisecond,
		logger:    logger.With().Str("component", "indexbuild").Logger(),
	}
}

// Order sorts indexes so non-foreign-key objects build before foreign keys
// (spec §4.6 "all non-foreign-key indexes and constraints first; foreign
// keys last"), grouped by table to keep builds for one table contiguous.
func Order(indexes []catalog.Index) []catalog.Index {
	ordered := make([]catalog.Index, len(indexes))
	copy(ordered, indexes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsForeignKey != ordered[j].IsForeignKey {
			return !ordered[i].IsForeignKey
		}
		return ordered[i].TableOID < ordered[j].TableOID
	})
	return ordered
}

// BuildAll waits for each index's owning table to be marked done, then
// dispatches it across b.jobs workers. Foreign keys are never built here:
// a foreign key may reference a table from a different copy-unit that
// hasn't finished (or even started) its own data copy yet, so waiting on
// only the FK's own table would race the referenced table's copy (spec
// §4.6). Foreign keys are left for C3's post-data restore, which runs
// only after every table's data copy is done and can safely create them
// against a fully-populated target.
func (b *Builder) BuildAll(ctx context.Context, indexes []catalog.Index) []Result {
	ordered := Order(indexes)
	queue := make(chan catalog.Index, len(ordered))
	for _, idx := range ordered {
		queue <- idx
	}
	close(queue)

	results := make([]Result, 0, len(ordered))
	resultsCh := make(chan Result, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < b.jobs; w++ {
		workerID := w
		g.Go(func() error {
			for {
				select {
				case idx, ok := <-queue:
					if !ok {
						return nil
					}
					if idx.IsForeignKey {
						// Never waited on here: the FK's referenced table may
						// belong to a different, not-yet-copied unit, so this
						// pool leaves it entirely to C3's post-data restore.
						resultsCh <- b.buildOne(gctx, idx, workerID)
						continue
					}
					if err := b.waitForTable(gctx, idx.TableOID); err != nil {
						resultsCh <- Result{Index: idx, Err: err}
						continue
					}
					resultsCh <- b.buildOne(gctx, idx, workerID)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	_ = g.Wait()
	close(resultsCh)
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

// waitForTable blocks until the index's owning table's done-marker exists,
// or ctx is cancelled.
func (b *Builder) waitForTable(ctx context.Context, tableOID uint32) error {
	if b.work.IsTableDone(tableOID) {
		return nil
	}
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if b.work.IsTableDone(tableOID) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Builder) buildOne(ctx context.Context, idx catalog.Index, workerID int) Result {
	log := b.logger.With().Str("index", idx.Name).Int("worker", workerID).Logger()

	if idx.IsForeignKey {
		log.Debug().Msg("foreign key deferred to post-data restore, skipping")
		return Result{Index: idx}
	}

	if b.work.IsIndexDone(idx.OID) {
		log.Debug().Msg("index already done, skipping")
		return Result{Index: idx}
	}

	log.Info().Msg("building index/constraint")
	err := pgerr.Retry(ctx, b.attempts, func() error {
		_, execErr := b.dest.Exec(ctx, idx.DefinitionSQL)
		if execErr != nil && pgerr.IsAlreadyExists(execErr) {
			return nil
		}
		return execErr
	})
	if err != nil {
		log.Error().Err(err).Msg("index/constraint build failed")
		return Result{Index: idx, Err: err}
	}

	if err := b.work.MarkIndexDone(idx.OID); err != nil {
		return Result{Index: idx, Err: fmt.Errorf("indexbuild: mark index done: %w", err)}
	}
	log.Info().Msg("index/constraint build complete")
	return Result{Index: idx}
}
