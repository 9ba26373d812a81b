// Package supervisor implements the Supervisor (spec §4.12): it starts the
// table copiers, index builders, extension-config copier, and — when
// streaming is enabled — the receiver/transformer/applier trio, then
// translates SIGINT/SIGTERM into a cooperative shutdown of all of them.
//
// "Processes" are goroutines here, not os/exec children: the corpus
// implements every pipeline stage as a goroutine (see
// internal/migration/pipeline/pipeline.go), and spec §5 allows thread-based
// equivalents when isolation is maintained, so this follows the corpus
// idiom rather than inventing an unprecedented fork/exec model.
//
// Single-run guard and goroutine-wrapped cancellation are grounded on
// internal/daemon/jobmanager.go's JobManager.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgcopydb/internal/apply"
	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/copier"
	"github.com/jfoltran/pgcopydb/internal/extcopy"
	"github.com/jfoltran/pgcopydb/internal/indexbuild"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/pgwire"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
	"github.com/jfoltran/pgcopydb/internal/stream"
	"github.com/jfoltran/pgcopydb/internal/transform"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Exit codes (spec §6).
const (
	ExitSuccess      = 0
	ExitInternal     = 12
	ExitBadArguments = 13
	ExitUnreachable  = 14
)

// Supervisor owns the lifecycle of one run against a work directory. Only
// one Supervisor may hold a given work directory's PID file at a time.
type Supervisor struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	work   *workdir.Dir
	logger zerolog.Logger

	tableJobs int
	indexJobs int
}

// New returns a Supervisor wired to source/dest pools and a work directory.
func New(source, dest *pgxpool.Pool, work *workdir.Dir, tableJobs, indexJobs int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		source:    source,
		dest:      dest,
		work:      work,
		tableJobs: tableJobs,
		indexJobs: indexJobs,
		logger:    logger.With().Str("component", "supervisor").Logger(),
	}
}

// AcquirePIDFile writes the current process's PID to the work directory,
// refusing to start if one is already present (spec §4.12 "PID files under
// the work directory prevent concurrent runs targeting the same work
// directory").
func (s *Supervisor) AcquirePIDFile() error {
	if _, err := os.Stat(s.work.PIDFile()); err == nil {
		return fmt.Errorf("%w: PID file %s already exists; a run may already be in progress", pgerr.ErrFilesystem, s.work.PIDFile())
	}
	return os.WriteFile(s.work.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleasePIDFile removes the work directory's PID file. Safe to call even if
// AcquirePIDFile was never called.
func (s *Supervisor) ReleasePIDFile() error {
	err := os.Remove(s.work.PIDFile())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RunBulkCopy runs C5 (table-data copier), C6 (index builder), and C7
// (extension-config copier) concurrently until all tables and indexes are
// done or ctx is cancelled (SIGINT/SIGTERM forwarded by the caller as ctx
// cancellation). Per spec §4.12, C6 runs concurrently with C5, gated on
// per-table done-markers; C7's failures are logged but do not fail the run.
//
// snapshotName, when non-empty, is the identifier C2 exported alongside the
// held snapshot (spec §4.2): every worker connection C5/C7 opens issues
// SET TRANSACTION SNAPSHOT with it before reading, so every copy-unit across
// every table sees the same point-in-time view of the source.
func (s *Supervisor) RunBulkCopy(ctx context.Context, cat *catalog.Catalog, snapshotName string) error {
	g, gctx := errgroup.WithContext(ctx)

	cp := copier.New(s.source, s.dest, s.work, s.tableJobs, s.logger)
	cp.SetSnapshotName(snapshotName)
	units := copier.Plan(cat.Tables, s.work)

	ib := indexbuild.New(s.dest, s.work, s.indexJobs, s.logger)

	g.Go(func() error {
		results := cp.CopyAll(gctx, units)
		return firstErr(results, func(r copier.Result) error { return r.Err })
	})

	g.Go(func() error {
		results := ib.BuildAll(gctx, cat.Indexes)
		return firstErr(results, func(r indexbuild.Result) error { return r.Err })
	})

	g.Go(func() error {
		ec := extcopy.New(s.source, s.dest, s.logger)
		ec.SetSnapshotName(snapshotName)
		results := ec.CopyAll(gctx, cat.Extensions)
		for _, r := range results {
			if r.Err != nil {
				s.logger.Warn().Err(r.Err).Str("extension", r.Extension).Msg("extension configuration copy failed, continuing")
			}
		}
		return nil // C7 failures are non-fatal per spec §4.7
	})

	return g.Wait()
}

// streamPollInterval bounds how often RunStream checks the work directory
// for newly finalized WAL segment files.
const streamPollInterval = 500 * time.Millisecond

// RunStream runs C8 (receiver), C9 (transformer), and C10 (applier) as two
// concurrent goroutines: the receiver writes finalized segment files, and an
// apply loop picks up each finalized segment in order, hands it to the
// transformer, and replays the output script with the applier. Both stop
// when ctx is cancelled or the applier reaches endpos.
func (s *Supervisor) RunStream(ctx context.Context, replConn *pgconn.PgConn, slotName, publication, origin string, endpos pglogrepl.LSN) error {
	sentinelTbl := sentinel.New(s.source, s.logger)
	if err := sentinelTbl.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	startLSN, err := stream.RecoverStartLSN(s.work.StreamDir())
	if err != nil {
		return fmt.Errorf("stream: recover start position: %w", err)
	}
	if err := sentinelTbl.Setup(ctx, startLSN, endpos); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	// The applier runs on one dedicated connection for the run's lifetime:
	// pg_replication_origin_session_setup is connection-scoped, so every
	// pg_replication_origin_xact_setup call inside applyOne's transactions
	// must land on the very connection that performed the session setup,
	// never an arbitrary connection pulled from s.dest's pool.
	applyConn, err := pgx.ConnectConfig(ctx, s.dest.Config().ConnConfig.Copy())
	if err != nil {
		return fmt.Errorf("stream: connect target for apply: %w", err)
	}
	defer applyConn.Close(context.Background())

	if err := pgwire.NewConn(applyConn.PgConn(), s.logger).SetReplicationOrigin(ctx, origin); err != nil {
		return fmt.Errorf("stream: set replication origin: %w", err)
	}

	// When the apply loop returns, streamCtx is cancelled so the receiver
	// stops too; a receiver stopped that way reports no error of its own.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(streamCtx)

	receiver := stream.New(replConn, s.work.StreamDir(), slotName, publication, sentinelTbl, s.logger)
	g.Go(func() error {
		err := receiver.Run(gctx, startLSN)
		if ctx.Err() == nil && streamCtx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer cancel()
		return s.runApplyLoop(gctx, sentinelTbl, applyConn, origin, startLSN, endpos)
	})

	return g.Wait()
}

// runApplyLoop polls the stream directory for newly finalized segments in
// lexicographic (i.e. LSN) order, transforms each into a SQL script, and
// replays it, reporting progress back through the sentinel.
func (s *Supervisor) runApplyLoop(ctx context.Context, sentinelTbl *sentinel.Table, applyConn *pgx.Conn, origin string, startLSN, endpos pglogrepl.LSN) (err error) {
	tr := transform.New(origin)
	ap := apply.New(applyConn, sentinelTbl, origin, startLSN, endpos, s.logger)

	if err := ap.WaitForSentinel(ctx); err != nil {
		return fmt.Errorf("stream apply: %w", err)
	}
	// The final synchronous sentinel update runs on every return below,
	// error returns included, and is not cut short by ctx's cancellation.
	defer func() {
		if serr := ap.FinalSync(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = fmt.Errorf("stream apply: final sentinel sync: %w", serr)
		}
	}()

	seen := map[string]bool{}
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		segments, err := finalizedSegments(s.work.StreamDir())
		if err != nil {
			return fmt.Errorf("stream apply: list segments: %w", err)
		}
		for _, name := range segments {
			if seen[name] {
				continue
			}
			seen[name] = true

			f, err := os.Open(filepath.Join(s.work.StreamDir(), name))
			if err != nil {
				return fmt.Errorf("stream apply: open %s: %w", name, err)
			}
			script, err := tr.TransformReader(bufio.NewScanner(f))
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("stream apply: transform %s: %w", name, err)
			}
			if strings.TrimSpace(script) != "" {
				if err := ap.ApplyScript(ctx, script); err != nil {
					return fmt.Errorf("stream apply: apply %s: %w", name, err)
				}
			}
			if ap.State() == apply.StateStopped {
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// finalizedSegments lists the complete (non-.tmp) segment files in dir,
// sorted lexicographically — which, per the segment naming convention
// (internal/stream/segment.go), is also LSN order.
func finalizedSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func firstErr[T any](results []T, errOf func(T) error) error {
	var errs []error
	for _, r := range results {
		if err := errOf(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClassifyExit maps a run error to one of spec §6's exit codes.
func ClassifyExit(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, pgerr.ErrConfiguration):
		return ExitBadArguments
	case errors.Is(err, pgerr.ErrConnectivity):
		return ExitUnreachable
	default:
		return ExitInternal
	}
}
