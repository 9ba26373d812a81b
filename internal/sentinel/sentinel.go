// Package sentinel implements the Sentinel Table (spec §4.11): a single-row
// control table on the source database that coordinates C8-C10 through
// direct SQL, rather than through any in-process channel.
//
// Grounded on internal/pgwire/pgwire.go's direct-SQL-exec idiom (raw
// pgconn.PgConn, no ORM) — the teacher's prior sentinel.go was an in-process
// channel-based switchover coordinator with no SQL table backing it, which
// this replaces entirely since spec §4.11 requires the coordination state to
// live in the source database, not in one process's memory.
package sentinel

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const tableName = "pgcopydb.sentinel"

// Row is the single row of the sentinel control table.
type Row struct {
	StartLSN pglogrepl.LSN
	EndLSN   pglogrepl.LSN
	WriteLSN pglogrepl.LSN // last LSN the receiver (C8) has written to a segment
	FlushLSN pglogrepl.LSN // last LSN fsynced to a finalized segment (C8)
	ApplyLSN pglogrepl.LSN // last commit-lsn the applier (C10) has replayed
	Apply    bool          // true once C10 may leave WAITING_FOR_SENTINEL
}

// Table wraps a pool pointed at the source database, where the sentinel
// lives (spec §4.11 "control table on the source").
type Table struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New returns a Table bound to pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Table {
	return &Table{pool: pool, logger: logger.With().Str("component", "sentinel").Logger()}
}

// EnsureSchema creates the sentinel table if it doesn't already exist. Safe
// to call repeatedly (spec §4.1 idempotent operations).
func (t *Table) EnsureSchema(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS pgcopydb;
		CREATE TABLE IF NOT EXISTS `+tableName+` (
			id          boolean PRIMARY KEY DEFAULT true CHECK (id),
			startpos    pg_lsn NOT NULL,
			endpos      pg_lsn NOT NULL DEFAULT '0/0',
			apply       boolean NOT NULL DEFAULT false,
			write_lsn   pg_lsn NOT NULL DEFAULT '0/0',
			flush_lsn   pg_lsn NOT NULL DEFAULT '0/0',
			replay_lsn  pg_lsn NOT NULL DEFAULT '0/0'
		)`)
	if err != nil {
		return fmt.Errorf("sentinel: ensure schema: %w", err)
	}
	return nil
}

// Setup inserts or replaces the sentinel row with the given startpos/endpos
// (spec §4.11 "setup(startpos, endpos)").
func (t *Table) Setup(ctx context.Context, startpos, endpos pglogrepl.LSN) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO `+tableName+` (id, startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn)
		VALUES (true, $1, $2, false, $1, $1, $1)
		ON CONFLICT (id) DO UPDATE SET startpos = $1, endpos = $2, apply = false, write_lsn = $1, flush_lsn = $1, replay_lsn = $1`,
		startpos.String(), endpos.String())
	if err != nil {
		return fmt.Errorf("sentinel: setup: %w", err)
	}
	t.logger.Info().Stringer("startpos", startpos).Stringer("endpos", endpos).Msg("sentinel configured")
	return nil
}

// Get returns the current sentinel row (spec §4.11 "get() → row").
func (t *Table) Get(ctx context.Context) (Row, error) {
	var r Row
	var startpos, endpos, writeLSN, flushLSN, replayLSN string
	err := t.pool.QueryRow(ctx, `SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn FROM `+tableName).
		Scan(&startpos, &endpos, &r.Apply, &writeLSN, &flushLSN, &replayLSN)
	if err != nil {
		return Row{}, fmt.Errorf("sentinel: get: %w", err)
	}
	if r.StartLSN, err = pglogrepl.ParseLSN(startpos); err != nil {
		return Row{}, fmt.Errorf("sentinel: parse startpos: %w", err)
	}
	if r.EndLSN, err = pglogrepl.ParseLSN(endpos); err != nil {
		return Row{}, fmt.Errorf("sentinel: parse endpos: %w", err)
	}
	if r.WriteLSN, err = pglogrepl.ParseLSN(writeLSN); err != nil {
		return Row{}, fmt.Errorf("sentinel: parse write_lsn: %w", err)
	}
	if r.FlushLSN, err = pglogrepl.ParseLSN(flushLSN); err != nil {
		return Row{}, fmt.Errorf("sentinel: parse flush_lsn: %w", err)
	}
	if r.ApplyLSN, err = pglogrepl.ParseLSN(replayLSN); err != nil {
		return Row{}, fmt.Errorf("sentinel: parse replay_lsn: %w", err)
	}
	return r, nil
}

// UpdateApply flips the apply flag, returning the post-write value so the
// caller observes its own write in one round-trip (spec §4.11 "writers must
// use UPDATE ... RETURNING").
func (t *Table) UpdateApply(ctx context.Context, apply bool) (bool, error) {
	var got bool
	err := t.pool.QueryRow(ctx, `UPDATE `+tableName+` SET apply = $1 RETURNING apply`, apply).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("sentinel: update_apply: %w", err)
	}
	return got, nil
}

// UpdateEndpos sets a new endpos, returning the post-write value.
func (t *Table) UpdateEndpos(ctx context.Context, endpos pglogrepl.LSN) (pglogrepl.LSN, error) {
	var got string
	err := t.pool.QueryRow(ctx, `UPDATE `+tableName+` SET endpos = $1 RETURNING endpos`, endpos.String()).Scan(&got)
	if err != nil {
		return 0, fmt.Errorf("sentinel: update_endpos: %w", err)
	}
	return pglogrepl.ParseLSN(got)
}

// UpdateWriteFlush advances write_lsn and flush_lsn, returning the post-write
// values. Called by the receiver (C8) as it writes and fsyncs segment data
// (spec §4.8), keeping the sentinel's write ≤ flush ≤ replay invariant
// (spec §3/§6) visible to anything reading the row, not just this process.
func (t *Table) UpdateWriteFlush(ctx context.Context, write, flush pglogrepl.LSN) (pglogrepl.LSN, pglogrepl.LSN, error) {
	var gotWrite, gotFlush string
	err := t.pool.QueryRow(ctx, `UPDATE `+tableName+` SET write_lsn = $1, flush_lsn = $2 RETURNING write_lsn, flush_lsn`,
		write.String(), flush.String()).Scan(&gotWrite, &gotFlush)
	if err != nil {
		return 0, 0, fmt.Errorf("sentinel: update_write_flush: %w", err)
	}
	w, err := pglogrepl.ParseLSN(gotWrite)
	if err != nil {
		return 0, 0, fmt.Errorf("sentinel: parse write_lsn: %w", err)
	}
	f, err := pglogrepl.ParseLSN(gotFlush)
	if err != nil {
		return 0, 0, fmt.Errorf("sentinel: parse flush_lsn: %w", err)
	}
	return w, f, nil
}

// UpdateReplay advances replay_lsn, returning the post-write value. Called
// asynchronously by C10's progress reporting (spec §4.10); callers are
// responsible for tracking their own in-flight flag around this call since a
// pgxpool connection may interleave updates from concurrent callers
// otherwise.
func (t *Table) UpdateReplay(ctx context.Context, lsn pglogrepl.LSN) (pglogrepl.LSN, error) {
	var got string
	err := t.pool.QueryRow(ctx, `UPDATE `+tableName+` SET replay_lsn = $1 RETURNING replay_lsn`, lsn.String()).Scan(&got)
	if err != nil {
		return 0, fmt.Errorf("sentinel: update_replay: %w", err)
	}
	return pglogrepl.ParseLSN(got)
}
