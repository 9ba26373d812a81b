// Package apply implements the Stream Applier (spec §4.10): a state machine
// that applies the `.sql` scripts produced by C9, tracking replication
// origin progress and reporting replay position back to the source's
// sentinel row.
//
// The Begin/Change/Commit dispatch shape is grounded on
// internal/migration/replay/applier.go's Applier.Start; the
// WAITING_FOR_SENTINEL/endpos/origin-tracking machinery the teacher lacks is
// built fresh from spec §4.10, and replication-origin session setup is
// grounded on internal/pgwire/pgwire.go's SetReplicationOrigin.
package apply

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
)

// State is one node of the applier's state machine (spec §4.10).
type State string

const (
	StateWaitingForSentinel State = "WAITING_FOR_SENTINEL"
	StateReady              State = "READY"
	StateInTxn              State = "IN_TXN"
	StateIdle               State = "IDLE"
	StateStopped            State = "STOPPED"
)

// progressReportInterval bounds sentinel progress reporting (spec §4.10 "at
// most once per second").
const progressReportInterval = 1 * time.Second

// Applier replays transformed SQL scripts against the target, one
// transaction at a time, in file mode. dest is a single dedicated connection
// on which the caller has already run pg_replication_origin_session_setup
// for origin: origin tracking is connection-scoped, so pooling transactions
// across arbitrary connections would lose it (spec §4.10).
type Applier struct {
	dest       *pgx.Conn
	sentinel   *sentinel.Table
	origin     string
	logger     zerolog.Logger

	state       State
	previousLSN pglogrepl.LSN // replication origin's remote_lsn equivalent
	endpos      pglogrepl.LSN

	mu             sync.Mutex
	inFlight       bool
	lastReportTime time.Time
}

// New returns an Applier starting in WAITING_FOR_SENTINEL. dest must already
// have had pg_replication_origin_session_setup(origin) run on it.
func New(dest *pgx.Conn, sentinelTbl *sentinel.Table, origin string, previousLSN, endpos pglogrepl.LSN, logger zerolog.Logger) *Applier {
	return &Applier{
		dest:        dest,
		sentinel:    sentinelTbl,
		origin:      origin,
		previousLSN: previousLSN,
		endpos:      endpos,
		state:       StateWaitingForSentinel,
		logger:      logger.With().Str("component", "apply").Logger(),
	}
}

// State returns the applier's current state.
func (a *Applier) State() State { return a.state }

// WaitForSentinel blocks until the sentinel row's apply flag is true,
// transitioning WAITING_FOR_SENTINEL → READY (spec §4.10).
func (a *Applier) WaitForSentinel(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		row, err := a.sentinel.Get(ctx)
		if err != nil {
			return fmt.Errorf("apply: wait for sentinel: %w", err)
		}
		if row.Apply {
			a.state = StateReady
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transaction is one BEGIN..COMMIT unit parsed out of a C9 script.
type transaction struct {
	commitLSN pglogrepl.LSN
	body      string // statements between BEGIN; and COMMIT;, including the origin-tracking call
}

// ApplyScript replays every transaction in script against the target,
// skipping those whose commit-lsn is at or below the last applied one. When a
// transaction at or past endpos commits, it sets the state to StateStopped
// and returns nil. A failed transaction returns its error and leaves the
// state at StateInTxn. Otherwise it returns nil, ready for the next script.
func (a *Applier) ApplyScript(ctx context.Context, script string) error {
	txns, err := splitTransactions(script)
	if err != nil {
		return fmt.Errorf("apply: parse script: %w", err)
	}

	for _, txn := range txns {
		if txn.commitLSN <= a.previousLSN {
			a.logger.Debug().Stringer("commit_lsn", txn.commitLSN).Msg("skipping duplicate transaction")
			continue
		}

		a.state = StateInTxn
		if err := a.applyOne(ctx, txn); err != nil {
			return fmt.Errorf("apply: transaction at %s: %w", txn.commitLSN, err)
		}
		a.previousLSN = txn.commitLSN
		a.state = StateIdle

		a.reportProgressAsync(ctx, txn.commitLSN)

		if a.endpos != 0 && txn.commitLSN >= a.endpos {
			a.state = StateStopped
			return nil
		}
	}
	return nil
}

func (a *Applier) applyOne(ctx context.Context, txn transaction) error {
	tx, err := a.dest.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, txn.body); err != nil {
		_ = tx.Rollback(ctx)
		if pgerr.IsDeterministicDuplicate(err) {
			remote, rerr := a.remoteOriginLSN(ctx)
			if rerr == nil && txn.commitLSN <= remote {
				a.logger.Warn().Err(err).Stringer("commit_lsn", txn.commitLSN).
					Msg("deterministic duplicate at or below origin progress, treating as already applied")
				return nil
			}
		}
		return fmt.Errorf("exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// remoteOriginLSN reads the target's authoritative replication-origin
// progress (spec §7's "origin's remote_lsn"), which a crash-restarted run's
// in-memory previousLSN can lag behind.
func (a *Applier) remoteOriginLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var lsnStr string
	if err := a.dest.QueryRow(ctx, "SELECT pg_replication_origin_progress($1, true)", a.origin).Scan(&lsnStr); err != nil {
		return 0, err
	}
	return pglogrepl.ParseLSN(lsnStr)
}

// reportProgressAsync sends a sentinel replay_lsn update without blocking
// the apply loop. While a previous update is still in flight, or less than
// progressReportInterval has passed since the last one, it skips this
// progress point: it does not wait for or drain the earlier update, and a
// skipped LSN reaches the sentinel only through a later update or FinalSync.
func (a *Applier) reportProgressAsync(ctx context.Context, lsn pglogrepl.LSN) {
	a.mu.Lock()
	if a.inFlight || time.Since(a.lastReportTime) < progressReportInterval {
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	a.lastReportTime = time.Now()
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.inFlight = false
			a.mu.Unlock()
		}()
		if _, err := a.sentinel.UpdateReplay(ctx, lsn); err != nil {
			a.logger.Warn().Err(err).Msg("async sentinel progress update failed")
		}
	}()
}

// FinalSync issues one synchronous sentinel update, mandatory on every exit
// path including errors (spec §4.10 "On exit, one final synchronous
// sentinel update is mandatory").
func (a *Applier) FinalSync(ctx context.Context) error {
	_, err := a.sentinel.UpdateReplay(ctx, a.previousLSN)
	return err
}

// LastAppliedLSN returns the commit-lsn of the most recently applied
// transaction.
func (a *Applier) LastAppliedLSN() pglogrepl.LSN { return a.previousLSN }

// splitTransactions parses a C9 script into its constituent transactions,
// recovering each one's commit-lsn from the "-- xid=... commit_lsn=..."
// header comment C9 emits before every BEGIN.
func splitTransactions(script string) ([]transaction, error) {
	var txns []transaction
	var body strings.Builder
	var commitLSN pglogrepl.LSN
	inTxn := false

	scanner := bufio.NewScanner(strings.NewReader(script))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "-- xid="):
			lsnStr := line[strings.Index(line, "commit_lsn=")+len("commit_lsn="):]
			lsn, err := pglogrepl.ParseLSN(strings.TrimSpace(lsnStr))
			if err != nil {
				return nil, fmt.Errorf("parse commit_lsn from %q: %w", line, err)
			}
			commitLSN = lsn
			inTxn = true
			body.Reset()
		case line == "BEGIN;":
			continue // the applier opens its own pgx.Tx; this is a marker only
		case line == "COMMIT;":
			if inTxn {
				txns = append(txns, transaction{commitLSN: commitLSN, body: body.String()})
				inTxn = false
			}
		case inTxn:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}
