package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/sentinel"
)

// standbyStatusInterval bounds how often Receiver acknowledges progress to
// the source (spec §4.8 "at most once per second").
const standbyStatusInterval = 1 * time.Second

const recvTimeout = 2 * time.Second

// Receiver consumes a logical-replication stream and persists it as
// JSON-line segment files under a work directory, one file per WAL segment.
type Receiver struct {
	conn        *pgconn.PgConn
	dir         string
	slotName    string
	publication string
	timeline    uint32
	logger      zerolog.Logger
	sentinelTbl *sentinel.Table

	relations map[uint32]*relationInfo
	origin    string

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	writeLSN       pglogrepl.LSN
	flushLSN       pglogrepl.LSN
	lastStatusTime time.Time

	current *segmentWriter
}

type relationInfo struct {
	namespace string
	name      string
	columns   []pglogrepl.RelationMessageColumn
}

// New returns a Receiver writing segment files into dir. sentinelTbl, if
// non-nil, receives the receiver's write/flush progress and supplies the
// applier's replay progress for standby status updates (spec §4.8); nil is
// accepted for tests that exercise the receiver without a source sentinel.
func New(conn *pgconn.PgConn, dir, slotName, publication string, sentinelTbl *sentinel.Table, logger zerolog.Logger) *Receiver {
	return &Receiver{
		conn:        conn,
		dir:         dir,
		slotName:    slotName,
		publication: publication,
		timeline:    1,
		sentinelTbl: sentinelTbl,
		relations:   make(map[uint32]*relationInfo),
		logger:      logger.With().Str("component", "stream").Logger(),
	}
}

// Run starts replication at startLSN and blocks until ctx is cancelled or an
// unrecoverable protocol error occurs.
func (r *Receiver) Run(ctx context.Context, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, r.conn, r.slotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", r.publication),
			},
		})
	if err != nil {
		return fmt.Errorf("stream: start replication: %w", err)
	}

	r.confirmedLSN = startLSN
	r.lastStatusTime = time.Now()
	defer r.closeCurrent()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(r.lastStatusTime) >= standbyStatusInterval {
			if err := r.sendStandbyStatus(ctx); err != nil {
				r.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("stream: receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("stream: server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse keepalive")
				continue
			}
			r.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			r.mu.Unlock()
			if r.current != nil {
				if err := r.writeLine(Line{Action: ActionKeepalive, LSN: pglogrepl.LSN(pkm.ServerWALEnd).String(), Timestamp: pkm.ServerTime}); err != nil {
					r.logger.Err(err).Msg("write keepalive line")
				}
			}
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx); err != nil {
					r.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			r.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			r.mu.Unlock()
			if err := r.handleXLogData(xld); err != nil {
				return err
			}
		}
	}
}

func (r *Receiver) handleXLogData(xld pglogrepl.XLogData) error {
	lsn := pglogrepl.LSN(xld.WALStart)
	if err := r.rollSegmentIfNeeded(lsn); err != nil {
		return err
	}

	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		r.logger.Err(err).Msg("parse WAL data")
		return nil
	}

	now := time.Now()
	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		return r.writeLine(Line{Action: ActionBegin, XID: msg.Xid, LSN: pglogrepl.LSN(msg.FinalLSN).String(), Timestamp: msg.CommitTime})

	case *pglogrepl.CommitMessage:
		line := Line{Action: ActionCommit, LSN: pglogrepl.LSN(msg.CommitLSN).String(), Timestamp: msg.CommitTime}
		if err := r.writeLine(line); err != nil {
			return err
		}
		r.ConfirmLSN(pglogrepl.LSN(msg.CommitLSN))
		return nil

	case *pglogrepl.RelationMessage:
		r.relations[msg.RelationID] = &relationInfo{namespace: msg.Namespace, name: msg.RelationName, columns: msg.Columns}
		cols := make([]ColumnValue, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = ColumnValue{Name: c.Name, DataType: c.DataType}
		}
		return r.writeLine(Line{
			Action: ActionRelation, Relation: msg.RelationID,
			Namespace: msg.Namespace, Table: msg.RelationName,
			Columns: cols, LSN: lsn.String(), Timestamp: now,
		})

	case *pglogrepl.InsertMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return nil
		}
		return r.writeLine(Line{
			Action: ActionInsert, Relation: msg.RelationID, Namespace: rel.namespace, Table: rel.name,
			New: decodeTuple(msg.Tuple, rel.columns), LSN: lsn.String(), Timestamp: now, Origin: r.origin,
		})

	case *pglogrepl.UpdateMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return nil
		}
		line := Line{
			Action: ActionUpdate, Relation: msg.RelationID, Namespace: rel.namespace, Table: rel.name,
			New: decodeTuple(msg.NewTuple, rel.columns), LSN: lsn.String(), Timestamp: now, Origin: r.origin,
		}
		if msg.OldTuple != nil {
			line.Old = decodeTuple(msg.OldTuple, rel.columns)
		}
		return r.writeLine(line)

	case *pglogrepl.DeleteMessage:
		rel := r.relations[msg.RelationID]
		if rel == nil {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return nil
		}
		return r.writeLine(Line{
			Action: ActionDelete, Relation: msg.RelationID, Namespace: rel.namespace, Table: rel.name,
			Old: decodeTuple(msg.OldTuple, rel.columns), LSN: lsn.String(), Timestamp: now, Origin: r.origin,
		})

	case *pglogrepl.TruncateMessage:
		names := make([]string, 0, len(msg.RelationIDs))
		for _, relID := range msg.RelationIDs {
			if rel := r.relations[relID]; rel != nil {
				names = append(names, rel.namespace+"."+rel.name)
			}
		}
		return r.writeLine(Line{Action: ActionTruncate, Relations: names, LSN: lsn.String(), Timestamp: now})

	case *pglogrepl.MessageMessage:
		return r.writeLine(Line{Action: ActionMessage, Prefix: msg.Prefix, Content: msg.Content, LSN: lsn.String(), Timestamp: now})

	case *pglogrepl.OriginMessage:
		r.origin = msg.Name
	}
	return nil
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []pglogrepl.RelationMessageColumn) []ColumnValue {
	if tuple == nil {
		return nil
	}
	out := make([]ColumnValue, len(tuple.Columns))
	for i, c := range tuple.Columns {
		cv := ColumnValue{Value: c.Data}
		if i < len(cols) {
			cv.Name = cols[i].Name
			cv.DataType = cols[i].DataType
		}
		out[i] = cv
	}
	return out
}

// rollSegmentIfNeeded finalizes the current segment and opens the next one
// whenever lsn crosses into a new WAL segment, emitting a SWITCH sentinel
// line into the newly opened segment (spec §4.8).
func (r *Receiver) rollSegmentIfNeeded(lsn pglogrepl.LSN) error {
	name := segmentName(lsn, r.timeline)
	if r.current != nil && r.current.name == name {
		return nil
	}
	if err := r.closeCurrent(); err != nil {
		return err
	}
	w, err := openSegment(r.dir, name)
	if err != nil {
		return err
	}
	r.current = w
	if err := w.WriteLine(Line{Action: ActionSwitch, LSN: lsn.String(), Timestamp: time.Now()}); err != nil {
		return fmt.Errorf("stream: write switch sentinel: %w", err)
	}
	return nil
}

func (r *Receiver) closeCurrent() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Finalize()
	r.current = nil
	if err == nil {
		// Finalize fsyncs the segment file, so every line written to it up to
		// this point is now durable (spec §3/§6 write_lsn ≤ flush_lsn).
		r.mu.Lock()
		r.flushLSN = r.writeLSN
		r.mu.Unlock()
	}
	return err
}

func (r *Receiver) writeLine(l Line) error {
	if r.current == nil {
		return fmt.Errorf("stream: write line before any segment opened")
	}
	if err := r.current.WriteLine(l); err != nil {
		return err
	}
	if lsn, err := pglogrepl.ParseLSN(l.LSN); err == nil {
		r.mu.Lock()
		if lsn > r.writeLSN {
			r.writeLSN = lsn
		}
		r.mu.Unlock()
	}
	return nil
}

// sendStandbyStatus reports write/flush progress to the sentinel table (spec
// §4.8) and, when one is wired, reads back apply progress from the sentinel
// row rather than this receiver's own tracking, since apply position must
// reflect what the applier (C10) has actually replayed, not merely what this
// process has received and written to disk.
func (r *Receiver) sendStandbyStatus(ctx context.Context) error {
	r.lastStatusTime = time.Now()
	write, flush := r.writeProgress()
	apply := r.effectiveLSN()

	if r.sentinelTbl != nil {
		if _, _, err := r.sentinelTbl.UpdateWriteFlush(ctx, write, flush); err != nil {
			r.logger.Warn().Err(err).Msg("sentinel write/flush update failed")
		}
		if row, err := r.sentinelTbl.Get(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("sentinel read failed, reporting receiver progress as apply position")
		} else {
			apply = row.ApplyLSN
		}
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write,
		WALFlushPosition: flush,
		WALApplyPosition: apply,
	})
}

// writeProgress returns the receiver's own write and flush watermarks, each
// falling back to the caught-up server/confirmed position so an idle
// receiver with no segment open yet still reports forward progress.
func (r *Receiver) writeProgress() (write, flush pglogrepl.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	write, flush = r.writeLSN, r.flushLSN
	if eff := r.effectiveLSNLocked(); eff > write {
		write = eff
	}
	return write, flush
}

// effectiveLSN reports the server's WAL end once the receiver is caught up,
// so an idle slot doesn't fall behind during quiet periods.
func (r *Receiver) effectiveLSN() pglogrepl.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLSNLocked()
}

// effectiveLSNLocked is effectiveLSN's body for callers already holding mu.
func (r *Receiver) effectiveLSNLocked() pglogrepl.LSN {
	if r.serverWALEnd > r.confirmedLSN {
		return r.serverWALEnd
	}
	return r.confirmedLSN
}

// ConfirmLSN advances the position reported in standby-status updates. The
// supervisor may also call this directly with the applier's (C10) replayed
// LSN once downstream apply is ahead of what this receiver has processed.
func (r *Receiver) ConfirmLSN(lsn pglogrepl.LSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lsn > r.confirmedLSN {
		r.confirmedLSN = lsn
	}
}
