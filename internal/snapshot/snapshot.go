// Package snapshot implements the Snapshot & Replication-Slot Manager (C2):
// it acquires a consistent transactional snapshot on the source and,
// atomically with it when streaming is requested, creates a logical
// replication slot at a known start LSN (spec §4.2).
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ErrSlotExists is returned by ExportReplicationSlot when a slot with the
// requested name already exists and does not match the persisted record
// (spec §4.2 failure mode "slot-already-exists").
var ErrSlotExists = errors.New("snapshot: replication slot already exists with different plugin/lsn")

// Mode selects the snapshot export mode passed to the source.
type Mode string

const (
	ModeExport Mode = "export" // SNAPSHOT 'export' — shareable by other connections
	ModeUse    Mode = "use"    // SET TRANSACTION SNAPSHOT '<id>' on another connection
)

// SlotDescriptor is the persisted record written to the work directory's
// "slot" file (spec §6 "Persisted state layout").
type SlotDescriptor struct {
	Name          string `json:"name"`
	Plugin        string `json:"plugin"`
	ConsistentLSN string `json:"consistent_lsn"`
	SnapshotName  string `json:"snapshot_name"`
}

// Manager owns the long-lived connection that holds the snapshot for the
// duration of the pre-data phase. Exactly one Manager exists per run; the
// snapshot-holding connection is owned exclusively by it (spec §5
// "Connection discipline").
type Manager struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	snapshotName  string
	slotName      string
	consistentLSN pglogrepl.LSN
}

// New wraps a raw replication-mode connection (DSN must include
// replication=database) for snapshot/slot management.
func New(conn *pgconn.PgConn, logger zerolog.Logger) *Manager {
	return &Manager{
		conn:   conn,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// BeginSnapshot starts a transaction on the held connection at
// REPEATABLE READ and exports its snapshot identifier, usable by other
// connections via SET TRANSACTION SNAPSHOT. Returns the snapshot id.
//
// It holds a snapshot without a slot. The snapshot command does not call it:
// it always uses ExportReplicationSlot, which performs the snapshot-plus-slot
// creation atomically (the slot command itself starts the transaction and
// exports the snapshot).
func (m *Manager) BeginSnapshot(ctx context.Context) (string, error) {
	if err := exec(ctx, m.conn, "BEGIN ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
		return "", fmt.Errorf("snapshot: begin: %w", err)
	}
	rr := m.conn.ExecParams(ctx, "SELECT pg_export_snapshot()", nil, nil, nil, nil)
	rows, err := rr.ReadAll()
	if err != nil {
		return "", fmt.Errorf("snapshot: export: %w", err)
	}
	if len(rows.Rows) == 0 || len(rows.Rows[0]) == 0 {
		return "", errors.New("snapshot: pg_export_snapshot returned no row")
	}
	snapID := string(rows.Rows[0][0])
	m.snapshotName = snapID
	return snapID, nil
}

// ExportReplicationSlot creates a logical replication slot and exports its
// snapshot atomically, on the same connection and transaction, per spec
// §4.2: "both must happen under the same transaction on a single
// connection so that the snapshot and the slot agree on a start LSN".
func (m *Manager) ExportReplicationSlot(ctx context.Context, name, plugin string, persisted *SlotDescriptor) (SlotDescriptor, error) {
	if persisted != nil && persisted.Name == name {
		if persisted.Plugin != plugin {
			return SlotDescriptor{}, fmt.Errorf("%w: persisted plugin %q != requested %q", ErrSlotExists, persisted.Plugin, plugin)
		}
		m.logger.Info().Str("slot", name).Msg("reusing existing replication slot")
		lsn, err := pglogrepl.ParseLSN(persisted.ConsistentLSN)
		if err != nil {
			return SlotDescriptor{}, fmt.Errorf("snapshot: parse persisted lsn: %w", err)
		}
		m.slotName = name
		m.consistentLSN = lsn
		m.snapshotName = persisted.SnapshotName
		return *persisted, nil
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, m.conn, name, plugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false, SnapshotAction: "export"})
	if err != nil {
		return SlotDescriptor{}, fmt.Errorf("snapshot: create replication slot: %w", err)
	}

	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return SlotDescriptor{}, fmt.Errorf("snapshot: parse consistent point: %w", err)
	}

	m.slotName = name
	m.consistentLSN = lsn
	m.snapshotName = result.SnapshotName

	desc := SlotDescriptor{
		Name:          name,
		Plugin:        plugin,
		ConsistentLSN: result.ConsistentPoint,
		SnapshotName:  result.SnapshotName,
	}
	m.logger.Info().
		Str("slot", name).
		Str("plugin", plugin).
		Str("consistent_lsn", result.ConsistentPoint).
		Msg("replication slot created")
	return desc, nil
}

// SnapshotName returns the exported snapshot identifier, used by every copy
// worker to issue SET TRANSACTION SNAPSHOT on its own connection.
func (m *Manager) SnapshotName() string { return m.snapshotName }

// ConsistentLSN returns the LSN at which the slot's logical stream begins,
// guaranteed to agree with the held snapshot's data.
func (m *Manager) ConsistentLSN() pglogrepl.LSN { return m.consistentLSN }

// Release ends the held transaction and closes the connection. Must be
// called only after every copy worker relying on the snapshot has finished
// (spec §4.2: "held by a long-lived connection kept alive for the entire
// pre-data phase").
func (m *Manager) Release(ctx context.Context) error {
	if err := exec(ctx, m.conn, "COMMIT"); err != nil {
		m.logger.Warn().Err(err).Msg("commit on snapshot connection failed")
	}
	return m.conn.Close(ctx)
}

func exec(ctx context.Context, conn *pgconn.PgConn, sql string) error {
	mrr := conn.Exec(ctx, sql)
	for mrr.NextResult() {
		if buf := mrr.ResultReader().Read(); buf.Err != nil {
			return buf.Err
		}
	}
	return mrr.Close()
}
