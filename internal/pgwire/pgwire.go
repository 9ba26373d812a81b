package pgwire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Conn wraps a pgconn.PgConn with replication-specific helpers.
type Conn struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// NewConn creates a Conn wrapper.
func NewConn(conn *pgconn.PgConn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
}

// Raw returns the underlying pgconn.PgConn.
func (c *Conn) Raw() *pgconn.PgConn {
	return c.conn
}

// SetReplicationOrigin creates (if missing) and configures a replication
// origin on the session so that subsequent writes are tagged with the given
// origin name, recording provenance on the target the way spec §4.10's
// sentinel-origin bookkeeping expects.
func (c *Conn) SetReplicationOrigin(ctx context.Context, originName string) error {
	exists, err := c.execParams(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = $1)", originName)
	if err != nil {
		return fmt.Errorf("check replication origin: %w", err)
	}
	if len(exists) == 0 || string(exists[0]) != "t" {
		if _, err := c.execParams(ctx, "SELECT pg_replication_origin_create($1)", originName); err != nil {
			return fmt.Errorf("create replication origin: %w", err)
		}
	}

	if _, err := c.execParams(ctx, "SELECT pg_replication_origin_session_setup($1)", originName); err != nil {
		return fmt.Errorf("setup replication origin session: %w", err)
	}

	c.logger.Info().Str("origin", originName).Msg("replication origin configured")
	return nil
}

// DropReplicationSlot drops a replication slot, used by the `stream cleanup`
// CLI command (spec §6).
func (c *Conn) DropReplicationSlot(ctx context.Context, slotName string) error {
	_, err := c.execParams(ctx, "SELECT pg_drop_replication_slot($1)", slotName)
	if err != nil {
		return fmt.Errorf("drop replication slot: %w", err)
	}
	return nil
}

func (c *Conn) execParams(ctx context.Context, sql string, params ...string) ([]byte, error) {
	args := make([][]byte, len(params))
	for i, p := range params {
		args[i] = []byte(p)
	}
	rr := c.conn.ExecParams(ctx, sql, args, nil, nil, nil)
	rows, err := rr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 || len(rows.Rows[0]) == 0 {
		return nil, nil
	}
	return rows.Rows[0][0], nil
}

// Close closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
