// Package extcopy implements the Extension-Config Copier (spec §4.7): an
// auxiliary process copying rows of tables that source extensions declare as
// configuration data, filtered by each table's where-clause.
//
// Row-streaming is grounded on internal/migration/snapshot/snapshot.go's
// rowStreamer/CopyFrom idiom (shared lineage with internal/copier), since the
// teacher has no extension-configuration concept of its own.
package extcopy

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/catalog"
)

// Result reports the outcome of copying one extension configuration table.
type Result struct {
	Extension string
	Table     catalog.ExtensionConfigTable
	RowsCopied int64
	Err        error
}

// Copier copies extension configuration-table rows from source to target.
// Its failures are logged but, per spec §4.7, never fail the overall run
// unless the operator requested strict mode — the caller (supervisor)
// decides that policy from the Results this returns.
type Copier struct {
	source       *pgxpool.Pool
	dest         *pgxpool.Pool
	logger       zerolog.Logger
	snapshotName string
}

// New returns a Copier.
func New(source, dest *pgxpool.Pool, logger zerolog.Logger) *Copier {
	return &Copier{
		source: source,
		dest:   dest,
		logger: logger.With().Str("component", "extcopy").Logger(),
	}
}

// SetSnapshotName pins the source read to the named exported snapshot (spec
// §1/§4.2), matching the view every table-data copy-unit reads under.
func (c *Copier) SetSnapshotName(name string) {
	c.snapshotName = name
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CopyAll copies every configuration table of every extension, sequentially;
// this is a low-volume auxiliary path (spec §4.7 "3%" of effort) with no
// scheduling pressure that would justify a worker pool.
func (c *Copier) CopyAll(ctx context.Context, extensions []catalog.Extension) []Result {
	var results []Result
	for _, ext := range extensions {
		for _, tbl := range ext.ConfigurationTables {
			results = append(results, c.copyOne(ctx, ext.Name, tbl))
		}
	}
	return results
}

func (c *Copier) copyOne(ctx context.Context, extName string, tbl catalog.ExtensionConfigTable) Result {
	log := c.logger.With().Str("extension", extName).Str("table", tbl.QualifiedName()).Logger()
	log.Info().Msg("starting extension configuration copy")

	srcConn, err := c.source.Acquire(ctx)
	if err != nil {
		return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("acquire source conn: %w", err)}
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("begin source tx: %w", err)}
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if c.snapshotName != "" {
		if _, err := srcTx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+quoteLiteral(c.snapshotName)); err != nil {
			return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("set transaction snapshot: %w", err)}
		}
	}

	rows, err := srcTx.Query(ctx, selectQuery(tbl))
	if err != nil {
		log.Error().Err(err).Msg("extension configuration copy failed")
		return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("select from %s: %w", tbl.QualifiedName(), err)}
	}

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	src := &rowStreamer{rows: rows}
	n, err := c.dest.CopyFrom(ctx, pgx.Identifier{tbl.Namespace, tbl.Relname}, colNames, src)
	rows.Close()
	if err != nil {
		log.Error().Err(err).Msg("extension configuration copy failed")
		return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("copy to %s: %w", tbl.QualifiedName(), err)}
	}
	if src.err != nil {
		log.Error().Err(src.err).Msg("extension configuration copy failed")
		return Result{Extension: extName, Table: tbl, Err: fmt.Errorf("read from %s: %w", tbl.QualifiedName(), src.err)}
	}

	log.Info().Int64("rows", n).Msg("extension configuration copy complete")
	return Result{Extension: extName, Table: tbl, RowsCopied: n}
}

// selectQuery builds the source-side SELECT for a configuration table,
// narrowed by its declared where-clause (spec §3 "Source Extension").
func selectQuery(tbl catalog.ExtensionConfigTable) string {
	query := fmt.Sprintf("SELECT * FROM %s", tbl.QualifiedName())
	if tbl.WhereClause != "" {
		query += " WHERE " + tbl.WhereClause
	}
	return query
}

// rowStreamer implements pgx.CopyFromSource over a single pgx.Rows result.
type rowStreamer struct {
	rows pgx.Rows
	vals []any
	err  error
}

func (s *rowStreamer) Next() bool {
	if !s.rows.Next() {
		return false
	}
	vals, err := s.rows.Values()
	if err != nil {
		s.err = err
		return false
	}
	s.vals = vals
	return true
}

func (s *rowStreamer) Values() ([]any, error) { return s.vals, nil }

func (s *rowStreamer) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.rows.Err()
}
