// Package catalog builds the in-memory representation of a source
// database's tables, indexes, constraints, sequences, and extensions
// (spec §3 "Source Table/Index/Constraint/Extension", §4.4 "Catalog Model").
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting loadTables/
// loadIndexes/loadExtensions run either against the pool directly or against
// a single transaction pinned to a shared snapshot.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// PartitionStrategy selects how C5 splits a table's data into copy-units.
type PartitionStrategy string

const (
	StrategyWhole           PartitionStrategy = "whole"
	StrategyCtidRange       PartitionStrategy = "by-ctid-range"
	StrategyByPartitionKey  PartitionStrategy = "by-partition-key"
)

// ctidRangeThresholdBytes is the heap size above which a table lacking a
// declarative partition key is still split into ctid-range copy-units
// rather than copied whole, bounding single-worker tail latency.
const ctidRangeThresholdBytes = 1 << 30 // 1 GiB

// Table is the catalog's representation of spec §3 "Source Table".
type Table struct {
	OID               uint32
	Namespace         string
	Name              string
	EstimatedRowCount int64
	ByteSize          int64
	Attributes        []string
	PartitionKey      string // empty if table is not declaratively partitioned
	Strategy          PartitionStrategy
}

// QualifiedName returns "namespace"."name".
func (t Table) QualifiedName() string {
	return pgx.Identifier{t.Namespace, t.Name}.Sanitize()
}

// Index is the catalog's representation of spec §3 "Source Index / Constraint".
type Index struct {
	OID            uint32
	TableOID       uint32
	Name           string
	DefinitionSQL  string
	IsPrimary      bool
	IsUnique       bool
	IsForeignKey   bool
	ConstraintOID  uint32 // 0 if this index has no backing constraint
}

// ExtensionConfigTable is one entry of a Source Extension's configuration
// table list (spec §3 "Source Extension").
type ExtensionConfigTable struct {
	Namespace   string
	Relname     string
	WhereClause string
}

// QualifiedName returns "namespace"."relname".
func (e ExtensionConfigTable) QualifiedName() string {
	return pgx.Identifier{e.Namespace, e.Relname}.Sanitize()
}

// Extension is the catalog's representation of spec §3 "Source Extension".
type Extension struct {
	Name                string
	ConfigurationTables []ExtensionConfigTable
}

// Filters implements the namespace-aware clauses of spec §4.3: an object is
// emitted/copied iff it passes all four.
type Filters struct {
	IncludeOnlySchema []string
	ExcludeSchema     []string
	IncludeOnlyTable  []string // "schema.table"
	ExcludeTable      []string // "schema.table"
}

func (f Filters) Allows(schema, qualifiedTable string) bool {
	if len(f.IncludeOnlySchema) > 0 && !contains(f.IncludeOnlySchema, schema) {
		return false
	}
	if contains(f.ExcludeSchema, schema) {
		return false
	}
	if len(f.IncludeOnlyTable) > 0 && !contains(f.IncludeOnlyTable, qualifiedTable) {
		return false
	}
	if contains(f.ExcludeTable, qualifiedTable) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Catalog is the populated, queryable in-memory model.
type Catalog struct {
	Tables     []Table
	Indexes    []Index
	Extensions []Extension
}

// Load populates a Catalog by querying the source. When snapshotName is
// non-empty (C2 exported it alongside the held snapshot, spec §4.2), every
// query here runs inside one REPEATABLE READ transaction pinned to that
// snapshot via SET TRANSACTION SNAPSHOT, so the catalog's row-count/byte-size
// scheduling hints and C5/C7's later reads all agree on the same
// point-in-time view of the source. Grounded on cluster.Introspect's
// pg_catalog queries and snapshot.Copier.ListTables's byte-size-descending
// ordering.
func Load(ctx context.Context, pool *pgxpool.Pool, filters Filters, snapshotName string) (*Catalog, error) {
	if snapshotName == "" {
		return load(ctx, pool, filters)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: acquire connection for snapshot: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("catalog: begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+quoteLiteral(snapshotName)); err != nil {
		return nil, fmt.Errorf("catalog: set transaction snapshot: %w", err)
	}

	return load(ctx, tx, filters)
}

func load(ctx context.Context, q queryer, filters Filters) (*Catalog, error) {
	tables, err := loadTables(ctx, q, filters)
	if err != nil {
		return nil, fmt.Errorf("catalog: load tables: %w", err)
	}
	indexes, err := loadIndexes(ctx, q, tables)
	if err != nil {
		return nil, fmt.Errorf("catalog: load indexes: %w", err)
	}
	extensions, err := loadExtensions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: load extensions: %w", err)
	}
	return &Catalog{Tables: tables, Indexes: indexes, Extensions: extensions}, nil
}

func loadTables(ctx context.Context, q queryer, filters Filters) ([]Table, error) {
	rows, err := q.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       COALESCE(s.n_live_tup, 0),
		       pg_total_relation_size(c.oid),
		       COALESCE(p.partkeydef, '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		LEFT JOIN LATERAL (
			SELECT pg_get_partkeydef(c.oid) AS partkeydef
		) p ON true
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY pg_total_relation_size(c.oid) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.OID, &t.Namespace, &t.Name, &t.EstimatedRowCount, &t.ByteSize, &t.PartitionKey); err != nil {
			return nil, err
		}
		qualified := t.Namespace + "." + t.Name
		if !filters.Allows(t.Namespace, qualified) {
			continue
		}
		t.Attributes, err = loadColumns(ctx, q, t.OID)
		if err != nil {
			return nil, err
		}
		switch {
		case t.PartitionKey != "":
			t.Strategy = StrategyByPartitionKey
		case t.ByteSize >= ctidRangeThresholdBytes:
			t.Strategy = StrategyCtidRange
		default:
			t.Strategy = StrategyWhole
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func loadColumns(ctx context.Context, q queryer, oid uint32) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT attname FROM pg_attribute
		WHERE attrelid = $1 AND attnum > 0 AND NOT attisdropped
		ORDER BY attnum`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func loadIndexes(ctx context.Context, q queryer, tables []Table) ([]Index, error) {
	tableOIDs := make([]uint32, len(tables))
	for i, t := range tables {
		tableOIDs[i] = t.OID
	}
	if len(tableOIDs) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		SELECT i.indexrelid, i.indrelid, ic.relname,
		       pg_get_indexdef(i.indexrelid),
		       i.indisprimary, i.indisunique,
		       COALESCE(con.oid, 0), COALESCE(con.contype = 'f', false)
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid AND con.contype <> 'f'
		WHERE i.indrelid = ANY($1)`, tableOIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.OID, &idx.TableOID, &idx.Name, &idx.DefinitionSQL,
			&idx.IsPrimary, &idx.IsUnique, &idx.ConstraintOID, &idx.IsForeignKey); err != nil {
			return nil, err
		}
		indexes = append(indexes, idx)
	}

	// Foreign-key constraints have no index of their own on the referencing
	// table (their conindid is the referenced table's unique index, which the
	// join above excludes), so they are captured here separately. C6 skips
	// every IsForeignKey entry and leaves it to the post-data restore.
	fkRows, err := q.Query(ctx, `
		SELECT con.oid, con.conrelid, con.conname, pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		WHERE con.contype = 'f' AND con.conrelid = ANY($1)`, tableOIDs)
	if err != nil {
		return nil, err
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var idx Index
		if err := fkRows.Scan(&idx.ConstraintOID, &idx.TableOID, &idx.Name, &idx.DefinitionSQL); err != nil {
			return nil, err
		}
		idx.OID = idx.ConstraintOID
		idx.IsForeignKey = true
		indexes = append(indexes, idx)
	}

	return indexes, rows.Err()
}

func loadExtensions(ctx context.Context, q queryer) ([]Extension, error) {
	rows, err := q.Query(ctx, `SELECT extname FROM pg_extension`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var extensions []Extension
	for _, name := range names {
		// extcondition is a text[] parallel to extconfig (same ordinality):
		// each config table's optional narrowing WHERE-clause, per spec §3
		// "Source Extension" (namespace, relname, where-clause).
		cfgRows, err := q.Query(ctx, `
			SELECT n.nspname, c.relname, COALESCE(cond.cond, '')
			FROM pg_extension e
			CROSS JOIN LATERAL unnest(e.extconfig) WITH ORDINALITY AS cfg(relid, ord)
			JOIN pg_class c ON c.oid = cfg.relid
			JOIN pg_namespace n ON n.oid = c.relnamespace
			LEFT JOIN LATERAL unnest(e.extcondition) WITH ORDINALITY AS cond(cond, ord)
			  ON cond.ord = cfg.ord
			WHERE e.extname = $1`, name)
		if err != nil {
			return nil, err
		}
		var ext Extension
		ext.Name = name
		for cfgRows.Next() {
			var t ExtensionConfigTable
			if err := cfgRows.Scan(&t.Namespace, &t.Relname, &t.WhereClause); err != nil {
				cfgRows.Close()
				return nil, err
			}
			ext.ConfigurationTables = append(ext.ConfigurationTables, t)
		}
		cfgRows.Close()
		if len(ext.ConfigurationTables) > 0 {
			extensions = append(extensions, ext)
		}
	}
	return extensions, nil
}

// PingResult reports reachability and replication readiness for one
// endpoint, backing the `ping` CLI command (spec §6).
type PingResult struct {
	Reachable    bool
	Version      string
	IsReplica    bool
	CanReplicate bool
	Latency      time.Duration
	Err          error
}

// Ping connects to dsn and reports reachability/version/replication
// privilege. Grounded on cluster.TestConnection.
func Ping(ctx context.Context, dsn string) PingResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return PingResult{Err: fmt.Errorf("connect: %w", err), Latency: time.Since(start)}
	}
	defer conn.Close(ctx)

	result := PingResult{Reachable: true, Latency: time.Since(start)}
	conn.QueryRow(ctx, "SELECT version()").Scan(&result.Version)
	conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&result.IsReplica)
	conn.QueryRow(ctx, "SELECT rolreplication FROM pg_roles WHERE rolname = current_user").Scan(&result.CanReplicate)
	return result
}
