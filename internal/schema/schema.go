// Package schema implements the Schema Dump/Restore Driver (C3): two
// done-marker-gated passes (pre-data, post-data) that shell out to the
// upstream dumper/restorer, then rewrite the restore catalog's entry list
// into a filtered include-list before invoking the restorer (spec §4.3).
package schema

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/pgerr"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Section selects which half of the schema a pass dumps/restores.
type Section string

const (
	SectionPreData  Section = "pre-data"
	SectionPostData Section = "post-data"
)

// ArchiveEntry is one line of the restorer's -l entry list (spec §3
// "Archive Entry"): (dumpId, catalogOid, objectOid, description,
// restoreListName).
type ArchiveEntry struct {
	DumpID          int
	CatalogOID      uint32
	ObjectOID       uint32
	ObjectType      string // TABLE, CONSTRAINT, INDEX, FK CONSTRAINT, ...
	Namespace       string
	Description     string
	RestoreListName string
	Raw             string // the untouched source line, reused verbatim when emitting
}

// restoreListLine matches pg_restore -l output: "<dumpId>; <catalogOid>
// <objectOid> <type> <namespace> <name> [...] <owner>".
var restoreListLine = func(line string) (ArchiveEntry, bool) {
	parts := strings.SplitN(line, ";", 2)
	if len(parts) != 2 {
		return ArchiveEntry{}, false
	}
	dumpID, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return ArchiveEntry{}, false
	}
	fields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(fields) < 3 {
		return ArchiveEntry{}, false
	}
	catOID, err1 := strconv.ParseUint(fields[0], 10, 32)
	objOID, err2 := strconv.ParseUint(fields[1], 10, 32)
	if err1 != nil || err2 != nil {
		return ArchiveEntry{}, false
	}

	rest := fields[2:]
	entry := ArchiveEntry{
		DumpID:          dumpID,
		CatalogOID:      uint32(catOID),
		ObjectOID:       uint32(objOID),
		Description:     strings.Join(rest, " "),
		RestoreListName: strings.Join(rest, " "),
		Raw:             line,
	}
	if len(rest) >= 4 {
		// "<TYPE> <namespace> <name> [<extra>...] <owner>"
		entry.ObjectType = rest[0]
		entry.Namespace = rest[1]
	}
	return entry, true
}

// Driver runs the external dumper and restorer against a work directory,
// keyed by done-markers so each pass runs at most once per run.
type Driver struct {
	sourceDSN string
	targetDSN string
	dest      *pgxpool.Pool
	work      *workdir.Dir
	logger    zerolog.Logger
}

// New constructs a schema Driver. dest is used for DROP TABLE/CREATE SCHEMA
// statements issued directly rather than through the restorer.
func New(sourceDSN, targetDSN string, dest *pgxpool.Pool, work *workdir.Dir, logger zerolog.Logger) *Driver {
	return &Driver{
		sourceDSN: sourceDSN,
		targetDSN: targetDSN,
		dest:      dest,
		work:      work,
		logger:    logger.With().Str("component", "schema").Logger(),
	}
}

func (d *Driver) dumpPath(section Section) string {
	name := "pre.dump"
	if section == SectionPostData {
		name = "post.dump"
	}
	return filepath.Join(d.work.SchemaDir(), name)
}

func (d *Driver) listPath(section Section) string {
	name := "pre.list"
	if section == SectionPostData {
		name = "post.list"
	}
	return filepath.Join(d.work.SchemaDir(), name)
}

func (d *Driver) doneMarkerKey(section Section, dump bool) string {
	switch {
	case section == SectionPreData && dump:
		return workdir.KeyPreDataDump
	case section == SectionPreData && !dump:
		return workdir.KeyPreDataRestore
	case section == SectionPostData && dump:
		return workdir.KeyPostDataDump
	default:
		return workdir.KeyPostDataRestore
	}
}

// Dump runs pg_dump --section=<section> against the source, producing one
// custom-format archive file, gated by its done-marker (spec §4.3).
// Grounded on the teacher's DumpSchema subprocess-invocation idiom
// (os/exec.CommandContext + ExitError.Stderr), generalized to two passes.
func (d *Driver) Dump(ctx context.Context, section Section) error {
	key := d.doneMarkerKey(section, true)
	if d.work.IsDone(key) {
		d.logger.Debug().Str("section", string(section)).Msg("dump already done, skipping")
		return nil
	}

	out := d.dumpPath(section)
	cmd := exec.CommandContext(ctx, "pg_dump",
		"--format=custom",
		"--section="+string(section),
		"--no-owner", "--no-privileges",
		"--file="+out,
		d.sourceDSN)
	if err := runSubprocess(cmd); err != nil {
		return fmt.Errorf("pg_dump (%s): %w", section, err)
	}
	if err := d.work.MarkDone(key); err != nil {
		return fmt.Errorf("schema: mark %s done: %w", key, err)
	}
	d.logger.Info().Str("section", string(section)).Str("file", out).Msg("schema dumped")
	return nil
}

// EntryList asks the restorer for the archive's entry list (pg_restore -l)
// and parses it into ArchiveEntry values (spec §4.3).
func (d *Driver) EntryList(ctx context.Context, section Section) ([]ArchiveEntry, error) {
	cmd := exec.CommandContext(ctx, "pg_restore", "-l", d.dumpPath(section))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pg_restore -l (%s): %w", section, asExitErr(err))
	}

	var entries []ArchiveEntry
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), ";") || strings.TrimSpace(line) == "" {
			continue // header/comment lines pg_restore -l itself emits
		}
		entry, ok := restoreListLine(line)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// FilterList rewrites entries into an include-list: for each entry, if its
// object-oid has a done-marker (already built in parallel by C6) or it
// fails the namespace-aware filters, the line is commented out; otherwise
// emitted verbatim (spec §4.3).
func (d *Driver) FilterList(entries []ArchiveEntry, work *workdir.Dir, filters catalog.Filters) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		// RestoreListName is "<type> <namespace> <name> ... <owner>"; the
		// table filters compare against "<namespace>.<name>".
		name := ""
		if f := strings.Fields(e.RestoreListName); len(f) >= 3 {
			name = f[2]
		}
		qualified := e.Namespace + "." + name
		skip := work.IsIndexDone(e.ObjectOID) || work.IsTableDone(e.ObjectOID) ||
			(e.Namespace != "" && !filters.Allows(e.Namespace, qualified))
		if skip {
			lines = append(lines, "; "+e.Raw)
		} else {
			lines = append(lines, e.Raw)
		}
	}
	return lines
}

// WriteListFile persists the filtered include-list to the work directory's
// pre.list/post.list, as consumed by pg_restore --use-list.
func (d *Driver) WriteListFile(section Section, lines []string) error {
	path := d.listPath(section)
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

// DropIfExistsComposite issues one DROP TABLE IF EXISTS ... CASCADE naming
// every target table of this run (spec §4.3: "because the restorer's own
// drop logic is unreliable with partial include-lists"). No-op if tables is
// empty.
func (d *Driver) DropIfExistsComposite(ctx context.Context, tables []catalog.Table) error {
	if len(tables) == 0 {
		return nil
	}
	idents := make([]string, len(tables))
	for i, t := range tables {
		idents[i] = t.QualifiedName()
	}
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", strings.Join(idents, ", "))
	if _, err := d.dest.Exec(ctx, sql); err != nil {
		return fmt.Errorf("schema: drop-if-exists: %w", err)
	}
	d.logger.Info().Int("tables", len(tables)).Msg("dropped stale target tables")
	return nil
}

// CreateSchemasIfNotExists issues CREATE SCHEMA IF NOT EXISTS for each named
// schema, so a restore into a fresh database succeeds (spec §4.3).
func (d *Driver) CreateSchemasIfNotExists(ctx context.Context, schemas []string) error {
	for _, s := range schemas {
		ident := pgx.Identifier{s}.Sanitize()
		if _, err := d.dest.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return fmt.Errorf("schema: create schema %s: %w", s, err)
		}
	}
	return nil
}

// Restore runs pg_restore against the target using the filtered list file,
// gated by its done-marker.
func (d *Driver) Restore(ctx context.Context, section Section) error {
	key := d.doneMarkerKey(section, false)
	if d.work.IsDone(key) {
		d.logger.Debug().Str("section", string(section)).Msg("restore already done, skipping")
		return nil
	}

	cmd := exec.CommandContext(ctx, "pg_restore",
		"--use-list="+d.listPath(section),
		"--no-owner", "--no-privileges",
		"--dbname="+d.targetDSN,
		d.dumpPath(section))
	if err := runSubprocess(cmd); err != nil {
		return fmt.Errorf("pg_restore (%s): %w", section, err)
	}
	if err := d.work.MarkDone(key); err != nil {
		return fmt.Errorf("schema: mark %s done: %w", key, err)
	}
	d.logger.Info().Str("section", string(section)).Msg("schema restored")
	return nil
}

func runSubprocess(cmd *exec.Cmd) error {
	if err := cmd.Run(); err != nil {
		return asExitErr(err)
	}
	return nil
}

func asExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%s", string(exitErr.Stderr))
	}
	return err
}

// ApplyStatements executes a plain SQL script against the target
// statement-by-statement, skipping duplicate-object errors — used for
// small fixed snippets (e.g. extension creation) that don't warrant a
// dumper/restorer round trip. Grounded on the teacher's ApplySchema.
func (d *Driver) ApplyStatements(ctx context.Context, sql string) error {
	stmts := splitStatements(sql)
	for _, stmt := range stmts {
		stmtCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := d.dest.Exec(stmtCtx, stmt)
		cancel()
		if err != nil {
			if pgerr.IsAlreadyExists(err) {
				d.logger.Debug().Str("statement", truncate(stmt, 120)).Msg("skipping (already exists)")
				continue
			}
			return fmt.Errorf("apply statement: %w", err)
		}
	}
	return nil
}

// splitStatements parses a SQL script into individual statements, stripping
// psql meta-commands and comments, correctly handling dollar-quoted bodies
// so semicolons inside PL/pgSQL functions are not treated as terminators.
// Grounded on the teacher's splitStatements/trackDollarQuoting/parseDollarTag.
func splitStatements(dump string) []string {
	var stmts []string
	var current strings.Builder
	inDollarQuote := false
	dollarTag := ""

	for _, line := range strings.Split(dump, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if strings.HasPrefix(trimmed, "\\") {
			continue
		}

		current.WriteString(line)
		current.WriteByte('\n')

		inDollarQuote, dollarTag = trackDollarQuoting(line, inDollarQuote, dollarTag)

		if !inDollarQuote && strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		}
	}

	if trailing := strings.TrimSpace(current.String()); trailing != "" {
		stmts = append(stmts, trailing)
	}

	return stmts
}

func trackDollarQuoting(line string, inQuote bool, currentTag string) (bool, string) {
	i := 0
	for i < len(line) {
		if line[i] != '$' {
			i++
			continue
		}
		tag, end := parseDollarTag(line, i)
		if tag == "" {
			i++
			continue
		}
		if !inQuote {
			inQuote = true
			currentTag = tag
		} else if tag == currentTag {
			inQuote = false
			currentTag = ""
		}
		i = end
	}
	return inQuote, currentTag
}

func parseDollarTag(line string, pos int) (string, int) {
	if pos >= len(line) || line[pos] != '$' {
		return "", pos
	}
	j := pos + 1
	if j < len(line) && line[j] == '$' {
		return "$$", j + 1
	}
	for j < len(line) && isDollarTagChar(line[j]) {
		j++
	}
	if j > pos+1 && j < len(line) && line[j] == '$' {
		tag := line[pos : j+1]
		return tag, j + 1
	}
	return "", pos
}

func isDollarTagChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
