// Package transform implements the Stream Transformer (spec §4.9):
// converts a C8 JSON-line segment file into a replayable `.sql` script,
// buffering transactions that straddle a segment boundary until their
// COMMIT is seen.
//
// SQL-rendering idiom (identifier quoting, set/where-clause construction) is
// grounded on internal/migration/replay/applier.go's buildSetClauses/
// buildWhereClauses/quoteIdent, repurposed from "apply directly against a
// pool" to "render literal SQL text for a later file-mode apply".
package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/stream"
)

// Transformer holds state that must survive across segment files: a
// transaction opened in one segment but not yet committed is buffered here
// until its COMMIT line arrives in a later segment (spec §4.9 "a transaction
// that straddles segment files is buffered until its COMMIT is seen").
type Transformer struct {
	origin  string
	pending []stream.Line
}

// New returns a Transformer that tags COMMIT scripts with the given
// replication origin name.
func New(origin string) *Transformer {
	return &Transformer{origin: origin}
}

// TransformReader reads JSON lines from r and returns the SQL script for
// every transaction that completed within this segment. Lines belonging to
// a transaction whose COMMIT has not yet arrived remain buffered in t and
// are prepended the next time TransformReader is called.
func (t *Transformer) TransformReader(r *bufio.Scanner) (string, error) {
	var sb strings.Builder
	lines := t.pending
	t.pending = nil

	scan := func() (stream.Line, bool, error) {
		if len(lines) > 0 {
			l := lines[0]
			lines = lines[1:]
			return l, true, nil
		}
		if !r.Scan() {
			return stream.Line{}, false, r.Err()
		}
		var l stream.Line
		if err := json.Unmarshal(r.Bytes(), &l); err != nil {
			return stream.Line{}, false, fmt.Errorf("transform: decode line: %w", err)
		}
		return l, true, nil
	}

	var txn []stream.Line
	for {
		l, ok, err := scan()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}

		switch l.Action {
		case stream.ActionSwitch:
			continue
		case stream.ActionKeepalive:
			sb.WriteString(renderKeepalive(l))
			continue
		case stream.ActionBegin:
			txn = []stream.Line{l}
		case stream.ActionCommit:
			txn = append(txn, l)
			script, err := t.renderTransaction(txn)
			if err != nil {
				return "", err
			}
			sb.WriteString(script)
			txn = nil
		default:
			txn = append(txn, l)
		}
	}

	// An unterminated transaction at EOF straddles into the next segment.
	if len(txn) > 0 {
		t.pending = txn
	}
	return sb.String(), nil
}

// renderTransaction renders one complete BEGIN..COMMIT sequence to SQL.
func (t *Transformer) renderTransaction(lines []stream.Line) (string, error) {
	if len(lines) == 0 || lines[0].Action != stream.ActionBegin {
		return "", fmt.Errorf("transform: transaction does not start with BEGIN")
	}
	last := lines[len(lines)-1]
	if last.Action != stream.ActionCommit {
		return "", fmt.Errorf("transform: transaction does not end with COMMIT")
	}

	var sb strings.Builder
	begin := lines[0]
	fmt.Fprintf(&sb, "-- xid=%d commit_lsn=%s\nBEGIN;\n", begin.XID, last.LSN)

	for _, l := range lines[1 : len(lines)-1] {
		switch l.Action {
		case stream.ActionRelation:
			continue // schema metadata only, no SQL to emit
		case stream.ActionInsert:
			sb.WriteString(renderInsert(l))
		case stream.ActionUpdate:
			sb.WriteString(renderUpdate(l))
		case stream.ActionDelete:
			sb.WriteString(renderDelete(l))
		case stream.ActionTruncate:
			sb.WriteString(renderTruncate(l))
		case stream.ActionMessage:
			sb.WriteString(renderMessage(l))
		case stream.ActionKeepalive:
			sb.WriteString(renderKeepalive(l))
		}
	}

	if t.origin != "" {
		fmt.Fprintf(&sb, "SELECT pg_replication_origin_xact_setup(%s, now());\n", quoteLiteral(last.LSN))
	}
	sb.WriteString("COMMIT;\n")
	return sb.String(), nil
}

func renderInsert(l stream.Line) string {
	cols := make([]string, len(l.New))
	vals := make([]string, len(l.New))
	for i, c := range l.New {
		cols[i] = quoteIdent(c.Name)
		vals[i] = renderValue(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
		qualifiedName(l.Namespace, l.Table), strings.Join(cols, ", "), strings.Join(vals, ", "))
}

func renderUpdate(l stream.Line) string {
	setClauses := make([]string, len(l.New))
	for i, c := range l.New {
		setClauses[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), renderValue(c))
	}
	where := l.Old
	if where == nil {
		where = l.New
	}
	whereClauses := make([]string, len(where))
	for i, c := range where {
		whereClauses[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), renderValue(c))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;\n",
		qualifiedName(l.Namespace, l.Table), strings.Join(setClauses, ", "), strings.Join(whereClauses, " AND "))
}

func renderDelete(l stream.Line) string {
	whereClauses := make([]string, len(l.Old))
	for i, c := range l.Old {
		whereClauses[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), renderValue(c))
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s;\n", qualifiedName(l.Namespace, l.Table), strings.Join(whereClauses, " AND "))
}

func renderTruncate(l stream.Line) string {
	if len(l.Relations) == 0 {
		return "-- truncate: no relations resolved\n"
	}
	return fmt.Sprintf("TRUNCATE TABLE %s;\n", strings.Join(l.Relations, ", "))
}

func renderMessage(l stream.Line) string {
	return fmt.Sprintf("SELECT pg_logical_emit_message(true, %s, %s);\n", quoteLiteral(l.Prefix), quoteLiteral(string(l.Content)))
}

func renderKeepalive(l stream.Line) string {
	return fmt.Sprintf("-- keepalive lsn=%s\n", l.LSN)
}

func renderValue(c stream.ColumnValue) string {
	if c.Value == nil {
		return "NULL"
	}
	return quoteLiteral(string(c.Value))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualifiedName(namespace, table string) string {
	if namespace == "" {
		return quoteIdent(table)
	}
	return quoteIdent(namespace) + "." + quoteIdent(table)
}

// EndposCutoff reports whether a transaction's commit LSN is at or before
// endpos; a zero endpos never cuts off. The stream pipeline does not call
// it: the applier makes its own endpos comparison.
func EndposCutoff(commitLSN, endpos pglogrepl.LSN) bool {
	return endpos == 0 || commitLSN <= endpos
}
