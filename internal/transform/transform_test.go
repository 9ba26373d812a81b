package transform

import (
	"bufio"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/stream"
)

func scannerFor(jsonLines string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(jsonLines))
}

func parseLSN(t *testing.T, s string) (pglogrepl.LSN, error) {
	t.Helper()
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		t.Fatalf("ParseLSN(%q) error = %v", s, err)
	}
	return lsn, nil
}

func TestTransformReader_SimpleInsertTransaction(t *testing.T) {
	input := `{"action":"begin","xid":7,"lsn":"0/100"}
{"action":"insert","namespace":"public","table":"accounts","lsn":"0/101","new":[{"name":"id","value":"MQ=="},{"name":"name","value":"YWxpY2U="}]}
{"action":"commit","lsn":"0/102"}
`
	tr := New("")
	got, err := tr.TransformReader(scannerFor(input))
	if err != nil {
		t.Fatalf("TransformReader() error = %v", err)
	}
	if !strings.Contains(got, "BEGIN;") || !strings.Contains(got, "COMMIT;") {
		t.Errorf("expected BEGIN/COMMIT in script, got:\n%s", got)
	}
	if !strings.Contains(got, `INSERT INTO "public"."accounts"`) {
		t.Errorf("expected INSERT statement, got:\n%s", got)
	}
	if len(tr.pending) != 0 {
		t.Errorf("expected no pending lines after a complete transaction, got %d", len(tr.pending))
	}
}

func TestTransformReader_StraddlingTransactionBuffersUntilCommit(t *testing.T) {
	segmentA := `{"action":"begin","xid":9,"lsn":"0/200"}
{"action":"insert","namespace":"public","table":"orders","lsn":"0/201","new":[{"name":"id","value":"MQ=="}]}
`
	tr := New("")
	gotA, err := tr.TransformReader(scannerFor(segmentA))
	if err != nil {
		t.Fatalf("TransformReader() segment A error = %v", err)
	}
	if gotA != "" {
		t.Errorf("expected no completed script from an unterminated transaction, got:\n%s", gotA)
	}
	if len(tr.pending) != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", len(tr.pending))
	}

	segmentB := `{"action":"commit","lsn":"0/202"}
`
	gotB, err := tr.TransformReader(scannerFor(segmentB))
	if err != nil {
		t.Fatalf("TransformReader() segment B error = %v", err)
	}
	if !strings.Contains(gotB, `INSERT INTO "public"."orders"`) || !strings.Contains(gotB, "COMMIT;") {
		t.Errorf("expected the straddling transaction to complete in segment B, got:\n%s", gotB)
	}
	if len(tr.pending) != 0 {
		t.Errorf("expected no pending lines after the straddling commit, got %d", len(tr.pending))
	}
}

func TestTransformReader_UpdateUsesOldTupleForWhere(t *testing.T) {
	input := `{"action":"begin","xid":1,"lsn":"0/300"}
{"action":"update","namespace":"public","table":"accounts","lsn":"0/301","old":[{"name":"id","value":"MQ=="}],"new":[{"name":"id","value":"MQ=="},{"name":"balance","value":"MTAw"}]}
{"action":"commit","lsn":"0/302"}
`
	tr := New("pgcopydb")
	got, err := tr.TransformReader(scannerFor(input))
	if err != nil {
		t.Fatalf("TransformReader() error = %v", err)
	}
	if !strings.Contains(got, "UPDATE") || !strings.Contains(got, "WHERE") {
		t.Errorf("expected UPDATE ... WHERE, got:\n%s", got)
	}
	if !strings.Contains(got, "pg_replication_origin_xact_setup") {
		t.Errorf("expected origin tracking call when an origin name is set, got:\n%s", got)
	}
}

func TestRenderDelete(t *testing.T) {
	l := stream.Line{
		Namespace: "public", Table: "accounts",
		Old: []stream.ColumnValue{{Name: "id", Value: []byte("1")}},
	}
	got := renderDelete(l)
	want := `DELETE FROM "public"."accounts" WHERE "id" = '1';` + "\n"
	if got != want {
		t.Errorf("renderDelete() = %q, want %q", got, want)
	}
}

func TestQuoteLiteral_EscapesSingleQuotes(t *testing.T) {
	got := quoteLiteral("O'Brien")
	want := `'O''Brien'`
	if got != want {
		t.Errorf("quoteLiteral() = %q, want %q", got, want)
	}
}

func TestEndposCutoff(t *testing.T) {
	a, _ := parseLSN(t, "0/100")
	endpos, _ := parseLSN(t, "0/200")
	if !EndposCutoff(a, endpos) {
		t.Error("expected commit before endpos to be within cutoff")
	}
	b, _ := parseLSN(t, "0/300")
	if EndposCutoff(b, endpos) {
		t.Error("expected commit after endpos to be outside cutoff")
	}
	if !EndposCutoff(b, 0) {
		t.Error("expected a zero endpos (unset) to never cut off")
	}
}
