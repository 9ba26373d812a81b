package extcopy

import (
	"testing"

	"github.com/jfoltran/pgcopydb/internal/catalog"
)

func TestSelectQuery_WithWhereClause(t *testing.T) {
	tbl := catalog.ExtensionConfigTable{Namespace: "public", Relname: "pgq_queue", WhereClause: "queue_name = 'events'"}
	got := selectQuery(tbl)
	want := `SELECT * FROM "public"."pgq_queue" WHERE queue_name = 'events'`
	if got != want {
		t.Errorf("selectQuery() = %q, want %q", got, want)
	}
}

func TestSelectQuery_WithoutWhereClause(t *testing.T) {
	tbl := catalog.ExtensionConfigTable{Namespace: "public", Relname: "pgq_queue"}
	got := selectQuery(tbl)
	want := `SELECT * FROM "public"."pgq_queue"`
	if got != want {
		t.Errorf("selectQuery() = %q, want %q", got, want)
	}
}
