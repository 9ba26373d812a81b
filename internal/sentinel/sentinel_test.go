package sentinel

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestRow_ZeroValueHasNoProgress(t *testing.T) {
	var r Row
	if r.Apply {
		t.Error("zero-value Row should not have apply=true")
	}
	if r.ApplyLSN != pglogrepl.LSN(0) || r.StartLSN != pglogrepl.LSN(0) || r.EndLSN != pglogrepl.LSN(0) {
		t.Error("zero-value Row should have all-zero LSNs")
	}
}

func TestTableName_IsSchemaQualified(t *testing.T) {
	if tableName != "pgcopydb.sentinel" {
		t.Errorf("tableName = %q, want schema-qualified pgcopydb.sentinel", tableName)
	}
}
