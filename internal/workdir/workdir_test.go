package workdir

import (
	"path/filepath"
	"testing"
)

func TestMarkDoneAndIsDone(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	if d.IsDone(KeyPreDataDump) {
		t.Fatal("expected pre-data-dump marker to not exist yet")
	}
	if err := d.MarkDone(KeyPreDataDump); err != nil {
		t.Fatalf("MarkDone() unexpected error: %v", err)
	}
	if !d.IsDone(KeyPreDataDump) {
		t.Fatal("expected pre-data-dump marker to exist after MarkDone")
	}
}

func TestMarkDone_NoTempFileLeftBehind(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	if err := d.MarkDone(KeyPostDataRestore); err != nil {
		t.Fatalf("MarkDone() unexpected error: %v", err)
	}
	entries, err := filepath.Glob(filepath.Join(d.SchemaDir(), ".marker-*.tmp"))
	if err != nil {
		t.Fatalf("Glob() unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp markers, found %v", entries)
	}
}

func TestTableAndIndexMarkers(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	const tableOID uint32 = 16420
	const indexOID uint32 = 16421

	if d.IsTableDone(tableOID) || d.IsIndexDone(indexOID) {
		t.Fatal("expected markers to not exist before creation")
	}
	if err := d.MarkTableDone(tableOID); err != nil {
		t.Fatalf("MarkTableDone() unexpected error: %v", err)
	}
	if err := d.MarkIndexDone(indexOID); err != nil {
		t.Fatalf("MarkIndexDone() unexpected error: %v", err)
	}
	if !d.IsTableDone(tableOID) {
		t.Error("expected table marker to exist")
	}
	if !d.IsIndexDone(indexOID) {
		t.Error("expected index marker to exist")
	}
	if d.IsIndexDone(99999) {
		t.Error("expected unrelated oid to report not-done")
	}
}

func TestDoneTableOIDs(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	for _, oid := range []uint32{300, 100, 200} {
		if err := d.MarkTableDone(oid); err != nil {
			t.Fatalf("MarkTableDone(%d) unexpected error: %v", oid, err)
		}
	}
	oids, err := d.DoneTableOIDs()
	if err != nil {
		t.Fatalf("DoneTableOIDs() unexpected error: %v", err)
	}
	want := []uint32{100, 200, 300}
	if len(oids) != len(want) {
		t.Fatalf("DoneTableOIDs() = %v, want %v", oids, want)
	}
	for i := range want {
		if oids[i] != want[i] {
			t.Errorf("DoneTableOIDs()[%d] = %d, want %d", i, oids[i], want[i])
		}
	}
}
