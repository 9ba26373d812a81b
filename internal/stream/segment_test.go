package stream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestSegmentName(t *testing.T) {
	// LSN 0/1000000 is exactly one segment (16MiB) into timeline 1.
	lsn, err := pglogrepl.ParseLSN("0/1000000")
	if err != nil {
		t.Fatalf("ParseLSN() error = %v", err)
	}
	got := segmentName(lsn, 1)
	want := "000000010000000000000001"
	if got != want {
		t.Errorf("segmentName() = %q, want %q", got, want)
	}
}

func TestSegmentName_SameSegmentForNearbyLSNs(t *testing.T) {
	a, _ := pglogrepl.ParseLSN("0/10")
	b, _ := pglogrepl.ParseLSN("0/FFFFFF")
	if segmentName(a, 1) != segmentName(b, 1) {
		t.Errorf("expected %s and %s to share a segment", a, b)
	}
}

func TestSegmentWriter_FinalizeRenamesIntoPlace(t *testing.T) {
	dir := t.TempDir()
	w, err := openSegment(dir, "000000010000000000000001")
	if err != nil {
		t.Fatalf("openSegment() error = %v", err)
	}
	if err := w.WriteLine(Line{Action: ActionSwitch, LSN: "0/1000000", Timestamp: time.Now()}); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "000000010000000000000001.tmp")); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be gone after Finalize()")
	}
	if _, err := os.Stat(filepath.Join(dir, "000000010000000000000001")); err != nil {
		t.Errorf("expected final segment file to exist: %v", err)
	}
}

func TestRecoverStartLSN_DiscardsPartialAndReadsLastCommit(t *testing.T) {
	dir := t.TempDir()

	complete := filepath.Join(dir, "000000010000000000000001")
	f, err := os.Create(complete)
	if err != nil {
		t.Fatalf("create complete segment: %v", err)
	}
	enc := json.NewEncoder(f)
	enc.Encode(Line{Action: ActionBegin, LSN: "0/100", Timestamp: time.Now()})
	enc.Encode(Line{Action: ActionCommit, LSN: "0/200", Timestamp: time.Now()})
	f.Close()

	partial := filepath.Join(dir, "000000010000000000000002.tmp")
	if err := os.WriteFile(partial, []byte(`{"action":"begin"}`+"\n"), 0o644); err != nil {
		t.Fatalf("create partial segment: %v", err)
	}

	lsn, err := RecoverStartLSN(dir)
	if err != nil {
		t.Fatalf("RecoverStartLSN() error = %v", err)
	}
	want, _ := pglogrepl.ParseLSN("0/200")
	if lsn != want {
		t.Errorf("RecoverStartLSN() = %s, want %s", lsn, want)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("expected partial segment to be discarded")
	}
}

func TestRecoverStartLSN_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	lsn, err := RecoverStartLSN(dir)
	if err != nil {
		t.Fatalf("RecoverStartLSN() error = %v", err)
	}
	if lsn != 0 {
		t.Errorf("RecoverStartLSN() = %s, want 0", lsn)
	}
}
