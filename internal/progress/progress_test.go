package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestTracker_PhaseTracking(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.SetPhase("connecting")
	if snap := tr.Snapshot(); snap.Phase != "connecting" {
		t.Errorf("Phase = %q, want connecting", snap.Phase)
	}

	tr.SetPhase("streaming")
	if snap := tr.Snapshot(); snap.Phase != "streaming" {
		t.Errorf("Phase = %q, want streaming", snap.Phase)
	}
}

func TestTracker_TableLifecycle(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.SetTables([]TableProgress{
		{Schema: "public", Name: "users", SizeBytes: 4096},
		{Schema: "public", Name: "orders", SizeBytes: 20480},
	})

	snap := tr.Snapshot()
	if snap.TablesTotal != 2 {
		t.Errorf("TablesTotal = %d, want 2", snap.TablesTotal)
	}
	if snap.TablesCopied != 0 {
		t.Errorf("TablesCopied = %d, want 0", snap.TablesCopied)
	}

	tr.TableStarted("public", "users")
	snap = tr.Snapshot()
	found := false
	for _, tp := range snap.Tables {
		if tp.Name == "users" && tp.State == TableCopying {
			found = true
		}
	}
	if !found {
		t.Error("users table should be in copying state")
	}

	tr.TableDone("public", "users", 1000)
	snap = tr.Snapshot()
	if snap.TablesCopied != 1 {
		t.Errorf("TablesCopied = %d, want 1", snap.TablesCopied)
	}
	for _, tp := range snap.Tables {
		if tp.Name == "users" {
			if tp.State != TableCopied {
				t.Errorf("users state = %s, want copied", tp.State)
			}
			if tp.Percent != 100 {
				t.Errorf("users percent = %.1f, want 100", tp.Percent)
			}
		}
	}

	tr.TableStreaming("public", "users")
	snap = tr.Snapshot()
	for _, tp := range snap.Tables {
		if tp.Name == "users" && tp.State != TableStreaming {
			t.Errorf("users state = %s, want streaming", tp.State)
		}
	}
}

func TestTracker_LSNTracking(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.RecordApplied(pglogrepl.LSN(100), 10, 1024)
	tr.RecordConfirmedLSN(pglogrepl.LSN(90))
	tr.RecordLatestLSN(pglogrepl.LSN(200))

	snap := tr.Snapshot()
	if snap.AppliedLSN != "0/64" {
		t.Errorf("AppliedLSN = %q, want 0/64", snap.AppliedLSN)
	}
	if snap.LagBytes == 0 {
		t.Error("expected non-zero lag bytes")
	}
}

func TestTracker_ErrorTracking(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.RecordError(nil)
	if snap := tr.Snapshot(); snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	tr.RecordError(fmt.Errorf("test error"))
	snap := tr.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestTracker_TotalCounters(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.RecordApplied(pglogrepl.LSN(100), 50, 2048)
	tr.RecordApplied(pglogrepl.LSN(200), 30, 1024)

	snap := tr.Snapshot()
	if snap.TotalRows != 80 {
		t.Errorf("TotalRows = %d, want 80", snap.TotalRows)
	}
	if snap.TotalBytes != 3072 {
		t.Errorf("TotalBytes = %d, want 3072", snap.TotalBytes)
	}
}

func TestTracker_LogBufferEviction(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	for i := 0; i < 600; i++ {
		tr.AddLog(LogEntry{Time: time.Now(), Level: "info", Message: fmt.Sprintf("log %d", i)})
	}

	if logs := tr.Logs(); len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestTracker_SubscribeUnsubscribe(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	ch := tr.Subscribe()
	tr.Unsubscribe(ch)

	tr.SetPhase("test") // should not panic or deadlock
}

func TestTracker_UpdateTableProgress(t *testing.T) {
	tr := NewTracker(zerolog.Nop())
	defer tr.Close()

	tr.SetTables([]TableProgress{{Schema: "public", Name: "users", SizeBytes: 4096}})
	tr.TableStarted("public", "users")
	tr.UpdateTableProgress("public", "users", 500, 2048)

	snap := tr.Snapshot()
	for _, tp := range snap.Tables {
		if tp.Name == "users" {
			if tp.RowsCopied != 500 {
				t.Errorf("RowsCopied = %d, want 500", tp.RowsCopied)
			}
			if tp.Percent != 50 {
				t.Errorf("Percent = %.1f, want 50", tp.Percent)
			}
		}
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	if rate := w.Rate(); rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	if rate := w.Rate(); rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
