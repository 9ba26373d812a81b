package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/progress"
)

func TestHandleStatus(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()
	tr.SetPhase("streaming")

	s := New(tr, nil, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var snap progress.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Phase != "streaming" {
		t.Errorf("Phase = %q, want streaming", snap.Phase)
	}
}

func TestHandleTables(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()
	tr.SetTables([]progress.TableProgress{{Schema: "public", Name: "users", State: progress.TableCopied}})

	s := New(tr, nil, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/tables", nil)
	rec := httptest.NewRecorder()

	s.handleTables(rec, req)

	var tables []progress.TableProgress
	if err := json.Unmarshal(rec.Body.Bytes(), &tables); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "users" {
		t.Fatalf("tables = %+v, want one table named users", tables)
	}
}

func TestHandleConfig_RedactsPasswords(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()

	cfg := &config.Config{
		Source: config.DatabaseConfig{Host: "src", Port: 5432, User: "postgres", Password: "secret123", DBName: "mydb"},
		Target: config.DatabaseConfig{Host: "dst", Port: 5432, User: "postgres", Password: "dest_secret", DBName: "dstdb"},
	}

	s := New(tr, cfg, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	rec := httptest.NewRecorder()

	s.handleConfig(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "secret123") || strings.Contains(body, "dest_secret") {
		t.Error("response should not contain passwords")
	}
	if !strings.Contains(body, "src") || !strings.Contains(body, "dst") {
		t.Error("response should contain host names")
	}
}

func TestHandleConfig_Nil(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()

	s := New(tr, nil, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	rec := httptest.NewRecorder()

	s.handleConfig(rec, req)

	if !strings.Contains(rec.Body.String(), "no config available") {
		t.Error("expected 'no config available' error message")
	}
}

func TestHandleLogs(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()
	tr.AddLog(progress.LogEntry{Level: "info", Message: "test log"})

	s := New(tr, nil, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/logs", nil)
	rec := httptest.NewRecorder()

	s.handleLogs(rec, req)

	var logs []progress.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "test log" {
		t.Fatalf("logs = %+v, want one entry 'test log'", logs)
	}
}

func TestHandleStatus_CORS(t *testing.T) {
	tr := progress.NewTracker(zerolog.Nop())
	defer tr.Close()

	s := New(tr, nil, zerolog.Nop())
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)

	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("CORS header = %q, want *", cors)
	}
}
