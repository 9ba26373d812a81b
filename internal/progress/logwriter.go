package progress

import (
	"encoding/json"
	"io"
	"time"
)

// LogWriter implements io.Writer for zerolog, routing log entries into a
// Tracker instead of stderr — so the TUI's log panel can show them after
// the alt-screen takes over the terminal.
type LogWriter struct {
	tracker *Tracker
}

// NewLogWriter creates a LogWriter that feeds into the given Tracker.
func NewLogWriter(t *Tracker) *LogWriter {
	return &LogWriter{tracker: t}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		w.tracker.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: string(p),
		})
		return len(p), nil
	}

	entry := LogEntry{
		Time:   time.Now(),
		Fields: make(map[string]string),
	}

	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
	}
	if t, ok := raw["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			entry.Time = parsed
		}
	}

	for k, v := range raw {
		switch k {
		case "level", "message", "time":
			continue
		default:
			if s, ok := v.(string); ok {
				entry.Fields[k] = s
			}
		}
	}

	w.tracker.AddLog(entry)
	return len(p), nil
}

var _ io.Writer = (*LogWriter)(nil)
