// Package progress aggregates the Supervisor's (C12) view of a run — per-table
// copy progress, replication lag, throughput — for consumption by the CLI's
// status output and the optional TUI/status-server observational layers.
//
// Grounded on internal/metrics/collector.go's Collector: the sliding-window
// throughput tracker, subscriber/broadcast fan-out, and log ring buffer are
// kept verbatim in shape and repurposed for pgcopydb's copy/stream phases.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/pkg/lsn"
)

// TableState is the current phase of one table within a run.
type TableState string

const (
	TablePending   TableState = "pending"
	TableCopying   TableState = "copying"
	TableCopied    TableState = "copied"
	TableStreaming TableState = "streaming"
)

// TableProgress tracks per-table copy progress (spec §4.5's byte/row counters).
type TableProgress struct {
	Schema      string     `json:"schema"`
	Name        string     `json:"name"`
	State       TableState `json:"state"`
	RowsCopied  int64      `json:"rows_copied"`
	SizeBytes   int64      `json:"size_bytes"`
	BytesCopied int64      `json:"bytes_copied"`
	Percent     float64    `json:"percent"`
	ElapsedSec  float64    `json:"elapsed_sec"`
	StartedAt   time.Time  `json:"-"`
}

// Snapshot is the complete run state at a point in time.
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	Phase      string          `json:"phase"`
	ElapsedSec float64         `json:"elapsed_sec"`

	AppliedLSN   string `json:"applied_lsn"`
	ConfirmedLSN string `json:"confirmed_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	TablesTotal  int             `json:"tables_total"`
	TablesCopied int             `json:"tables_copied"`
	Tables       []TableProgress `json:"tables"`

	RowsPerSec  float64 `json:"rows_per_sec"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	TotalRows   int64   `json:"total_rows"`
	TotalBytes  int64   `json:"total_bytes"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry is one log line captured for the status line / TUI log panel.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Tracker aggregates run progress and serves snapshots to the CLI, the
// status server, and the TUI.
type Tracker struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	phase      string
	startedAt  time.Time
	tables     map[string]*TableProgress
	tableOrder []string

	appliedLSN   pglogrepl.LSN
	confirmedLSN pglogrepl.LSN
	latestLSN    pglogrepl.LSN

	totalRows  atomic.Int64
	totalBytes atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value

	rowWindow  *slidingWindow
	byteWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewTracker creates a Tracker and starts its broadcast loop.
func NewTracker(logger zerolog.Logger) *Tracker {
	t := &Tracker{
		logger:      logger.With().Str("component", "progress").Logger(),
		tables:      make(map[string]*TableProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		rowWindow:   newSlidingWindow(60 * time.Second),
		byteWindow:  newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go t.broadcastLoop()
	return t
}

// SetPhase records the Supervisor's current phase (e.g. "copy", "stream").
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
}

// SetTables seeds the tracker with the tables a run's copier.Plan produced.
func (t *Tracker) SetTables(tables []TableProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables = make(map[string]*TableProgress, len(tables))
	t.tableOrder = make([]string, 0, len(tables))
	for i := range tables {
		key := tables[i].Schema + "." + tables[i].Name
		tp := tables[i]
		t.tables[key] = &tp
		t.tableOrder = append(t.tableOrder, key)
	}
}

// TableStarted marks a table as actively being copied.
func (t *Tracker) TableStarted(schema, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.tables[schema+"."+name]; ok {
		tp.State = TableCopying
		tp.StartedAt = time.Now()
	}
}

// UpdateTableProgress records the row/byte counters a copier.ProgressFunc
// callback reports mid-copy.
func (t *Tracker) UpdateTableProgress(schema, name string, rowsCopied, bytesCopied int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.tables[schema+"."+name]
	if !ok {
		return
	}
	tp.RowsCopied = rowsCopied
	tp.BytesCopied = bytesCopied
	if tp.SizeBytes > 0 {
		tp.Percent = float64(bytesCopied) / float64(tp.SizeBytes) * 100
	}
	if !tp.StartedAt.IsZero() {
		tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
	}
}

// TableDone marks a table copy as complete (its C5 done-marker now exists).
func (t *Tracker) TableDone(schema, name string, rowsCopied int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.tables[schema+"."+name]; ok {
		tp.State = TableCopied
		tp.RowsCopied = rowsCopied
		tp.Percent = 100
		if !tp.StartedAt.IsZero() {
			tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
		}
	}
}

// TableStreaming marks a table as receiving CDC changes (C8-C10 active).
func (t *Tracker) TableStreaming(schema, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.tables[schema+"."+name]; ok {
		tp.State = TableStreaming
	}
}

// RecordApplied records a transaction the applier (C10) just replayed.
func (t *Tracker) RecordApplied(appliedLSN pglogrepl.LSN, rows, bytes int64) {
	t.mu.Lock()
	t.appliedLSN = appliedLSN
	t.mu.Unlock()
	t.totalRows.Add(rows)
	t.totalBytes.Add(bytes)
	now := time.Now()
	t.rowWindow.Add(now, float64(rows))
	t.byteWindow.Add(now, float64(bytes))
}

// RecordConfirmedLSN records the position the receiver (C8) last confirmed
// to the source via standby status updates.
func (t *Tracker) RecordConfirmedLSN(l pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmedLSN = l
}

// RecordLatestLSN records the server's current WAL end, used for lag.
func (t *Tracker) RecordLatestLSN(l pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latestLSN = l
}

// RecordError increments the error counter and stores the message.
func (t *Tracker) RecordError(err error) {
	t.errorCount.Add(1)
	if err != nil {
		t.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer, dropping the oldest quarter
// once full.
func (t *Tracker) AddLog(entry LogEntry) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if len(t.logs) >= t.logCap {
		n := t.logCap / 4
		copy(t.logs, t.logs[n:])
		t.logs = t.logs[:len(t.logs)-n]
	}
	t.logs = append(t.logs, entry)
}

// Logs returns a copy of recent log entries.
func (t *Tracker) Logs() []LogEntry {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	out := make([]LogEntry, len(t.logs))
	copy(out, t.logs)
	return out
}

// Snapshot returns the current run state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !t.startedAt.IsZero() {
		elapsed = now.Sub(t.startedAt).Seconds()
	}

	lagBytes := lsn.Lag(t.appliedLSN, t.latestLSN)

	tables := make([]TableProgress, 0, len(t.tableOrder))
	tablesCopied := 0
	for _, key := range t.tableOrder {
		tp := *t.tables[key]
		tables = append(tables, tp)
		if tp.State == TableCopied || tp.State == TableStreaming {
			tablesCopied++
		}
	}

	var lastErr string
	if v := t.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    now,
		Phase:        t.phase,
		ElapsedSec:   elapsed,
		AppliedLSN:   t.appliedLSN.String(),
		ConfirmedLSN: t.confirmedLSN.String(),
		LagBytes:     lagBytes,
		LagFormatted: lsn.FormatLag(lagBytes, 0),
		TablesTotal:  len(t.tableOrder),
		TablesCopied: tablesCopied,
		Tables:       tables,
		RowsPerSec:   t.rowWindow.Rate(),
		BytesPerSec:  t.byteWindow.Rate(),
		TotalRows:    t.totalRows.Load(),
		TotalBytes:   t.totalBytes.Load(),
		ErrorCount:   int(t.errorCount.Load()),
		LastError:    lastErr,
	}
}

// Subscribe returns a channel receiving periodic Snapshot updates, consumed
// by the status server's websocket handler and the TUI.
func (t *Tracker) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	t.subMu.Lock()
	t.subscribers[ch] = struct{}{}
	t.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (t *Tracker) Unsubscribe(ch chan Snapshot) {
	t.subMu.Lock()
	delete(t.subscribers, ch)
	t.subMu.Unlock()
}

// Close stops the broadcast loop.
func (t *Tracker) Close() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (t *Tracker) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			snap := t.Snapshot()
			t.subMu.Lock()
			for ch := range t.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			t.subMu.Unlock()
		}
	}
}

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{entries: make([]windowEntry, 0, 128), window: d}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
