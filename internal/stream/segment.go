package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pglogrepl"
)

// walSegSize is PostgreSQL's default WAL segment size; wal_segment_size is a
// server-level setting but 16MiB is the overwhelming default and the one
// pg_receivewal-style tools assume absent an explicit override.
const walSegSize = 16 * 1024 * 1024

const tmpSuffix = ".tmp"

// segmentsPerXLogID mirrors PostgreSQL's XLogSegmentsPerXLogId: the number
// of segment files that fit in one 4GiB logical XLog ID.
func segmentsPerXLogID() uint64 { return 0x100000000 / walSegSize }

// segmentName returns the canonical 24-hex-digit WAL segment filename
// containing lsn, following PostgreSQL's XLogFileName convention.
func segmentName(lsn pglogrepl.LSN, timeline uint32) string {
	segno := uint64(lsn) / walSegSize
	perID := segmentsPerXLogID()
	return fmt.Sprintf("%08X%08X%08X", timeline, segno/perID, segno%perID)
}

// segmentWriter appends JSON lines to a partial segment file, fsyncing and
// renaming it to its final name on Finalize (spec §4.8 "flushes and renames the
// segment file to its final name").
type segmentWriter struct {
	name     string
	tmpPath  string
	finalPath string
	file     *os.File
	enc      *json.Encoder
}

func openSegment(dir, name string) (*segmentWriter, error) {
	tmpPath := filepath.Join(dir, name+tmpSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream: open segment %s: %w", name, err)
	}
	return &segmentWriter{
		name:      name,
		tmpPath:   tmpPath,
		finalPath: filepath.Join(dir, name),
		file:      f,
		enc:       json.NewEncoder(f),
	}, nil
}

func (s *segmentWriter) WriteLine(l Line) error {
	return s.enc.Encode(l)
}

// Finalize fsyncs the partial segment and atomically renames it to its
// final, extension-less name, marking it complete for crash recovery.
func (s *segmentWriter) Finalize() error {
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("stream: fsync segment %s: %w", s.name, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("stream: close segment %s: %w", s.name, err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("stream: rename segment %s into place: %w", s.name, err)
	}
	return nil
}

// Abandon closes the writer without finalizing it, leaving the partial file
// in place for a future RecoverStartLSN scan to discard.
func (s *segmentWriter) Abandon() error {
	return s.file.Close()
}

// RecoverStartLSN scans dir for the highest complete (non-.tmp) segment,
// returns the commit LSN of its last commit line, and removes any partial
// segments left behind by a prior crash (spec §4.8 "Partial (un-renamed)
// segments are discarded — the source will re-send").
func RecoverStartLSN(dir string) (pglogrepl.LSN, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stream: read segment dir: %w", err)
	}

	var complete []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("stream: discard partial segment %s: %w", e.Name(), err)
			}
			continue
		}
		complete = append(complete, e.Name())
	}
	if len(complete) == 0 {
		return 0, nil
	}
	sort.Strings(complete)
	last := complete[len(complete)-1]

	return lastCommitLSN(filepath.Join(dir, last))
}

func lastCommitLSN(path string) (pglogrepl.LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("stream: open segment %s for recovery: %w", path, err)
	}
	defer f.Close()

	var lastLSN pglogrepl.LSN
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var l Line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue // a truncated trailing line is tolerated; only complete lines count
		}
		if l.Action != ActionCommit {
			continue
		}
		lsn, err := pglogrepl.ParseLSN(l.LSN)
		if err != nil {
			continue
		}
		lastLSN = lsn
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("stream: scan segment %s: %w", path, err)
	}
	return lastLSN, nil
}
