// Package workdir implements the filesystem-backed work directory and
// done-marker registry (spec §3 "Work Directory", §4.1).
//
// Paths are derived from the run identifier and from target object
// identifiers, so repeated runs against the same objects collide
// deterministically — the property resumability depends on.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Dir is a deterministic tree rooted at a per-run identifier.
type Dir struct {
	root string
}

// New returns a Dir rooted at root, creating the standard subdirectories.
func New(root string) (*Dir, error) {
	d := &Dir{root: root}
	for _, sub := range []string{
		d.SchemaDir(),
		d.TablesDir(),
		d.IndexesDir(),
		d.StreamDir(),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("workdir: create %s: %w", sub, err)
		}
	}
	return d, nil
}

// Root returns the work directory's root path.
func (d *Dir) Root() string { return d.root }

// SchemaDir holds pg_dump archive files and restore list files.
func (d *Dir) SchemaDir() string { return filepath.Join(d.root, "schema") }

// TablesDir holds per-table done-markers.
func (d *Dir) TablesDir() string { return filepath.Join(d.root, "objects", "tables") }

// IndexesDir holds per-index/constraint done-markers.
func (d *Dir) IndexesDir() string { return filepath.Join(d.root, "objects", "indexes") }

// StreamDir holds the streaming subtree, organized by WAL segment filename.
func (d *Dir) StreamDir() string { return filepath.Join(d.root, "cdc") }

// PIDFile is the path of the supervisor's PID file, which prevents
// concurrent runs targeting the same work directory (spec §4.12).
func (d *Dir) PIDFile() string { return filepath.Join(d.root, "run.pid") }

// SlotFile persists the replication-slot descriptor (spec §6).
func (d *Dir) SlotFile() string { return filepath.Join(d.root, "slot") }

// OriginFile persists the replication origin name (spec §6).
func (d *Dir) OriginFile() string { return filepath.Join(d.root, "origin") }

// Fixed-vocabulary done-marker keys (spec §3 "Done-Marker").
const (
	KeyPreDataDump     = "pre-data-dump"
	KeyPostDataDump    = "post-data-dump"
	KeyPreDataRestore  = "pre-data-restore"
	KeyPostDataRestore = "post-data-restore"
)

// TableKey returns the done-marker key for a table identified by oid.
func TableKey(oid uint32) string { return fmt.Sprintf("%d.done", oid) }

// IndexKey returns the done-marker key for an index/constraint identified by oid.
func IndexKey(oid uint32) string { return fmt.Sprintf("%d.done", oid) }

// markerPath maps a fixed-vocabulary or oid-based key to its file path.
func (d *Dir) markerPath(key string) string {
	switch key {
	case KeyPreDataDump, KeyPostDataDump, KeyPreDataRestore, KeyPostDataRestore:
		return filepath.Join(d.SchemaDir(), key+".done")
	default:
		// oid-based keys are written by the table or index callers using
		// TableKey/IndexKey; disambiguate by directory via the Mark*/IsDone*
		// methods below rather than this generic path, which is kept for the
		// fixed-vocabulary case only.
		return filepath.Join(d.root, key)
	}
}

// IsDone reports whether the fixed-vocabulary done-marker for key exists.
func (d *Dir) IsDone(key string) bool {
	_, err := os.Stat(d.markerPath(key))
	return err == nil
}

// MarkDone atomically creates the fixed-vocabulary done-marker for key.
// Atomicity: the marker is created in a temp file in the same directory,
// fsynced, then renamed into place — rename is atomic on POSIX filesystems,
// so there is no observable half-written state (spec §8 "mark_done(k) is
// atomic"). Grounded on metrics.StatePersister's temp-write-then-rename.
func (d *Dir) MarkDone(key string) error {
	return atomicCreate(d.markerPath(key))
}

// IsTableDone reports whether the table identified by oid has completed C5.
func (d *Dir) IsTableDone(oid uint32) bool {
	_, err := os.Stat(filepath.Join(d.TablesDir(), TableKey(oid)))
	return err == nil
}

// MarkTableDone records that oid's data copy has completed.
func (d *Dir) MarkTableDone(oid uint32) error {
	return atomicCreate(filepath.Join(d.TablesDir(), TableKey(oid)))
}

// IsIndexDone reports whether the index/constraint identified by oid has
// completed C6. This is also what C3's post-data restore checks to decide
// whether to comment out a restore-list entry (spec §4.3).
func (d *Dir) IsIndexDone(oid uint32) bool {
	_, err := os.Stat(filepath.Join(d.IndexesDir(), IndexKey(oid)))
	return err == nil
}

// MarkIndexDone records that oid's index/constraint has been built.
func (d *Dir) MarkIndexDone(oid uint32) error {
	return atomicCreate(filepath.Join(d.IndexesDir(), IndexKey(oid)))
}

// atomicCreate creates a zero-byte file at path using create-then-fsync-then-
// rename, so a crash mid-write never leaves a partial marker observable at
// the final path.
func atomicCreate(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".marker-*.tmp")
	if err != nil {
		return fmt.Errorf("workdir: create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("workdir: fsync temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workdir: close temp marker: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workdir: rename marker into place: %w", err)
	}
	return nil
}

// DoneTableOIDs returns the oids of all tables with a done-marker, sorted.
func (d *Dir) DoneTableOIDs() ([]uint32, error) {
	return doneOIDs(d.TablesDir())
}

// DoneIndexOIDs returns the oids of all indexes/constraints with a
// done-marker, sorted.
func (d *Dir) DoneIndexOIDs() ([]uint32, error) {
	return doneOIDs(d.IndexesDir())
}

func doneOIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var oids []uint32
	for _, e := range entries {
		var oid uint32
		if _, err := fmt.Sscanf(e.Name(), "%d.done", &oid); err == nil {
			oids = append(oids, oid)
		}
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	return oids, nil
}
