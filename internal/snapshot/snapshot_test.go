package snapshot

import (
	"errors"
	"testing"
)

func TestExportReplicationSlot_ReusesMatchingPersisted(t *testing.T) {
	m := &Manager{}
	persisted := &SlotDescriptor{
		Name:          "pgcopydb",
		Plugin:        "pgoutput",
		ConsistentLSN: "0/16B3748",
		SnapshotName:  "00000003-000001A6-1",
	}

	got, err := m.ExportReplicationSlot(nil, "pgcopydb", "pgoutput", persisted)
	if err != nil {
		t.Fatalf("ExportReplicationSlot() unexpected error: %v", err)
	}
	if got != *persisted {
		t.Errorf("ExportReplicationSlot() = %+v, want %+v", got, *persisted)
	}
	if m.SnapshotName() != persisted.SnapshotName {
		t.Errorf("SnapshotName() = %q, want %q", m.SnapshotName(), persisted.SnapshotName)
	}
}

func TestExportReplicationSlot_RejectsPluginMismatch(t *testing.T) {
	m := &Manager{}
	persisted := &SlotDescriptor{
		Name:          "pgcopydb",
		Plugin:        "wal2json",
		ConsistentLSN: "0/16B3748",
	}

	_, err := m.ExportReplicationSlot(nil, "pgcopydb", "pgoutput", persisted)
	if !errors.Is(err, ErrSlotExists) {
		t.Errorf("ExportReplicationSlot() error = %v, want ErrSlotExists", err)
	}
}
