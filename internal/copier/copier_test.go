package copier

import (
	"testing"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

func TestPlan_SortsByByteSizeDescending(t *testing.T) {
	dir := t.TempDir()
	work, err := workdir.New(dir)
	if err != nil {
		t.Fatalf("workdir.New() error = %v", err)
	}

	tables := []catalog.Table{
		{OID: 1, Namespace: "public", Name: "small", ByteSize: 100, Strategy: catalog.StrategyWhole},
		{OID: 2, Namespace: "public", Name: "big", ByteSize: 10_000, Strategy: catalog.StrategyWhole},
		{OID: 3, Namespace: "public", Name: "medium", ByteSize: 1_000, Strategy: catalog.StrategyWhole},
	}

	units := Plan(tables, work)
	if len(units) != 3 {
		t.Fatalf("Plan() returned %d units, want 3", len(units))
	}
	if units[0].Table.Name != "big" || units[1].Table.Name != "medium" || units[2].Table.Name != "small" {
		t.Errorf("Plan() order = [%s, %s, %s], want [big, medium, small]",
			units[0].Table.Name, units[1].Table.Name, units[2].Table.Name)
	}
}

func TestPlan_SkipsDoneTables(t *testing.T) {
	dir := t.TempDir()
	work, err := workdir.New(dir)
	if err != nil {
		t.Fatalf("workdir.New() error = %v", err)
	}
	if err := work.MarkTableDone(2); err != nil {
		t.Fatalf("MarkTableDone() error = %v", err)
	}

	tables := []catalog.Table{
		{OID: 1, Namespace: "public", Name: "pending", ByteSize: 100, Strategy: catalog.StrategyWhole},
		{OID: 2, Namespace: "public", Name: "done", ByteSize: 100, Strategy: catalog.StrategyWhole},
	}

	units := Plan(tables, work)
	if len(units) != 1 {
		t.Fatalf("Plan() returned %d units, want 1", len(units))
	}
	if units[0].Table.Name != "pending" {
		t.Errorf("Plan() kept %q, want %q", units[0].Table.Name, "pending")
	}
}

func TestPlan_SplitsLargeCtidRangeTable(t *testing.T) {
	dir := t.TempDir()
	work, err := workdir.New(dir)
	if err != nil {
		t.Fatalf("workdir.New() error = %v", err)
	}

	tables := []catalog.Table{
		{OID: 1, Namespace: "public", Name: "huge", ByteSize: 1 << 30, Strategy: catalog.StrategyCtidRange},
	}

	units := Plan(tables, work)
	if len(units) != ctidRangeSplits {
		t.Fatalf("Plan() returned %d units, want %d", len(units), ctidRangeSplits)
	}
	for i, u := range units {
		if u.Kind != catalog.StrategyCtidRange {
			t.Errorf("unit %d kind = %q, want %q", i, u.Kind, catalog.StrategyCtidRange)
		}
		if i > 0 && u.CtidLower != units[i-1].CtidUpper {
			t.Errorf("unit %d CtidLower = %d, want contiguous with previous CtidUpper %d", i, u.CtidLower, units[i-1].CtidUpper)
		}
	}
	if units[len(units)-1].CtidUpper != 0 {
		t.Errorf("last unit CtidUpper = %d, want 0 (open-ended)", units[len(units)-1].CtidUpper)
	}
}

func TestUnitSource_WholeTable(t *testing.T) {
	u := Unit{Table: catalog.Table{Namespace: "public", Name: "accounts"}, Kind: catalog.StrategyWhole}
	if got, want := u.source(), `"public"."accounts"`; got != want {
		t.Errorf("source() = %q, want %q", got, want)
	}
}

func TestUnitSource_CtidRange(t *testing.T) {
	u := Unit{
		Table:     catalog.Table{Namespace: "public", Name: "events"},
		Kind:      catalog.StrategyCtidRange,
		CtidLower: 0,
		CtidUpper: 100,
	}
	got := u.source()
	if want := `"public"."events" WHERE ctid >= '(0,0)'::tid AND ctid < '(100,0)'::tid`; got != want {
		t.Errorf("source() = %q, want %q", got, want)
	}
}

func TestLastUnitFor_OnlyTrueOnceAllUnitsDrained(t *testing.T) {
	c := &Copier{pending: map[uint32]int{1: 2}}
	if c.lastUnitFor(1) {
		t.Error("lastUnitFor() = true on first of two units, want false")
	}
	if !c.lastUnitFor(1) {
		t.Error("lastUnitFor() = false on second of two units, want true")
	}
}
