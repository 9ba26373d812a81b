package catalog

import "testing"

func TestFiltersAllows(t *testing.T) {
	f := Filters{
		ExcludeSchema: []string{"internal"},
		ExcludeTable:  []string{"s.secret"},
	}

	tests := []struct {
		schema string
		table  string
		want   bool
	}{
		{"public", "public.accounts", true},
		{"internal", "internal.audit", false},
		{"s", "s.secret", false},
		{"s", "s.other", true},
	}

	for _, tt := range tests {
		if got := f.Allows(tt.schema, tt.table); got != tt.want {
			t.Errorf("allows(%q, %q) = %v, want %v", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestFiltersIncludeOnlySchema(t *testing.T) {
	f := Filters{IncludeOnlySchema: []string{"public"}}
	if !f.Allows("public", "public.t") {
		t.Error("expected public.t to be allowed")
	}
	if f.Allows("other", "other.t") {
		t.Error("expected other.t to be excluded when not in include-only-schema")
	}
}

func TestFiltersIncludeOnlyTable(t *testing.T) {
	f := Filters{IncludeOnlyTable: []string{"public.orders"}}
	if !f.Allows("public", "public.orders") {
		t.Error("expected public.orders to be allowed")
	}
	if f.Allows("public", "public.customers") {
		t.Error("expected public.customers to be excluded when not in include-only-table")
	}
}

func TestQualifiedName(t *testing.T) {
	tbl := Table{Namespace: "public", Name: "orders"}
	if got, want := tbl.QualifiedName(), `"public"."orders"`; got != want {
		t.Errorf("QualifiedName() = %q, want %q", got, want)
	}
}

func TestPartitionStrategySelection(t *testing.T) {
	// Exercises the same thresholds loadTables uses, without a database.
	cases := []struct {
		partKey  string
		size     int64
		expected PartitionStrategy
	}{
		{"a int", 10, StrategyByPartitionKey},
		{"", ctidRangeThresholdBytes, StrategyCtidRange},
		{"", 10, StrategyWhole},
	}
	for _, c := range cases {
		var strategy PartitionStrategy
		switch {
		case c.partKey != "":
			strategy = StrategyByPartitionKey
		case c.size >= ctidRangeThresholdBytes:
			strategy = StrategyCtidRange
		default:
			strategy = StrategyWhole
		}
		if strategy != c.expected {
			t.Errorf("strategy for partKey=%q size=%d = %q, want %q", c.partKey, c.size, strategy, c.expected)
		}
	}
}
