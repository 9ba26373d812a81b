package indexbuild

import (
	"testing"

	"github.com/jfoltran/pgcopydb/internal/catalog"
)

func TestOrder_ForeignKeysLast(t *testing.T) {
	indexes := []catalog.Index{
		{OID: 1, TableOID: 10, Name: "fk_orders_customer", IsForeignKey: true},
		{OID: 2, TableOID: 10, Name: "idx_orders_created_at"},
		{OID: 3, TableOID: 20, Name: "pk_customers", IsPrimary: true},
	}

	ordered := Order(indexes)
	if ordered[len(ordered)-1].Name != "fk_orders_customer" {
		t.Errorf("Order() last = %q, want the foreign key last", ordered[len(ordered)-1].Name)
	}
	for _, idx := range ordered[:len(ordered)-1] {
		if idx.IsForeignKey {
			t.Errorf("Order() placed foreign key %q before the end", idx.Name)
		}
	}
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	indexes := []catalog.Index{
		{OID: 1, IsForeignKey: true},
		{OID: 2, IsForeignKey: false},
	}
	_ = Order(indexes)
	if !indexes[0].IsForeignKey || indexes[1].IsForeignKey {
		t.Error("Order() mutated the input slice")
	}
}
