package apply

import (
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func TestSplitTransactions_SingleTransaction(t *testing.T) {
	script := `-- xid=7 commit_lsn=0/102
BEGIN;
INSERT INTO "public"."accounts" ("id") VALUES ('1');
COMMIT;
`
	txns, err := splitTransactions(script)
	if err != nil {
		t.Fatalf("splitTransactions() error = %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("splitTransactions() returned %d transactions, want 1", len(txns))
	}
	want, _ := pglogrepl.ParseLSN("0/102")
	if txns[0].commitLSN != want {
		t.Errorf("commitLSN = %s, want %s", txns[0].commitLSN, want)
	}
	if !strings.Contains(txns[0].body, "INSERT INTO") {
		t.Errorf("body missing INSERT statement: %q", txns[0].body)
	}
	if strings.Contains(txns[0].body, "BEGIN;") || strings.Contains(txns[0].body, "COMMIT;") {
		t.Errorf("body should not contain BEGIN/COMMIT markers: %q", txns[0].body)
	}
}

func TestSplitTransactions_MultipleTransactions(t *testing.T) {
	script := `-- xid=1 commit_lsn=0/100
BEGIN;
DELETE FROM "public"."a" WHERE "id" = '1';
COMMIT;
-- xid=2 commit_lsn=0/200
BEGIN;
DELETE FROM "public"."b" WHERE "id" = '2';
COMMIT;
`
	txns, err := splitTransactions(script)
	if err != nil {
		t.Fatalf("splitTransactions() error = %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("splitTransactions() returned %d transactions, want 2", len(txns))
	}
	first, _ := pglogrepl.ParseLSN("0/100")
	second, _ := pglogrepl.ParseLSN("0/200")
	if txns[0].commitLSN != first || txns[1].commitLSN != second {
		t.Errorf("commitLSNs = [%s, %s], want [%s, %s]", txns[0].commitLSN, txns[1].commitLSN, first, second)
	}
}

func TestApplier_StartsWaitingForSentinel(t *testing.T) {
	a := New(nil, nil, "", 0, 0, nopLogger())
	if a.State() != StateWaitingForSentinel {
		t.Errorf("State() = %q, want %q", a.State(), StateWaitingForSentinel)
	}
}
