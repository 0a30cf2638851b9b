package ownership

import "testing"

func TestTable_FirstClaimGetsTermOne(t *testing.T) {
	tbl := NewTable()

	term := tbl.Apply(NewClaim("session-seq", 1))
	if term != 1 {
		t.Fatalf("expected first term 1, got %d", term)
	}

	rec, ok := tbl.Lookup("session-seq")
	if !ok {
		t.Fatal("expected record after claim")
	}
	if rec.Owner != 1 || rec.Term != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTable_RepeatedClaimByOwnerIsIdempotent(t *testing.T) {
	tbl := NewTable()

	first := tbl.Apply(NewClaim("session-seq", 1))
	second := tbl.Apply(NewClaim("session-seq", 1))
	if first != second {
		t.Fatalf("owner re-claim changed term: %d -> %d", first, second)
	}
}

func TestTable_ChangeOfHandsBumpsTerm(t *testing.T) {
	tbl := NewTable()

	t1 := tbl.Apply(NewClaim("session-seq", 1))
	t2 := tbl.Apply(NewClaim("session-seq", 2))
	t3 := tbl.Apply(NewClaim("session-seq", 1))

	if t2 <= t1 || t3 <= t2 {
		t.Fatalf("terms must strictly increase on ownership change: %d, %d, %d", t1, t2, t3)
	}

	rec, _ := tbl.Lookup("session-seq")
	if rec.Owner != 1 || rec.Term != t3 {
		t.Fatalf("unexpected final record: %+v", rec)
	}
}

func TestTable_CountersAreIndependent(t *testing.T) {
	tbl := NewTable()

	tbl.Apply(NewClaim("a", 1))
	tbl.Apply(NewClaim("b", 2))
	tbl.Apply(NewClaim("b", 1)) // bump only b

	recA, _ := tbl.Lookup("a")
	recB, _ := tbl.Lookup("b")
	if recA.Term != 1 {
		t.Fatalf("counter a term changed: %d", recA.Term)
	}
	if recB.Term != 2 {
		t.Fatalf("counter b expected term 2, got %d", recB.Term)
	}
}

func TestTable_OwnedBy(t *testing.T) {
	tbl := NewTable()

	tbl.Apply(NewClaim("a", 1))
	tbl.Apply(NewClaim("b", 2))
	tbl.Apply(NewClaim("c", 2))

	owned := tbl.OwnedBy(2)
	if len(owned) != 2 {
		t.Fatalf("expected 2 counters owned by node 2, got %v", owned)
	}
	if tbl.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", tbl.Len())
	}
}
