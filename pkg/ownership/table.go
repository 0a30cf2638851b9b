package ownership

import "github.com/zhangyunhao116/skipmap"

// Record is the committed ownership of a single counter.
type Record struct {
	Owner uint64
	Term  uint64
}

type recordMap = skipmap.OrderedMap[string, Record]

// Table is the replicated state machine: counter id -> (owner, term).
// Apply runs on the single raft apply goroutine; lookups are concurrent.
type Table struct {
	recs *recordMap
}

func NewTable() *Table {
	return &Table{recs: skipmap.New[string, Record]()}
}

// Apply grants ownership for a committed claim and returns the term the
// claimant holds. A repeated claim by the current owner is idempotent; any
// change of hands bumps the term, which is what fences the previous owner.
// Deterministic, so every replica converges on the same table.
func (t *Table) Apply(c Claim) uint64 {
	rec, ok := t.recs.Load(c.Counter)
	if ok && rec.Owner == c.Candidate {
		return rec.Term
	}

	term := uint64(1)
	if ok {
		term = rec.Term + 1
	}
	t.recs.Store(c.Counter, Record{Owner: c.Candidate, Term: term})
	return term
}

// Lookup returns the committed ownership record for a counter.
func (t *Table) Lookup(counter string) (Record, bool) {
	return t.recs.Load(counter)
}

// OwnedBy collects the counters currently owned by the given node. Used by
// survivors to re-claim counters after an owner disappears.
func (t *Table) OwnedBy(node uint64) []string {
	var owned []string
	t.recs.Range(func(counter string, rec Record) bool {
		if rec.Owner == node {
			owned = append(owned, counter)
		}
		return true
	})
	return owned
}

// Len returns the number of counters with assigned ownership.
func (t *Table) Len() int {
	return t.recs.Len()
}
