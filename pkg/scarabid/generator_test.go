package scarabid

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"scarabd/pkg/coorderrors"
)

// memSequence implements Sequence in memory for tests.
type memSequence struct {
	v atomic.Uint64
}

func (m *memSequence) Increment(delta uint64) (uint64, error) {
	return m.v.Add(delta), nil
}

// mockClock is a test clock frozen at a settable millisecond.
type mockClock struct {
	now atomic.Uint64
}

func (c *mockClock) read() uint64     { return c.now.Load() }
func (c *mockClock) set(ms uint64)    { c.now.Store(ms) }
func (c *mockClock) advance(d uint64) { c.now.Add(d) }

// memWatermark implements Watermark in memory, surviving generator rebuilds
// the way the counter-file mark survives restarts.
type memWatermark struct {
	ms atomic.Uint64
}

func (w *memWatermark) Load() (uint64, error) { return w.ms.Load(), nil }
func (w *memWatermark) Store(ms uint64) error { w.ms.Store(ms); return nil }

const testBaseMs = EpochMillis + 1_000_000

func newTestGenerator(t *testing.T, node uint64) (*Generator, *mockClock) {
	t.Helper()
	clk := &mockClock{}
	clk.set(testBaseMs)
	g, err := NewGenerator(node, clk.read, &memSequence{}, nil)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	return g, clk
}

func TestGenerator_SameMillisecondSequences(t *testing.T) {
	g, _ := newTestGenerator(t, 7)

	// Three ids inside one millisecond: same timestamp, sequences 0, 1, 2.
	for want := uint64(0); want < 3; want++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ts := id.Timestamp(); ts != testBaseMs-EpochMillis {
			t.Fatalf("expected timestamp %d, got %d", testBaseMs-EpochMillis, ts)
		}
		if node := id.Node(); node != 7 {
			t.Fatalf("expected node 7, got %d", node)
		}
		if seq := id.Sequence(); seq != want {
			t.Fatalf("expected sequence %d, got %d", want, seq)
		}
	}
}

func TestGenerator_StrictlyIncreasing(t *testing.T) {
	g, clk := newTestGenerator(t, 1)

	var prev ID
	for i := 0; i < 10_000; i++ {
		if i%100 == 0 {
			clk.advance(1)
		}
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next failed at %d: %v", i, err)
		}
		if id <= prev {
			t.Fatalf("id %d not strictly greater than previous %d at iteration %d", id, prev, i)
		}
		prev = id
	}
}

func TestGenerator_DistinctNodesNeverCollide(t *testing.T) {
	a, _ := newTestGenerator(t, 3)
	b, _ := newTestGenerator(t, 4)

	seen := make(map[ID]struct{})
	// Both nodes generate in the same frozen millisecond.
	for i := 0; i < 100; i++ {
		idA, err := a.Next()
		if err != nil {
			t.Fatalf("node A Next failed: %v", err)
		}
		idB, err := b.Next()
		if err != nil {
			t.Fatalf("node B Next failed: %v", err)
		}
		if idA.Timestamp() != idB.Timestamp() {
			t.Fatalf("expected shared timestamp, got %d vs %d", idA.Timestamp(), idB.Timestamp())
		}
		for _, id := range []ID{idA, idB} {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate id issued: %d", id)
			}
			seen[id] = struct{}{}
		}
	}
}

func TestGenerator_ClockRegressionClamps(t *testing.T) {
	g, clk := newTestGenerator(t, 1)

	first, err := g.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	// Clock jumps backwards; timestamp must clamp to the last emitted one
	// and only the sequence may advance.
	clk.set(testBaseMs - 500)
	second, err := g.Next()
	if err != nil {
		t.Fatalf("Next after regression failed: %v", err)
	}

	if second.Timestamp() != first.Timestamp() {
		t.Fatalf("timestamp moved under regression: %d -> %d", first.Timestamp(), second.Timestamp())
	}
	if second <= first {
		t.Fatalf("monotonicity broken under regression: %d <= %d", second, first)
	}
	if seq := second.Sequence(); seq != first.Sequence()+1 {
		t.Fatalf("expected sequence %d, got %d", first.Sequence()+1, seq)
	}
}

func TestGenerator_RestartWithRegressedClockNeverReissues(t *testing.T) {
	seq := &memSequence{}
	wm := &memWatermark{}
	clk := &mockClock{}
	clk.set(testBaseMs)

	g, err := NewGenerator(9, clk.read, seq, wm)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}

	seen := make(map[ID]struct{})
	var last ID
	for i := 0; i < 3; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		seen[id] = struct{}{}
		last = id
	}

	// Process restart over the same durable sequence; the wall clock was
	// stepped backwards while the node was down.
	clk.set(testBaseMs - 250)
	g2, err := NewGenerator(9, clk.read, seq, wm)
	if err != nil {
		t.Fatalf("NewGenerator after restart failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		id, err := g2.Next()
		if err != nil {
			t.Fatalf("Next after restart failed: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("identifier %d (ts=%d node=%d seq=%d) reissued after restart",
				id, id.Timestamp(), id.Node(), id.Sequence())
		}
		if id <= last {
			t.Fatalf("monotonicity broken across restart: %d <= %d", id, last)
		}
		seen[id] = struct{}{}
		last = id
	}
}

func TestGenerator_ExhaustedWindowWithStuckClock(t *testing.T) {
	g, _ := newTestGenerator(t, 1)

	for i := 0; i <= MaxSequence; i++ {
		if _, err := g.Next(); err != nil {
			t.Fatalf("Next failed at %d: %v", i, err)
		}
	}

	// The window is spent and the frozen clock never ticks; generation must
	// give up with a typed error instead of blocking forever.
	_, err := g.Next()
	if !errors.Is(err, coorderrors.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted from a stuck clock, got %v", err)
	}
}

func TestGenerator_OverflowWaitsForNextMillisecond(t *testing.T) {
	g, clk := newTestGenerator(t, 1)

	var last ID
	for i := 0; i <= MaxSequence; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next failed at %d: %v", i, err)
		}
		last = id
	}
	if seq := last.Sequence(); seq != MaxSequence {
		t.Fatalf("expected sequence %d at window end, got %d", MaxSequence, seq)
	}

	// The window is exhausted; the next call must block until the clock
	// ticks, then restart the sequence at 0.
	go func() {
		time.Sleep(20 * time.Millisecond)
		clk.advance(1)
	}()

	start := time.Now()
	id, err := g.Next()
	if err != nil {
		t.Fatalf("Next after overflow failed: %v", err)
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Fatalf("expected generation to block on overflow, returned after %v", waited)
	}
	if seq := id.Sequence(); seq != 0 {
		t.Fatalf("expected sequence 0 after overflow, got %d", seq)
	}
	if id.Timestamp() != last.Timestamp()+1 {
		t.Fatalf("expected next millisecond %d, got %d", last.Timestamp()+1, id.Timestamp())
	}
	if id <= last {
		t.Fatalf("monotonicity broken across overflow: %d <= %d", id, last)
	}
}
