package scarabid

import (
	"fmt"
	"sync"
	"time"

	"scarabd/pkg/coorderrors"
)

// Sequence supplies monotonically increasing values, typically backed by the
// node's durable sequence counter.
type Sequence interface {
	Increment(delta uint64) (uint64, error)
}

// SequenceFunc adapts a plain function to the Sequence interface.
type SequenceFunc func(delta uint64) (uint64, error)

func (f SequenceFunc) Increment(delta uint64) (uint64, error) { return f(delta) }

// Watermark persists the newest emitted millisecond. A restarted generator
// clamps its clock to the recovered mark, so a wall clock stepped backwards
// while the process was down can never cause a {timestamp, sequence} pair
// to be issued twice.
type Watermark interface {
	Load() (uint64, error)
	Store(ms uint64) error
}

// Generator issues strictly increasing identifiers for one node. The
// sequence field is derived from the durable counter: the counter keeps
// rising for the node's lifetime, while the field is the offset inside the
// current millisecond window. Safe for concurrent use.
type Generator struct {
	node  uint64
	clock Clock
	seq   Sequence
	wm    Watermark

	mu      sync.Mutex
	lastMs  uint64 // unix ms of the current window
	winBase uint64 // counter value already consumed when the window opened
}

// NewGenerator builds a generator. wm may be nil for ephemeral use; without
// it restart protection degrades to whatever the wall clock guarantees.
func NewGenerator(node uint64, clock Clock, seq Sequence, wm Watermark) (*Generator, error) {
	if node > MaxNode {
		return nil, fmt.Errorf("%w: node id %d exceeds %d", coorderrors.ErrInvalidArgument, node, MaxNode)
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: nil sequence source", coorderrors.ErrInvalidArgument)
	}
	if clock == nil {
		clock = WallClock
	}

	g := &Generator{node: node, clock: clock, seq: seq, wm: wm}
	if wm != nil {
		ms, err := wm.Load()
		if err != nil {
			return nil, err
		}
		g.lastMs = ms
	}
	return g, nil
}

// overflowPatience bounds how long an exhausted window waits for the clock
// to tick. A healthy clock resolves in ~1ms; hitting the bound means the
// clock has stopped advancing and the caller gets ResourceExhausted.
const overflowPatience = 50 * time.Millisecond

// Next returns the next identifier. A clock reading behind the last emitted
// timestamp is clamped to it, so regression only ever advances the sequence.
// Sequence exhaustion inside one millisecond suspends until the clock
// ticks; only a clock that refuses to advance surfaces an error.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now < g.lastMs {
		now = g.lastMs
	}

	v, err := g.seq.Increment(1)
	if err != nil {
		return 0, err
	}

	if now != g.lastMs {
		// Persist the mark before anything under the new window can be
		// issued; a crash in between burns one counter value, nothing more.
		if err := g.persistMark(now); err != nil {
			return 0, err
		}
		g.lastMs = now
		g.winBase = v - 1
	}

	seq := v - g.winBase - 1
	if seq > MaxSequence {
		// 8192 ids burned inside one millisecond: wait out the tick.
		now, err = g.waitNextMs(g.lastMs)
		if err != nil {
			return 0, err
		}
		if err := g.persistMark(now); err != nil {
			return 0, err
		}
		g.lastMs = now
		g.winBase = v - 1
		seq = 0
	}

	if now < EpochMillis {
		return 0, fmt.Errorf("%w: clock %d predates id epoch", coorderrors.ErrInvalidArgument, now)
	}
	return Pack(now-EpochMillis, g.node, seq), nil
}

func (g *Generator) persistMark(ms uint64) error {
	if g.wm == nil {
		return nil
	}
	return g.wm.Store(ms)
}

func (g *Generator) waitNextMs(last uint64) (uint64, error) {
	deadline := time.Now().Add(overflowPatience)
	for {
		now := g.clock()
		if now > last {
			return now, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: sequence window exhausted and clock not advancing",
				coorderrors.ErrResourceExhausted)
		}
		time.Sleep(50 * time.Microsecond)
	}
}
