// Package coordinator is the owner-side core of the coordination service.
// Every named counter has exactly one elected owner per term; this package
// serves requests for counters this node owns, redirects the rest, and
// keeps steady-state increments free of any network round trip.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"scarabd/pkg/coorderrors"
	"scarabd/pkg/counterstore"
	"scarabd/pkg/metrics"
	"scarabd/pkg/ownership"
	"scarabd/pkg/scarabid"
)

const claimTimeout = 3 * time.Second

type iConsensus interface {
	Claim(ctx context.Context, counter string, candidate uint64) (uint64, error)
	Lookup(counter string) (ownership.Record, bool)
	OwnedBy(node uint64) []string
}

// Resolver maps a node id to its address for NotLeader owner hints.
// Backed by cluster membership; unknown ids yield an empty hint.
type Resolver func(nodeID uint64) (string, bool)

// ownedCounter is the per-counter serving state. mu guards acquisition and
// recovery; the increment itself is a single atomic on the mapped word.
type ownedCounter struct {
	mu     sync.Mutex
	handle *counterstore.Handle
	term   uint64
}

type handleMap = skipmap.OrderedMap[string, *ownedCounter]

// Snapshot is the answer to GetCounter.
type Snapshot struct {
	Value uint64
	Term  uint64
	Owner uint64
}

type Coordinator struct {
	nodeID  uint64
	dir     string
	opts    counterstore.Options
	cons    iConsensus
	resolve Resolver
	mc      metrics.Collector

	handles *handleMap

	genMu sync.Mutex
	gen   *scarabid.Generator

	closedMu sync.RWMutex
	closed   bool
}

func New(nodeID uint64, dir string, opts counterstore.Options, cons iConsensus, resolve Resolver, mc metrics.Collector) (*Coordinator, error) {
	if nodeID == 0 || nodeID > scarabid.MaxNode {
		return nil, fmt.Errorf("%w: node id %d out of range [1,%d]", coorderrors.ErrInvalidArgument, nodeID, scarabid.MaxNode)
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if resolve == nil {
		resolve = func(uint64) (string, bool) { return "", false }
	}
	return &Coordinator{
		nodeID:  nodeID,
		dir:     dir,
		opts:    opts,
		cons:    cons,
		resolve: resolve,
		mc:      mc,
		handles: skipmap.New[string, *ownedCounter](),
	}, nil
}

// NodeID returns this coordinator's node id.
func (c *Coordinator) NodeID() uint64 {
	return c.nodeID
}

// GenerateID issues the next Scarab identifier for this node. The sequence
// is drawn from the node's durable sequence counter, so every id survives
// the same fencing and recovery rules as any other counter.
func (c *Coordinator) GenerateID(ctx context.Context) (scarabid.ID, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	// Owning the sequence counter is a precondition; acquiring it here
	// keeps the first GenerateID after startup from racing the lazy claim
	// inside the sequence source.
	if _, _, err := c.acquire(ctx, c.sequenceCounterID()); err != nil {
		return 0, err
	}

	gen, err := c.generator()
	if err != nil {
		return 0, err
	}

	id, err := gen.Next()
	if err != nil {
		return 0, err
	}
	c.mc.IncCounter("scarab_ids_issued_total", nil, 1)
	return id, nil
}

// IncrementCounter adds delta to the named counter under this node's
// committed term. Counters are created lazily on first ownership request.
// Increments for different counters proceed fully independently.
func (c *Coordinator) IncrementCounter(ctx context.Context, id string, delta int64) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if id == "" {
		return 0, fmt.Errorf("%w: empty counter id", coorderrors.ErrInvalidArgument)
	}
	if delta <= 0 {
		// Counter values are monotonically non-decreasing for life.
		return 0, fmt.Errorf("%w: delta must be positive, got %d", coorderrors.ErrInvalidArgument, delta)
	}

	h, _, err := c.acquire(ctx, id)
	if err != nil {
		return 0, err
	}

	v, err := h.Increment(uint64(delta))
	if err != nil {
		return 0, err
	}
	c.mc.IncCounter("counter_increments_total", nil, 1)
	return v, nil
}

// AllocateEpoch bumps the epoch counter of a partition and returns the new
// epoch number. Epochs are ordinary counters under a reserved namespace.
func (c *Coordinator) AllocateEpoch(ctx context.Context, partitionID string) (uint64, error) {
	if partitionID == "" {
		return 0, fmt.Errorf("%w: empty partition id", coorderrors.ErrInvalidArgument)
	}
	return c.IncrementCounter(ctx, "epoch/"+partitionID, 1)
}

// GetCounter reports the current value, term and owner of a counter. Reads
// are served by the owner only; a read never creates or claims a counter.
func (c *Coordinator) GetCounter(ctx context.Context, id string) (Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return Snapshot{}, err
	}

	rec, ok := c.cons.Lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", coorderrors.ErrNotFound, id)
	}
	if rec.Owner != c.nodeID {
		return Snapshot{}, c.notLeader(id, rec.Owner)
	}

	h, term, err := c.acquire(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Value: h.Value(), Term: term, Owner: c.nodeID}, nil
}

// TakeOver claims every counter owned by a failed node. Called by the
// membership watcher when an owner's ephemeral registration disappears.
func (c *Coordinator) TakeOver(ctx context.Context, failed uint64) {
	for _, id := range c.cons.OwnedBy(failed) {
		if _, err := c.cons.Claim(ctx, id, c.nodeID); err != nil {
			slog.Warn("takeover claim failed", "counter", id, "failed_node", failed, "error", err)
			continue
		}
		c.mc.IncCounter("takeover_claims_total", nil, 1)
		slog.Info("took over counter from failed node", "counter", id, "failed_node", failed)
	}
}

// Close releases every mapped counter. Idempotent.
func (c *Coordinator) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	var firstErr error
	c.handles.Range(func(id string, ent *ownedCounter) bool {
		ent.mu.Lock()
		if ent.handle != nil {
			if err := ent.handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			ent.handle = nil
		}
		ent.mu.Unlock()
		return true
	})
	return firstErr
}

// acquire returns the handle and term for a counter this node owns under
// the currently committed term, claiming and recovering as needed. Every
// call revalidates against the committed table - this is the fencing check:
// a handle acquired under term N stops serving the moment term N+1 commits.
// The pair is captured while the entry lock is held; if a later fencing
// closes the handle, operations on it fail with ErrClosed instead of ever
// touching the unmapped file.
func (c *Coordinator) acquire(ctx context.Context, id string) (*counterstore.Handle, uint64, error) {
	ent, _ := c.handles.LoadOrStoreLazy(id, func() *ownedCounter { return &ownedCounter{} })

	ent.mu.Lock()
	defer ent.mu.Unlock()

	rec, ok := c.cons.Lookup(id)
	if ok && rec.Owner != c.nodeID {
		// Fenced: a newer term with a different owner is committed. Any
		// mapping we still hold is dead weight; drop it so no write under
		// the stale term can ever reach the file again.
		if ent.handle != nil {
			_ = ent.handle.Close()
			ent.handle = nil
			ent.term = 0
			slog.Info("released fenced counter", "counter", id, "new_owner", rec.Owner, "term", rec.Term)
		}
		return nil, 0, c.notLeader(id, rec.Owner)
	}

	if ok {
		if ent.handle != nil && ent.term == rec.Term {
			return ent.handle, ent.term, nil
		}
		return c.recoverLocked(ent, id, rec.Term)
	}

	// Unowned counter: first request creates it. Claim through consensus,
	// then confirm the commit actually left us as owner - a concurrent
	// claim from another node may have superseded ours.
	term, err := c.cons.Claim(ctx, id, c.nodeID)
	if err != nil {
		return nil, 0, err
	}
	c.mc.IncCounter("ownership_claims_total", nil, 1)

	rec, ok = c.cons.Lookup(id)
	if !ok || rec.Owner != c.nodeID {
		return nil, 0, c.notLeader(id, rec.Owner)
	}
	if rec.Term > term {
		term = rec.Term
	}
	return c.recoverLocked(ent, id, term)
}

// recoverLocked (re)opens the durable counter and stamps the granted term.
// The new owner reads the value straight from the mapped file - no replay.
// Caller holds ent.mu.
func (c *Coordinator) recoverLocked(ent *ownedCounter, id string, term uint64) (*counterstore.Handle, uint64, error) {
	if ent.handle == nil {
		h, err := counterstore.Open(c.dir, id, c.opts)
		if err != nil {
			return nil, 0, err
		}
		ent.handle = h
		c.mc.IncCounter("counter_recoveries_total", nil, 1)
	}
	if err := ent.handle.SetTerm(term); err != nil {
		return nil, 0, err
	}
	ent.term = term
	return ent.handle, ent.term, nil
}

// generator lazily builds the id generator. Construction reads the durable
// high-water mark, which can fail transiently (no quorum yet), so failures
// are retried on the next call rather than latched.
func (c *Coordinator) generator() (*scarabid.Generator, error) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gen == nil {
		g, err := scarabid.NewGenerator(c.nodeID, nil, scarabid.SequenceFunc(c.nextSequence), seqWatermark{c})
		if err != nil {
			return nil, err
		}
		c.gen = g
	}
	return c.gen, nil
}

func (c *Coordinator) nextSequence(delta uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()
	return c.IncrementCounter(ctx, c.sequenceCounterID(), int64(delta))
}

// seqWatermark persists the generator's newest emitted millisecond in the
// node's sequence counter file, so a restart with a stepped-back wall clock
// can never reissue an identifier.
type seqWatermark struct{ c *Coordinator }

func (w seqWatermark) Load() (uint64, error) {
	h, _, err := w.c.acquireSequence()
	if err != nil {
		return 0, err
	}
	return h.HighWater(), nil
}

func (w seqWatermark) Store(ms uint64) error {
	h, _, err := w.c.acquireSequence()
	if err != nil {
		return err
	}
	return h.StoreHighWater(ms)
}

func (c *Coordinator) acquireSequence() (*counterstore.Handle, uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()
	return c.acquire(ctx, c.sequenceCounterID())
}

func (c *Coordinator) sequenceCounterID() string {
	return fmt.Sprintf("node/%d/seq", c.nodeID)
}

func (c *Coordinator) notLeader(counter string, owner uint64) error {
	hint, _ := c.resolve(owner)
	c.mc.IncCounter("not_leader_total", nil, 1)
	return &coorderrors.NotLeaderError{Counter: counter, Owner: owner, OwnerHint: hint}
}

func (c *Coordinator) checkOpen() error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return coorderrors.ErrClosed
	}
	return nil
}
