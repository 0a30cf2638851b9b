package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"scarabd/pkg/config"
	"scarabd/pkg/coorderrors"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node drives the counter-allocation consensus group. The group is small
// and its replicated payload tiny (ownership records only), so the timers
// are tuned far more aggressive than a general-purpose raft deployment:
// target failover is under 100ms.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	table        *Table
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	claimsMu sync.RWMutex
	claims   map[uuid.UUID]chan claimResult
}

func NewNode(cfg *config.RaftConfig, table *Table) (*Node, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	tick := time.Duration(cfg.TickIntervalMs) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(rc, raftPeers),
		table:        table,
		jr:           storage,
		tickInterval: tick,
		transport:    NewTransport(peers),
		claims:       make(map[uuid.UUID]chan claimResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Claim
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal claim: %w", err)
	}

	term := n.table.Apply(cmd)
	slog.Debug("ownership committed",
		"counter", cmd.Counter,
		"owner", cmd.Candidate,
		"term", term)

	n.notifyClaimResult(cmd.ID, claimResult{Term: term})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

type claimResult struct {
	Term uint64
	Err  error
}

func (n *Node) notifyClaimResult(claimID uuid.UUID, result claimResult) {
	n.claimsMu.RLock()
	resultChan, ok := n.claims[claimID]
	n.claimsMu.RUnlock()

	if !ok {
		// - follower applies a claim it never proposed
		// - the proposing Claim call already gave up (timeout/cancel)
		slog.Debug("claim result channel not found (ignored)", "claim_id", claimID)
		return
	}

	// не блокируем apply, если слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		slog.Debug("claim result channel is full (ignored)", "claim_id", claimID)
	}
}

func validateClaim(cmd Claim) error {
	if cmd.Counter == "" {
		return fmt.Errorf("%w: empty counter id", coorderrors.ErrInvalidArgument)
	}
	if cmd.Candidate == 0 {
		return fmt.Errorf("%w: zero candidate node id", coorderrors.ErrInvalidArgument)
	}
	return nil
}

// Claim proposes ownership of counter for candidate and blocks until the
// claim commits or ctx expires. The returned term is what the candidate
// must present on every subsequent increment: anything older is fenced off.
// A proposal that cannot reach quorum surfaces as ErrUnavailable.
func (n *Node) Claim(ctx context.Context, counter string, candidate uint64) (uint64, error) {
	cmd := NewClaim(counter, candidate)
	if err := validateClaim(cmd); err != nil {
		return 0, err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal claim: %w", err)
	}

	resultChan := make(chan claimResult, 1)

	n.claimsMu.Lock()
	n.claims[cmd.ID] = resultChan
	n.claimsMu.Unlock()

	defer func() {
		n.claimsMu.Lock()
		delete(n.claims, cmd.ID)
		n.claimsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return 0, fmt.Errorf("%w: propose claim: %v", coorderrors.ErrUnavailable, err)
	}

	select {
	case result := <-resultChan:
		return result.Term, result.Err
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: claim not committed: %v", coorderrors.ErrUnavailable, ctx.Err())
	}
}

// Lookup returns the committed ownership record for a counter.
func (n *Node) Lookup(counter string) (Record, bool) {
	return n.table.Lookup(counter)
}

// OwnedBy lists the counters currently owned by the given node.
func (n *Node) OwnedBy(node uint64) []string {
	return n.table.OwnedBy(node)
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping ownership consensus node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	n.claimsMu.Lock()
	for _, resultChan := range n.claims {
		select {
		case resultChan <- claimResult{Err: fmt.Errorf("node stopped")}:
		default:
		}
		close(resultChan)
	}
	n.claimsMu.Unlock()

	slog.Info("ownership consensus node stopped", "id", n.ID)
	return nil
}
