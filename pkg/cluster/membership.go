// Package cluster keeps the live membership of coordination nodes in
// ZooKeeper. Each node holds an ephemeral znode; its disappearance is the
// failure signal that drives counter takeover on the survivors.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

type Membership struct {
	conn     *zk.Conn
	rootPath string
	nodeID   uint64
	addr     string

	peersMu sync.RWMutex
	peers   map[uint64]string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewMembership(servers []string, rootPath string, nodeID uint64, addr string, sessionTimeout time.Duration) (*Membership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Membership{
		conn:     conn,
		rootPath: rootPath,
		nodeID:   nodeID,
		addr:     addr,
		peers:    make(map[uint64]string),
	}, nil
}

func (m *Membership) Close() error {
	m.conn.Close()
	return nil
}

func (m *Membership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды.
// Данные узла - адрес, по которому соседи строят owner hints.
func (m *Membership) RegisterSelf() error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%d", m.rootPath, m.nodeID)

	_, err := m.conn.Create(nodePath, []byte(m.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	// Сразу наполняем таблицу пиров, не дожидаясь первого события watcher'а
	if peers, err := m.readPeers(); err == nil {
		m.peersMu.Lock()
		m.peers = peers
		m.peersMu.Unlock()
	}

	slog.Info("registered coordination node", "path", nodePath, "addr", m.addr)
	return nil
}

// Resolve maps a node id to its registered address.
func (m *Membership) Resolve(nodeID uint64) (string, bool) {
	m.peersMu.RLock()
	addr, ok := m.peers[nodeID]
	m.peersMu.RUnlock()
	if ok {
		return addr, true
	}

	// Cache miss: read straight from ZK (first call before the watcher
	// has populated the table).
	data, _, err := m.conn.Get(fmt.Sprintf("%s/nodes/%d", m.rootPath, nodeID))
	if err != nil {
		return "", false
	}
	m.peersMu.Lock()
	m.peers[nodeID] = string(data)
	m.peersMu.Unlock()
	return string(data), true
}

// readPeers читает список живых нод вместе с адресами
func (m *Membership) readPeers() (map[uint64]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	peers := make(map[uint64]string, len(children))
	for _, child := range children {
		id, err := strconv.ParseUint(child, 10, 64)
		if err != nil {
			slog.Warn("skipping non-numeric membership entry", "entry", child)
			continue
		}
		data, _, err := m.conn.Get(m.rootPath + "/nodes/" + child)
		if err != nil {
			continue
		}
		peers[id] = string(data)
	}
	return peers, nil
}

// RunWatch запускает цикл: следит за /nodes, обновляет таблицу пиров и
// сообщает onLost о каждой исчезнувшей ноде (упал владелец - его счётчики
// надо переизбрать).
func (m *Membership) RunWatch(ctx context.Context, onLost func(nodeID uint64)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/nodes")
			if err != nil {
				slog.Warn("zk ChildrenW error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			alive := make(map[uint64]struct{}, len(children))
			fresh := make(map[uint64]string, len(children))
			for _, child := range children {
				id, err := strconv.ParseUint(child, 10, 64)
				if err != nil {
					continue
				}
				alive[id] = struct{}{}
				if data, _, err := m.conn.Get(m.rootPath + "/nodes/" + child); err == nil {
					fresh[id] = string(data)
				}
			}

			m.peersMu.Lock()
			var lost []uint64
			for id := range m.peers {
				if _, ok := alive[id]; !ok {
					lost = append(lost, id)
				}
			}
			m.peers = fresh
			m.peersMu.Unlock()

			for _, id := range lost {
				if id == m.nodeID {
					continue
				}
				slog.Info("coordination node vanished", "node", id)
				if onLost != nil {
					onLost(id)
				}
			}

			select {
			case ev := <-ch:
				slog.Debug("zk membership event", "event", ev)
				// просто продолжаем цикл и перечитываем список нод
			case <-ctx.Done():
				slog.Info("zk membership watch stopped")
				return
			}
		}
	}()
}

func (m *Membership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
