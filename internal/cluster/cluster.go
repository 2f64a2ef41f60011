// Package cluster runs a group of raft nodes in one process over an
// in-memory network. It backs the simulator binary and the end-to-end tests.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

// WrapTransport lets callers intercept a node's outgoing RPCs.
type WrapTransport func(id types.NodeID, tp transport.Transport) transport.Transport

type Config struct {
	Size            int
	Timing          raft.TimingConfig
	HeartbeatRounds int
	Logger          *slog.Logger
	Wrap            WrapTransport
	// Seed makes election timeouts reproducible when non-zero.
	Seed int64
}

type Cluster struct {
	net *transport.Network

	mu      sync.Mutex
	nodes   []*raft.Node
	logs    []*storage.MemLogStore
	stables []*storage.MemStableStore
}

func New(cfg Config) (*Cluster, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("cluster size must be positive, got %d", cfg.Size)
	}

	c := &Cluster{net: transport.NewNetwork()}

	for i := 0; i < cfg.Size; i++ {
		id := types.NodeID(i)
		peers := make([]types.NodeID, 0, cfg.Size-1)
		for j := 0; j < cfg.Size; j++ {
			if j != i {
				peers = append(peers, types.NodeID(j))
			}
		}

		var tp transport.Transport = c.net.Transport(id)
		if cfg.Wrap != nil {
			tp = cfg.Wrap(id, tp)
		}

		var r *rand.Rand
		if cfg.Seed != 0 {
			r = rand.New(rand.NewSource(cfg.Seed + int64(i)))
		}

		stable := storage.NewMemStableStore()
		log := storage.NewMemLogStore()
		node, err := raft.NewNode(raft.Config{
			ID:              id,
			Peers:           peers,
			Addr:            fmt.Sprintf("inproc://%d", i),
			Timing:          cfg.Timing,
			HeartbeatRounds: cfg.HeartbeatRounds,
			Logger:          cfg.Logger,
			Rand:            r,
		}, stable, log, tp)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}

		c.net.Register(id, node)
		c.nodes = append(c.nodes, node)
		c.logs = append(c.logs, log)
		c.stables = append(c.stables, stable)
	}

	return c, nil
}

// Network exposes the fault injection knobs.
func (c *Cluster) Network() *transport.Network {
	return c.net
}

func (c *Cluster) Size() int {
	return len(c.nodes)
}

func (c *Cluster) Node(id types.NodeID) *raft.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < 0 || int(id) >= len(c.nodes) {
		return nil
	}
	return c.nodes[id]
}

// Nodes returns the nodes ordered by id.
func (c *Cluster) Nodes() []*raft.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*raft.Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

func (c *Cluster) LogStore(id types.NodeID) *storage.MemLogStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < 0 || int(id) >= len(c.logs) {
		return nil
	}
	return c.logs[id]
}

func (c *Cluster) StableStore(id types.NodeID) *storage.MemStableStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < 0 || int(id) >= len(c.stables) {
		return nil
	}
	return c.stables[id]
}

// SeedLog appends entries with the given terms to a node's log, starting at
// index 1. Only meant for setting up scenarios before the cluster runs.
func (c *Cluster) SeedLog(id types.NodeID, terms ...uint64) error {
	log := c.LogStore(id)
	if log == nil {
		return fmt.Errorf("unknown node %s", id)
	}
	last, err := log.LastIndex()
	if err != nil {
		return err
	}
	entries := make([]storage.LogEntry, len(terms))
	for i, term := range terms {
		entries[i] = storage.LogEntry{Index: last + uint64(i) + 1, Term: term}
	}
	return log.Append(entries)
}

// Leader returns the leader of the highest term, if any node leads.
func (c *Cluster) Leader() (*raft.Node, bool) {
	var (
		leader *raft.Node
		term   uint64
	)
	for _, n := range c.Nodes() {
		st := n.Status()
		if st.Role == types.RoleLeader && (leader == nil || st.Term > term) {
			leader, term = n, st.Term
		}
	}
	return leader, leader != nil
}

// WaitForLeader polls until some node leads or ctx is done.
func (c *Cluster) WaitForLeader(ctx context.Context, poll time.Duration) (*raft.Node, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if n, ok := c.Leader(); ok {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Statuses returns every node's status ordered by id.
func (c *Cluster) Statuses() []types.NodeStatus {
	nodes := c.Nodes()
	out := make([]types.NodeStatus, len(nodes))
	for i, n := range nodes {
		out[i] = n.Status()
	}
	return out
}

// Start runs the election timer on every node.
func (c *Cluster) Start(ctx context.Context) error {
	for _, n := range c.Nodes() {
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("start node %s: %w", n.ID(), err)
		}
	}
	return nil
}

func (c *Cluster) Stop(ctx context.Context) error {
	var errs []error
	for _, n := range c.Nodes() {
		if err := n.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop node %s: %w", n.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Isolate cuts a node off from every other node, or heals it.
func (c *Cluster) Isolate(id types.NodeID, isolated bool) {
	c.net.Isolate(id, isolated)
}
