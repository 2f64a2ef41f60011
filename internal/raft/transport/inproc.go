package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

type member struct {
	id      types.NodeID
	handler Handler
}

func memberLess(a, b member) bool { return a.id < b.id }

// Network is an in-process registry of node handlers. It owns the
// registrations; nodes hold only ids. Calls are direct handler invocations,
// optionally degraded by isolation, a latency window and a drop rate.
type Network struct {
	mu       sync.RWMutex
	members  *btree.BTreeG[member]
	isolated map[types.NodeID]bool
	dropRate float64
	delayMin time.Duration
	delayMax time.Duration

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewNetwork() *Network {
	return &Network{
		members:  btree.NewG(8, memberLess),
		isolated: make(map[types.NodeID]bool),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register makes h reachable as id, replacing any earlier registration.
func (n *Network) Register(id types.NodeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members.ReplaceOrInsert(member{id: id, handler: h})
}

func (n *Network) Unregister(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members.Delete(member{id: id})
}

// Lookup resolves id to its registered handler.
func (n *Network) Lookup(id types.NodeID) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.members.Get(member{id: id})
	return m.handler, ok
}

// Members returns the registered ids in ascending order.
func (n *Network) Members() []types.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]types.NodeID, 0, n.members.Len())
	n.members.Ascend(func(m member) bool {
		ids = append(ids, m.id)
		return true
	})
	return ids
}

// Isolate cuts id off from every other node (or heals it).
func (n *Network) Isolate(id types.NodeID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if isolated {
		n.isolated[id] = true
	} else {
		delete(n.isolated, id)
	}
}

func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay makes every call wait a random duration in [min, max).
func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin = min
	n.delayMax = max
}

// Transport returns the Transport used by the node with id from.
func (n *Network) Transport(from types.NodeID) *InProcTransport {
	return &InProcTransport{net: n, from: from}
}

func (n *Network) float64() float64 {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return n.rand.Float64()
}

func (n *Network) int63n(v int64) int64 {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return n.rand.Int63n(v)
}

// route applies the fault model and returns the target handler.
func (n *Network) route(ctx context.Context, from, to types.NodeID) (Handler, error) {
	n.mu.RLock()
	m, exists := n.members.Get(member{id: to})
	partitioned := n.isolated[from] || n.isolated[to]
	dropRate := n.dropRate
	delay := n.delayMin
	spread := n.delayMax - n.delayMin
	n.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnknownPeer)
	}
	if partitioned {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrPartitioned)
	}
	if dropRate > 0 && n.float64() < dropRate {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrDropped)
	}

	if spread > 0 {
		delay += time.Duration(n.int63n(int64(spread)))
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.handler, nil
}

// InProcTransport delivers RPCs through a Network on behalf of one node.
type InProcTransport struct {
	net  *Network
	from types.NodeID
}

func (t *InProcTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	h, err := t.net.route(ctx, t.from, to)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *InProcTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	h, err := t.net.route(ctx, t.from, to)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}
