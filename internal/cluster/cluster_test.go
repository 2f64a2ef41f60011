package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

func testTiming() raft.TimingConfig {
	return raft.TimingConfig{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
	}
}

func newCluster(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	if cfg.Timing == (raft.TimingConfig{}) {
		cfg.Timing = testTiming()
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

type denyVotes struct {
	transport.Transport
}

func (d denyVotes) RequestVote(_ context.Context, _ types.NodeID, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	return transport.RequestVoteResponse{Term: req.Term}, nil
}

func TestCluster_New_RejectsEmpty(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for size 0")
	}
}

func TestCluster_NodesOrderedAndRegistered(t *testing.T) {
	c := newCluster(t, Config{Size: 4})

	nodes := c.Nodes()
	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(nodes))
	}
	for i, n := range nodes {
		if n.ID() != types.NodeID(i) {
			t.Fatalf("position %d holds node %s", i, n.ID())
		}
	}
	if members := c.Network().Members(); len(members) != 4 {
		t.Fatalf("expected 4 registered members, got %v", members)
	}
	if c.Node(9) != nil || c.LogStore(-1) != nil {
		t.Fatal("expected nil for unknown ids")
	}
}

func TestCluster_ElectionScenario_FiveNodes(t *testing.T) {
	c := newCluster(t, Config{Size: 5, HeartbeatRounds: 3})

	res := c.Node(0).StartElection(context.Background())
	if !res.Won {
		t.Fatalf("expected node 0 to win, got %+v", res)
	}

	leader, ok := c.Leader()
	if !ok || leader.ID() != 0 {
		t.Fatalf("expected node 0 as leader, got %v", leader)
	}
	for _, st := range c.Statuses()[1:] {
		if st.Role != types.RoleFollower || st.VotedFor != 0 || st.Term != 1 {
			t.Fatalf("unexpected follower status %+v", st)
		}
	}
}

func TestCluster_ElectionScenario_DeniedCandidate(t *testing.T) {
	c := newCluster(t, Config{
		Size: 5,
		Wrap: func(id types.NodeID, tp transport.Transport) transport.Transport {
			if id == 0 {
				return denyVotes{tp}
			}
			return tp
		},
	})

	c.Node(0).StartElection(context.Background())

	st := c.Node(0).Status()
	if st.Role != types.RoleFollower || st.VoteCount != 1 || st.Term != 1 {
		t.Fatalf("expected follower with 1 vote at term 1, got %+v", st)
	}
	if _, ok := c.Leader(); ok {
		t.Fatal("expected no leader")
	}
}

func TestCluster_ElectionScenario_FresherLogWins(t *testing.T) {
	c := newCluster(t, Config{Size: 5, HeartbeatRounds: 1})
	for i := 0; i < 5; i++ {
		term := uint64(1)
		if i == 1 {
			term = 2
		}
		if err := c.SeedLog(types.NodeID(i), term); err != nil {
			t.Fatal(err)
		}
	}

	res := c.Node(1).StartElection(context.Background())
	if !res.Won || res.Votes != 5 {
		t.Fatalf("expected unanimous win, got %+v", res)
	}
}

func TestCluster_StartElectsLeader_AndReelectsAfterIsolation(t *testing.T) {
	c := newCluster(t, Config{Size: 3, Seed: 7})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	first, err := c.WaitForLeader(wctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("no leader elected: %v", err)
	}
	firstTerm := first.Status().Term

	c.Isolate(first.ID(), true)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, ok := c.Leader(); ok && n.ID() != first.ID() {
			if term := n.Status().Term; term <= firstTerm {
				t.Fatalf("new leader must hold a newer term, got %d <= %d", term, firstTerm)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("remaining nodes did not elect a new leader")
}

func TestCluster_StopIsIdempotent(t *testing.T) {
	c := newCluster(t, Config{Size: 2})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
