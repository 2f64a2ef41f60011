package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

// mockHandler implements Handler for testing.
type mockHandler struct {
	lastAEReq AppendEntriesRequest
	lastRVReq RequestVoteRequest
	respTerm  uint64
	voteGrant bool
}

func (m *mockHandler) HandleAppendEntries(_ context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	m.lastAEReq = req
	return AppendEntriesResponse{Term: m.respTerm, Success: true}, nil
}

func (m *mockHandler) HandleRequestVote(_ context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	m.lastRVReq = req
	return RequestVoteResponse{Term: m.respTerm, VoteGranted: m.voteGrant}, nil
}

func TestNetwork_DeliversToRegisteredHandler(t *testing.T) {
	net := NewNetwork()
	h := &mockHandler{respTerm: 2, voteGrant: true}
	net.Register(1, h)

	tp := net.Transport(0)
	resp, err := tp.RequestVote(context.Background(), 1, RequestVoteRequest{Term: 2, CandidateID: 0, LastLogIndex: 4, LastLogTerm: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.VoteGranted || resp.Term != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if h.lastRVReq.CandidateID != 0 || h.lastRVReq.LastLogIndex != 4 {
		t.Fatalf("request mismatch: %+v", h.lastRVReq)
	}

	aeResp, err := tp.AppendEntries(context.Background(), 1, AppendEntriesRequest{Term: 2, LeaderID: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !aeResp.Success {
		t.Fatal("expected success")
	}
	if h.lastAEReq.LeaderID != 0 {
		t.Fatalf("expected leader 0, got %s", h.lastAEReq.LeaderID)
	}
}

func TestNetwork_UnknownPeer(t *testing.T) {
	net := NewNetwork()
	_, err := net.Transport(0).RequestVote(context.Background(), 9, RequestVoteRequest{})
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestNetwork_MembersOrdered(t *testing.T) {
	net := NewNetwork()
	for _, id := range []types.NodeID{3, 0, 4, 1, 2} {
		net.Register(id, &mockHandler{})
	}
	net.Unregister(4)

	got := net.Members()
	want := []types.NodeID{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if _, ok := net.Lookup(4); ok {
		t.Fatal("expected unregistered node to be unreachable")
	}
}

func TestNetwork_IsolateBothDirections(t *testing.T) {
	net := NewNetwork()
	net.Register(0, &mockHandler{})
	net.Register(1, &mockHandler{})
	net.Isolate(1, true)

	if _, err := net.Transport(0).AppendEntries(context.Background(), 1, AppendEntriesRequest{}); !errors.Is(err, ErrPartitioned) {
		t.Fatalf("expected ErrPartitioned to isolated node, got %v", err)
	}
	if _, err := net.Transport(1).AppendEntries(context.Background(), 0, AppendEntriesRequest{}); !errors.Is(err, ErrPartitioned) {
		t.Fatalf("expected ErrPartitioned from isolated node, got %v", err)
	}

	net.Isolate(1, false)
	if _, err := net.Transport(0).AppendEntries(context.Background(), 1, AppendEntriesRequest{}); err != nil {
		t.Fatalf("expected healed link, got %v", err)
	}
}

func TestNetwork_DropAll(t *testing.T) {
	net := NewNetwork()
	net.Register(1, &mockHandler{})
	net.SetDropRate(1)

	if _, err := net.Transport(0).RequestVote(context.Background(), 1, RequestVoteRequest{}); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
}

func TestNetwork_DelayHonorsDeadline(t *testing.T) {
	net := NewNetwork()
	h := &mockHandler{}
	net.Register(1, h)
	net.SetDelay(time.Second, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := net.Transport(0).RequestVote(ctx, 1, RequestVoteRequest{Term: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("delayed call ignored the context deadline")
	}
	if h.lastRVReq.Term != 0 {
		t.Fatal("handler should not run after the deadline")
	}
}
