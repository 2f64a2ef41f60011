package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

// mockNode implements NodeIface for testing.
type mockNode struct {
	leader     bool
	leaderHint types.LeaderHint
	status     types.NodeStatus
	election   raft.ElectionResult
	proposeErr error

	proposed  [][]byte
	elections int
}

func (m *mockNode) Status() types.NodeStatus { return m.status }

func (m *mockNode) IsLeader() bool { return m.leader }

func (m *mockNode) LeaderHint() types.LeaderHint { return m.leaderHint }

func (m *mockNode) StartElection(_ context.Context) raft.ElectionResult {
	m.elections++
	return m.election
}

func (m *mockNode) Propose(_ context.Context, data []byte) (uint64, uint64, error) {
	if m.proposeErr != nil {
		return 0, 0, m.proposeErr
	}
	m.proposed = append(m.proposed, data)
	return uint64(len(m.proposed)), 3, nil
}

func setup(t *testing.T, node *mockNode) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(node, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postLog(t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(url+"/log", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHTTPAPI_Healthz(t *testing.T) {
	ts := setup(t, &mockNode{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHTTPAPI_Status(t *testing.T) {
	node := &mockNode{status: types.NodeStatus{
		ID:         2,
		Role:       types.RoleCandidate,
		Term:       4,
		VotedFor:   2,
		VoteCount:  1,
		LeaderHint: types.LeaderHint{LeaderID: types.None},
	}}
	ts := setup(t, node)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st types.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.ID != 2 || st.Role != types.RoleCandidate || st.Term != 4 || st.VoteCount != 1 {
		t.Fatalf("status mismatch: %+v", st)
	}
	if st.LeaderHint.LeaderID != types.None {
		t.Fatalf("expected no leader, got %s", st.LeaderHint.LeaderID)
	}
}

func TestHTTPAPI_Election(t *testing.T) {
	node := &mockNode{election: raft.ElectionResult{ID: "e1", Term: 1, Votes: 5, Quorum: 3, Won: true}}
	ts := setup(t, node)

	resp, err := http.Post(ts.URL+"/election", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res raft.ElectionResult
	json.NewDecoder(resp.Body).Decode(&res)
	if !res.Won || res.Votes != 5 || res.ID != "e1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if node.elections != 1 {
		t.Fatalf("expected one election, got %d", node.elections)
	}
}

func TestHTTPAPI_ElectionRequiresPost(t *testing.T) {
	ts := setup(t, &mockNode{})

	resp, err := http.Get(ts.URL + "/election")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_ProposeToLeader_Returns200(t *testing.T) {
	node := &mockNode{leader: true}
	ts := setup(t, node)

	body, _ := json.Marshal(map[string]string{"data": "hello"})
	resp, err := ts.Client().Post(ts.URL+"/log", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out proposeResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.Ok || out.Index != 1 || out.Term != 3 {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(node.proposed) != 1 || string(node.proposed[0]) != "hello" {
		t.Fatalf("proposal mismatch: %q", node.proposed)
	}
}

func TestHTTPAPI_ProposeToFollower_Returns307(t *testing.T) {
	node := &mockNode{
		leaderHint: types.LeaderHint{LeaderID: 1, LeaderAddr: "http://leader:8080"},
	}
	ts := setup(t, node)

	resp := postLog(t, noRedirectClient(), ts.URL, `{"data":"x"}`)
	defer resp.Body.Close()
	if resp.StatusCode != 307 {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://leader:8080/log" {
		t.Fatalf("unexpected Location %q", loc)
	}

	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "not_leader" {
		t.Fatalf("expected not_leader, got %v", body["error"])
	}
	hint := body["leader_hint"].(map[string]interface{})
	if hint["leader_id"].(float64) != 1 {
		t.Fatalf("expected leader hint, got %v", hint)
	}
	if len(node.proposed) != 0 {
		t.Fatal("follower must not propose")
	}
}

func TestHTTPAPI_ProposeLostLeadership_Returns307(t *testing.T) {
	ts := setup(t, &mockNode{leader: true, proposeErr: raft.ErrNotLeader})

	resp := postLog(t, noRedirectClient(), ts.URL, `{"data":"x"}`)
	resp.Body.Close()
	if resp.StatusCode != 307 {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
}

func TestHTTPAPI_ProposeErrors(t *testing.T) {
	tests := []struct {
		name   string
		node   *mockNode
		body   string
		status int
		code   string
	}{
		{"bad json", &mockNode{leader: true}, "{invalid", 400, "bad_request"},
		{"store failure", &mockNode{leader: true, proposeErr: errors.New("disk full")}, `{"data":"x"}`, 500, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setup(t, tt.node)
			resp := postLog(t, ts.Client(), ts.URL, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var body errorResponse
			json.NewDecoder(resp.Body).Decode(&body)
			if body.Ok || body.Code != tt.code {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}
