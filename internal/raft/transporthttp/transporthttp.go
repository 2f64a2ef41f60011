package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

const (
	pathRequestVote   = "/raft/request_vote"
	pathAppendEntries = "/raft/append_entries"
)

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *transport.PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *transport.PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	var resp transport.RequestVoteResponse
	err := t.post(ctx, to, pathRequestVote, req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	var resp transport.AppendEntriesResponse
	err := t.post(ctx, to, pathAppendEntries, req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, in, out interface{}) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- RaftHTTPServer (server mux) ---

type RaftHTTPServer struct {
	handler transport.Handler
}

func NewRaftHTTPServer(handler transport.Handler) *RaftHTTPServer {
	return &RaftHTTPServer{handler: handler}
}

func (s *RaftHTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(pathRequestVote, s.handleRequestVote)
	r.Post(pathAppendEntries, s.handleAppendEntries)
	return r
}

func (s *RaftHTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req transport.RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}

	resp, err := s.handler.HandleRequestVote(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *RaftHTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req transport.AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}

	resp, err := s.handler.HandleAppendEntries(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
