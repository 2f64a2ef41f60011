// Package httpapi is the admin API of a consensus node: health, status,
// manual elections and log proposals.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

// NodeIface is the subset of raft.Node the admin API needs.
type NodeIface interface {
	Status() types.NodeStatus
	IsLeader() bool
	LeaderHint() types.LeaderHint
	StartElection(ctx context.Context) raft.ElectionResult
	Propose(ctx context.Context, data []byte) (index, term uint64, err error)
}

// Server serves the admin API for one node.
type Server struct {
	node   NodeIface
	logger *slog.Logger
}

// New creates a new HTTP API server. A nil logger discards request logs.
func New(node NodeIface, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{node: node, logger: logger}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return NewRouter(s)
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

// Election runs one election round with this node as the candidate.
func (s *Server) Election(w http.ResponseWriter, r *http.Request) {
	res := s.node.StartElection(r.Context())
	writeJSON(w, http.StatusOK, res)
}

type proposeRequest struct {
	Data string `json:"data"`
}

type proposeResponse struct {
	Ok    bool   `json:"ok"`
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

func (s *Server) Propose(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body proposeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}

	idx, term, err := s.node.Propose(r.Context(), []byte(body.Data))
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		// lost leadership after the check above
		s.writeNotLeader(w)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proposeResponse{Ok: true, Index: idx, Term: term})
}

// redirectIfNotLeader returns 307 with leader hint if this node is not the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.node.IsLeader() {
		return false
	}
	s.writeNotLeader(w)
	return true
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	hint := s.node.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr+"/log")
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
		"error":       "not_leader",
		"leader_hint": hint,
	})
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// --- JSON helpers ---

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Ok: false, Code: code, Message: msg})
}
