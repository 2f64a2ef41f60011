package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/leader-election/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

const (
	RoleLeader    = types.RoleLeader
	RoleFollower  = types.RoleFollower
	RoleCandidate = types.RoleCandidate
)

var (
	ErrNotLeader      = errors.New("not leader")
	ErrStopped        = errors.New("node stopped")
	ErrAlreadyStarted = errors.New("node already started")
)

// TimingConfig holds configurable timing parameters for elections and heartbeats.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	// RPCTimeout bounds every single peer call.
	RPCTimeout time.Duration
}

// DefaultTimingConfig returns sensible defaults for production.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

func (t TimingConfig) withDefaults() TimingConfig {
	def := DefaultTimingConfig()
	if t.ElectionTimeoutMin <= 0 {
		t.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if t.ElectionTimeoutMax <= t.ElectionTimeoutMin {
		t.ElectionTimeoutMax = 2 * t.ElectionTimeoutMin
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = def.HeartbeatInterval
	}
	if t.RPCTimeout <= 0 {
		t.RPCTimeout = def.RPCTimeout
	}
	return t
}

// Config holds configuration for a Raft node.
type Config struct {
	ID     types.NodeID
	Peers  []types.NodeID // other nodes (not including self)
	Addr   string         // this node's advertised address
	Timing TimingConfig
	// HeartbeatRounds stops the heartbeat routine after that many rounds.
	// Zero keeps it running for as long as the node leads.
	HeartbeatRounds int
	Logger          *slog.Logger
	Rand            *rand.Rand // optional: for deterministic randomness in tests
}

// ElectionResult reports the outcome of one StartElection call.
type ElectionResult struct {
	ID     string `json:"id"`
	Term   uint64 `json:"term"`
	Votes  int    `json:"votes"`
	Quorum int    `json:"quorum"`
	Won    bool   `json:"won"`
}

// Node is a Raft node.
type Node struct {
	cfg    Config
	stable storage.StableStore
	log    storage.LogStore
	tp     transport.Transport
	logger *slog.Logger

	mu          sync.Mutex
	role        types.Role
	currentTerm uint64
	votedFor    types.NodeID
	voteCount   int
	leaderHint  types.LeaderHint
	commitIndex uint64
	started     bool

	matchIndex map[types.NodeID]uint64
	nextIndex  map[types.NodeID]uint64

	// termCancel aborts the in-flight election or the current leadership.
	termCancel context.CancelFunc

	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	electionResetCh chan struct{}

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewNode creates a new Raft node, restoring term and vote from stable.
func NewNode(cfg Config, stable storage.StableStore, log storage.LogStore, tp transport.Transport) (*Node, error) {
	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("load current term: %w", err)
	}

	votedFor, err := stable.GetVotedFor()
	if err != nil {
		return nil, fmt.Errorf("load vote: %w", err)
	}

	cfg.Timing = cfg.Timing.withDefaults()

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	n := &Node{
		cfg:             cfg,
		stable:          stable,
		log:             log,
		tp:              tp,
		logger:          logger.With("node", int(cfg.ID)),
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		leaderHint:      types.LeaderHint{LeaderID: types.None},
		matchIndex:      make(map[types.NodeID]uint64),
		nextIndex:       make(map[types.NodeID]uint64),
		electionResetCh: make(chan struct{}, 1),
		rand:            r,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// Start runs the election timer until ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	context.AfterFunc(ctx, n.cancel)
	n.wg.Add(1)
	go n.electionLoop()
	return nil
}

// Stop cancels every goroutine the node owns and waits for them to exit.
func (n *Node) Stop(ctx context.Context) error {
	// under mu so no goroutine is added to wg after the cancel
	n.mu.Lock()
	n.cancel()
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) ID() types.NodeID {
	return n.cfg.ID
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIdx, lastTerm, _ := storage.LastTerm(n.log)
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.currentTerm,
		VotedFor:    n.votedFor,
		VoteCount:   n.voteCount,
		CommitIndex: n.commitIndex,
		LastIndex:   lastIdx,
		LastTerm:    lastTerm,
		LeaderHint:  n.leaderHint,
	}
}

// quorum is a strict majority of the whole cluster, self included.
func (n *Node) quorum() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	delta := n.cfg.Timing.ElectionTimeoutMax - min
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return min + time.Duration(n.rand.Int63n(int64(delta)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) electionLoop() {
	defer n.wg.Done()
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			if !n.IsLeader() {
				n.StartElection(n.ctx)
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// --- term and vote bookkeeping (mu held) ---

// adoptTermLocked moves to a newer term and forgets the vote cast in the old one.
func (n *Node) adoptTermLocked(term uint64) error {
	n.currentTerm = term
	n.votedFor = types.None
	if err := n.stable.SetCurrentTerm(term); err != nil {
		return fmt.Errorf("persist term %d: %w", term, err)
	}
	if err := n.stable.SetVotedFor(types.None); err != nil {
		return fmt.Errorf("persist vote reset: %w", err)
	}
	return nil
}

// stepDownLocked makes the node a follower, adopting term if it is newer, and
// aborts any election or leadership it was running.
func (n *Node) stepDownLocked(term uint64) error {
	var err error
	if term > n.currentTerm {
		err = n.adoptTermLocked(term)
	}
	if n.termCancel != nil {
		n.termCancel()
		n.termCancel = nil
	}
	if n.role != RoleFollower {
		n.logger.Info("stepped down", "from", n.role, "term", n.currentTerm)
		n.role = RoleFollower
	}
	return err
}

// candidateLogUpToDateLocked compares the last entry term first, then length.
func (n *Node) candidateLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) (bool, error) {
	myIdx, myTerm, err := storage.LastTerm(n.log)
	if err != nil {
		return false, err
	}
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm, nil
	}
	return lastLogIndex >= myIdx, nil
}

// --- election ---

// StartElection runs one election round: the node becomes a candidate for the
// next term, votes for itself and asks every peer for a vote. It leads if a
// strict majority grants; otherwise it returns to follower keeping the new
// term and its self-vote.
func (n *Node) StartElection(ctx context.Context) ElectionResult {
	n.mu.Lock()
	if n.termCancel != nil {
		n.termCancel()
		n.termCancel = nil
	}
	n.role = RoleCandidate
	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.voteCount = 1
	term := n.currentTerm

	res := ElectionResult{ID: uuid.NewString(), Term: term, Votes: 1, Quorum: n.quorum()}
	logger := n.logger.With("election_id", res.ID, "term", term)

	if err := n.persistCandidacyLocked(); err != nil {
		n.role = RoleFollower
		n.mu.Unlock()
		logger.Error("election aborted", "err", err)
		return res
	}

	lastIdx, lastTerm, err := storage.LastTerm(n.log)
	if err != nil {
		n.role = RoleFollower
		n.mu.Unlock()
		logger.Error("election aborted", "err", err)
		return res
	}

	ectx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWithNode := context.AfterFunc(n.ctx, cancel)
	defer stopWithNode()
	n.termCancel = cancel

	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	logger.Info("election started", "peers", len(peers), "quorum", res.Quorum)

	req := transport.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	type voteResult struct {
		peer types.NodeID
		resp transport.RequestVoteResponse
		err  error
	}
	results := make(chan voteResult, len(peers))

	for _, p := range peers {
		go func(peer types.NodeID) {
			cctx, ccancel := context.WithTimeout(ectx, n.cfg.Timing.RPCTimeout)
			defer ccancel()
			resp, err := n.tp.RequestVote(cctx, peer, req)
			results <- voteResult{peer, resp, err}
		}(p)
	}

collect:
	for range peers {
		var vr voteResult
		select {
		case <-ectx.Done():
			break collect
		case vr = <-results:
		}
		if vr.err != nil {
			logger.Debug("vote request failed", "peer", int(vr.peer), "err", vr.err)
			continue
		}
		if vr.resp.Term > term {
			n.mu.Lock()
			err := n.stepDownLocked(vr.resp.Term)
			n.mu.Unlock()
			logger.Info("election abandoned", "peer", int(vr.peer), "peer_term", vr.resp.Term)
			if err != nil {
				logger.Error("step down", "err", err)
			}
			return res
		}
		if vr.resp.VoteGranted {
			res.Votes++
		}
	}

	n.mu.Lock()
	// Check we're still candidate for the same term
	if n.role != RoleCandidate || n.currentTerm != term {
		n.mu.Unlock()
		logger.Info("election superseded", "votes", res.Votes)
		return res
	}
	n.voteCount = res.Votes

	if res.Votes < res.Quorum {
		n.role = RoleFollower
		n.termCancel = nil
		n.mu.Unlock()
		logger.Info("election lost", "votes", res.Votes, "quorum", res.Quorum)
		return res
	}

	res.Won = true
	lctx := n.becomeLeaderLocked()
	n.mu.Unlock()
	logger.Info("became leader", "votes", res.Votes)

	n.SendHeartbeats(lctx)
	n.mu.Lock()
	if n.ctx.Err() == nil {
		n.wg.Add(1)
		go n.heartbeatLoop(lctx, term)
	}
	n.mu.Unlock()
	return res
}

func (n *Node) persistCandidacyLocked() error {
	if err := n.stable.SetCurrentTerm(n.currentTerm); err != nil {
		return fmt.Errorf("persist term %d: %w", n.currentTerm, err)
	}
	if err := n.stable.SetVotedFor(n.cfg.ID); err != nil {
		return fmt.Errorf("persist self vote: %w", err)
	}
	return nil
}

// becomeLeaderLocked returns a context that lives as long as the leadership.
func (n *Node) becomeLeaderLocked() context.Context {
	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}

	lastIdx, _ := n.log.LastIndex()
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
	}

	lctx, cancel := context.WithCancel(n.ctx)
	n.termCancel = cancel
	return lctx
}

// --- leadership ---

// heartbeatLoop keeps sending heartbeat rounds until leadership of term ends,
// or HeartbeatRounds rounds have gone out. The first round was already sent.
func (n *Node) heartbeatLoop(ctx context.Context, term uint64) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	rounds := 1
	for {
		if n.cfg.HeartbeatRounds > 0 && rounds >= n.cfg.HeartbeatRounds {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !n.isLeaderOf(term) {
			return
		}
		n.SendHeartbeats(ctx)
		rounds++
	}
}

func (n *Node) isLeaderOf(term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader && n.currentTerm == term
}

// SendHeartbeats sends one AppendEntries round to every peer and returns how
// many accepted it. Each round also carries any entries a peer is missing.
func (n *Node) SendHeartbeats(ctx context.Context) int {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return 0
	}
	term := n.currentTerm
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	n.logger.Debug("sending heartbeats", "term", term, "peers", len(peers))

	var (
		wg   sync.WaitGroup
		acks atomic.Int32
	)
	for _, p := range peers {
		wg.Add(1)
		go func(peer types.NodeID) {
			defer wg.Done()
			if n.replicateTo(ctx, peer, term) {
				acks.Add(1)
			}
		}(p)
	}
	wg.Wait()

	n.advanceCommitIndex(term)
	return int(acks.Load())
}

// replicateTo sends peer the entries from its nextIndex on and updates the
// peer's progress from the answer.
func (n *Node) replicateTo(ctx context.Context, peer types.NodeID, term uint64) bool {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return false
	}
	req, err := n.appendRequestLocked(peer)
	n.mu.Unlock()
	if err != nil {
		n.logger.Error("build append request", "peer", int(peer), "err", err)
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, n.cfg.Timing.RPCTimeout)
	defer cancel()
	resp, err := n.tp.AppendEntries(cctx, peer, req)
	if err != nil {
		n.logger.Debug("append entries failed", "peer", int(peer), "err", err)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		if err := n.stepDownLocked(resp.Term); err != nil {
			n.logger.Error("step down", "err", err)
		}
		return false
	}
	if n.role != RoleLeader || n.currentTerm != term {
		return false
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		n.nextIndex[peer] = match + 1
		return true
	}

	n.nextIndex[peer] = n.backoffLocked(resp, n.nextIndex[peer])
	return false
}

func (n *Node) appendRequestLocked(peer types.NodeID) (transport.AppendEntriesRequest, error) {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	req := transport.AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		LeaderAddr:   n.cfg.Addr,
		PrevLogIndex: next - 1,
		LeaderCommit: n.commitIndex,
	}

	if req.PrevLogIndex > 0 {
		t, err := n.log.TermAt(req.PrevLogIndex)
		if err != nil {
			return req, err
		}
		req.PrevLogTerm = t
	}

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		return req, err
	}
	if next <= lastIdx {
		req.Entries, err = n.log.ReadRange(next, lastIdx)
		if err != nil {
			return req, err
		}
	}
	return req, nil
}

// backoffLocked picks the next nextIndex after a rejected AppendEntries,
// using the follower's conflict hint when there is one.
func (n *Node) backoffLocked(resp transport.AppendEntriesResponse, next uint64) uint64 {
	if resp.ConflictTerm != 0 {
		lastIdx, _ := n.log.LastIndex()
		for i := lastIdx; i > 0; i-- {
			t, err := n.log.TermAt(i)
			if err != nil || t < resp.ConflictTerm {
				break
			}
			if t == resp.ConflictTerm {
				if i+1 < next {
					return i + 1
				}
				break
			}
		}
	}
	if resp.ConflictIndex > 0 && resp.ConflictIndex < next {
		return resp.ConflictIndex
	}
	if next > 1 {
		return next - 1
	}
	return 1
}

// advanceCommitIndex commits the newest entry of the current term that a
// majority holds. Entries of older terms are only committed indirectly.
func (n *Node) advanceCommitIndex(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleLeader || n.currentTerm != term {
		return
	}

	lastIdx, _ := n.log.LastIndex()
	for idx := lastIdx; idx > n.commitIndex; idx-- {
		t, err := n.log.TermAt(idx)
		if err != nil || t < term {
			return
		}
		if t != term {
			continue
		}

		replicas := 1
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p] >= idx {
				replicas++
			}
		}
		if replicas >= n.quorum() {
			n.logger.Debug("commit index advanced", "from", n.commitIndex, "to", idx)
			n.commitIndex = idx
			return
		}
	}
}

// Propose appends data to the leader's log. The entry reaches followers with
// the next heartbeat round.
func (n *Node) Propose(ctx context.Context, data []byte) (index, term uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return 0, 0, ErrNotLeader
	}

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	entry := storage.LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Data: data}
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		return 0, 0, err
	}
	if len(n.cfg.Peers) == 0 {
		n.commitIndex = entry.Index
	}
	return entry.Index, entry.Term, nil
}

// --- RPC handlers ---

// HandleRequestVote handles an incoming RequestVote RPC. A newer term is
// adopted before eligibility is evaluated, so the vote state can change even
// when the vote is refused.
func (n *Node) HandleRequestVote(ctx context.Context, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		if err := n.stepDownLocked(req.Term); err != nil {
			return transport.RequestVoteResponse{Term: n.currentTerm}, err
		}
	}

	if req.Term < n.currentTerm {
		n.logger.Debug("stale vote request", "candidate", int(req.CandidateID), "term", req.Term, "current", n.currentTerm)
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if n.votedFor != types.None && n.votedFor != req.CandidateID {
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	ok, err := n.candidateLogUpToDateLocked(req.LastLogIndex, req.LastLogTerm)
	if err != nil {
		return transport.RequestVoteResponse{Term: n.currentTerm}, err
	}
	if !ok {
		n.logger.Debug("candidate log behind", "candidate", int(req.CandidateID), "term", req.Term)
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if err := n.stable.SetVotedFor(req.CandidateID); err != nil {
		return transport.RequestVoteResponse{Term: n.currentTerm}, fmt.Errorf("persist vote: %w", err)
	}
	n.votedFor = req.CandidateID
	n.resetElectionTimer()
	n.logger.Info("vote granted", "candidate", int(req.CandidateID), "term", n.currentTerm)
	return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

// HandleAppendEntries handles an incoming AppendEntries RPC.
func (n *Node) HandleAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Reject if our term is higher
	if req.Term < n.currentTerm {
		n.logger.Debug("stale append entries", "leader", int(req.LeaderID), "term", req.Term, "current", n.currentTerm)
		return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	if err := n.stepDownLocked(req.Term); err != nil {
		return transport.AppendEntriesResponse{Term: n.currentTerm}, err
	}
	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}

	if req.PrevLogIndex > 0 {
		resp, ok, err := n.checkPrevLocked(req.PrevLogIndex, req.PrevLogTerm)
		if err != nil || !ok {
			return resp, err
		}
	}

	if err := n.mergeEntriesLocked(req.Entries); err != nil {
		return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false}, err
	}

	// Update commitIndex
	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	newCommit := req.LeaderCommit
	if lastNew < newCommit {
		newCommit = lastNew
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
	}

	return transport.AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// checkPrevLocked verifies the entry preceding a replicated batch. On mismatch
// the response carries the first index of the conflicting term.
func (n *Node) checkPrevLocked(prevIdx, prevTerm uint64) (transport.AppendEntriesResponse, bool, error) {
	resp := transport.AppendEntriesResponse{Term: n.currentTerm}

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		return resp, false, err
	}
	if prevIdx > lastIdx {
		resp.ConflictIndex = lastIdx + 1
		return resp, false, nil
	}

	t, err := n.log.TermAt(prevIdx)
	if err != nil {
		return resp, false, err
	}
	if t == prevTerm {
		return resp, true, nil
	}

	conflictIdx := prevIdx
	for conflictIdx > 1 {
		before, err := n.log.TermAt(conflictIdx - 1)
		if err != nil || before != t {
			break
		}
		conflictIdx--
	}
	resp.ConflictIndex = conflictIdx
	resp.ConflictTerm = t
	return resp, false, nil
}

// mergeEntriesLocked appends entries, truncating the first conflicting suffix.
// Entries already present with the same term are left alone.
func (n *Node) mergeEntriesLocked(entries []storage.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lastIdx, err := n.log.LastIndex()
	if err != nil {
		return err
	}

	for i, entry := range entries {
		if entry.Index > lastIdx {
			return n.log.Append(entries[i:])
		}
		existing, err := n.log.TermAt(entry.Index)
		if err != nil {
			return err
		}
		if existing != entry.Term {
			if err := n.log.DeleteFrom(entry.Index); err != nil {
				return err
			}
			if entry.Index <= n.commitIndex {
				n.logger.Error("truncating committed entry", "index", entry.Index, "commit", n.commitIndex)
			}
			return n.log.Append(entries[i:])
		}
	}
	return nil
}
