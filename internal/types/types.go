package types

import "strconv"

// NodeID identifies a node in the cluster.
type NodeID int

// None is the NodeID used when no vote has been cast in the current term.
const None NodeID = -1

func (id NodeID) String() string {
	if id == None {
		return "none"
	}
	return strconv.Itoa(int(id))
}

// Role is the protocol role a node currently plays.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        Role       `json:"role"`
	Term        uint64     `json:"term"`
	VotedFor    NodeID     `json:"voted_for"`
	VoteCount   int        `json:"vote_count"`
	CommitIndex uint64     `json:"commit_index"`
	LastIndex   uint64     `json:"last_index"`
	LastTerm    uint64     `json:"last_term"`
	LeaderHint  LeaderHint `json:"leader_hint"`
}
