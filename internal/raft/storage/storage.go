package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

var ErrIndexOutOfRange = errors.New("log index out of range")

// LogEntry is a single entry in the Raft log. Indices start at 1.
type LogEntry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data,omitempty"`
}

// --- Interfaces ---

// StableStore persists Raft durable state (term, vote).
type StableStore interface {
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(uint64) error
	// GetVotedFor returns types.None when no vote is recorded.
	GetVotedFor() (types.NodeID, error)
	// SetVotedFor records a vote; types.None clears it.
	SetVotedFor(types.NodeID) error
}

// LogStore persists the Raft log.
type LogStore interface {
	LastIndex() (uint64, error)
	TermAt(index uint64) (uint64, error)
	Append(entries []LogEntry) error
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	DeleteFrom(index uint64) error
}

// LastTerm returns the term of the last entry of log, or 0 when it is empty.
func LastTerm(log LogStore) (uint64, uint64, error) {
	idx, err := log.LastIndex()
	if err != nil || idx == 0 {
		return idx, 0, err
	}
	term, err := log.TermAt(idx)
	if err != nil {
		return 0, 0, err
	}
	return idx, term, nil
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore.
type MemStableStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor types.NodeID
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{votedFor: types.None}
}

func (s *MemStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) GetVotedFor() (types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	return nil
}

// MemLogStore is an in-memory LogStore. Index 0 is a dummy sentinel.
type MemLogStore struct {
	mu      sync.Mutex
	entries []LogEntry // entries[0] is sentinel
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{
		entries: []LogEntry{{}},
	}
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries) - 1), nil
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || index >= uint64(len(s.entries)) {
		return 0, fmt.Errorf("index %d not in [1, %d]: %w", index, len(s.entries)-1, ErrIndexOutOfRange)
	}
	return s.entries[index].Term, nil
}

// Append adds entries at the tail. Entry indices must continue the log.
func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Index != uint64(len(s.entries)) {
			return fmt.Errorf("append index %d, expected %d: %w", e.Index, len(s.entries), ErrIndexOutOfRange)
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lo < 1 || hi >= uint64(len(s.entries)) || lo > hi {
		return nil, fmt.Errorf("range [%d, %d], log length %d: %w", lo, hi, len(s.entries)-1, ErrIndexOutOfRange)
	}
	result := make([]LogEntry, hi-lo+1)
	copy(result, s.entries[lo:hi+1])
	return result, nil
}

// DeleteFrom removes the entry at index and everything after it.
func (s *MemLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 1 || index >= uint64(len(s.entries)) {
		return fmt.Errorf("index %d not in [1, %d]: %w", index, len(s.entries)-1, ErrIndexOutOfRange)
	}
	s.entries = s.entries[:index]
	return nil
}
