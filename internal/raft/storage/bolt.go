package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

var (
	stableBucket = []byte("stable")
	logBucket    = []byte("log")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
)

// BoltStore is a StableStore and LogStore backed by a single bolt file.
// Log keys are big-endian indices so cursor order is log order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the bolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{stableBucket, logBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// --- StableStore ---

func (s *BoltStore) GetCurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stableBucket).Get(keyCurrentTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (s *BoltStore) SetCurrentTerm(term uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stableBucket).Put(keyCurrentTerm, encodeUint64(term))
	})
}

func (s *BoltStore) GetVotedFor() (types.NodeID, error) {
	id := types.None
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stableBucket).Get(keyVotedFor); v != nil {
			id = types.NodeID(int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	return id, err
}

func (s *BoltStore) SetVotedFor(id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stableBucket)
		if id == types.None {
			return b.Delete(keyVotedFor)
		}
		return b.Put(keyVotedFor, encodeUint64(uint64(int64(id))))
	})
}

// --- LogStore ---

func lastIndex(b *bolt.Bucket) uint64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

func (s *BoltStore) LastIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		idx = lastIndex(tx.Bucket(logBucket))
		return nil
	})
	return idx, err
}

func (s *BoltStore) TermAt(index uint64) (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(logBucket).Get(encodeUint64(index))
		if v == nil {
			return fmt.Errorf("index %d: %w", index, ErrIndexOutOfRange)
		}
		var e LogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode entry %d: %w", index, err)
		}
		term = e.Term
		return nil
	})
	return term, err
}

func (s *BoltStore) Append(entries []LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		next := lastIndex(b) + 1
		for _, e := range entries {
			if e.Index != next {
				return fmt.Errorf("append index %d, expected %d: %w", e.Index, next, ErrIndexOutOfRange)
			}
			v, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(encodeUint64(e.Index), v); err != nil {
				return err
			}
			next++
		}
		return nil
	})
}

func (s *BoltStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	var result []LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		last := lastIndex(b)
		if lo < 1 || hi > last || lo > hi {
			return fmt.Errorf("range [%d, %d], log length %d: %w", lo, hi, last, ErrIndexOutOfRange)
		}
		result = make([]LogEntry, 0, hi-lo+1)
		c := b.Cursor()
		for k, v := c.Seek(encodeUint64(lo)); k != nil && binary.BigEndian.Uint64(k) <= hi; k, v = c.Next() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			result = append(result, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) DeleteFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		last := lastIndex(b)
		if index < 1 || index > last {
			return fmt.Errorf("index %d not in [1, %d]: %w", index, last, ErrIndexOutOfRange)
		}
		// bolt cursors skip keys when deleting mid-iteration, so collect first
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(encodeUint64(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
