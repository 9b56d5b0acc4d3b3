package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// bucketCheckpoints holds one key per (sessionID, sequence) pair, so a
// session's full checkpoint history survives rather than just its
// latest revision. Grounded on the pack's SWARM-INTELLIGENCE-NETWORK
// orchestrator persistence layer (services/orchestrator/persistence.go),
// which keeps one bbolt bucket per concern and a monotonic per-record
// key within it.
var bucketCheckpoints = []byte("checkpoints")

// BoltStore is a multi-revision checkpoint store backed by bbolt. Unlike
// FileStore it retains every Save as a distinct history entry, keyed
// sessionID + big-endian sequence number so History returns revisions
// in write order without needing a secondary index.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database at path and
// ensures the checkpoints bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func checkpointKey(sessionID string, seq uint64) []byte {
	key := make([]byte, len(sessionID)+1+8)
	copy(key, sessionID)
	key[len(sessionID)] = '/'
	binary.BigEndian.PutUint64(key[len(sessionID)+1:], seq)
	return key
}

func (s *BoltStore) Save(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(checkpointKey(snap.SessionID, seq), data)
	})
}

func (s *BoltStore) History(_ context.Context, sessionID string) ([]Snapshot, error) {
	var out []Snapshot
	prefix := append([]byte(sessionID), '/')
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *BoltStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	history, err := s.History(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(history) == 0 {
		return Snapshot{}, fmt.Errorf("no checkpoint found for session %s", sessionID)
	}
	return history[len(history)-1], nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
