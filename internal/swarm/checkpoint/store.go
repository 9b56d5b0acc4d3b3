package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/harrison/conductor/internal/filelock"
)

// Store persists and retrieves Snapshots keyed by session id. Load
// returns the most recent snapshot for a session; History returns every
// retained snapshot, oldest first, for backends that keep more than one
// revision.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	History(ctx context.Context, sessionID string) ([]Snapshot, error)
}

// FileStore is the default Store: one JSON file per session, written
// with the teacher's lock-then-atomic-rename discipline so a crash
// mid-write never leaves a torn checkpoint behind. It keeps only the
// latest snapshot per session; History returns a single-element slice.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir; Save creates dir if needed.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return filelock.LockAndWrite(s.path(snap.SessionID), data)
}

func (s *FileStore) Load(_ context.Context, sessionID string) (Snapshot, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read checkpoint %s: %w", sessionID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
	}
	return snap, nil
}

func (s *FileStore) History(ctx context.Context, sessionID string) ([]Snapshot, error) {
	snap, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return []Snapshot{snap}, nil
}

// sortByTimestamp orders snapshots oldest-first, the convention History
// implementations that retain more than one revision should follow.
func sortByTimestamp(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Timestamp.Before(snaps[j].Timestamp) })
}
