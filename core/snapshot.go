package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AgentSnapshot is the serializable export of one agent's state, sufficient
// to fully restore its behavior: configuration, metrics, adaptive strategy,
// dedup cache entries, and the last-activity timestamp.
type AgentSnapshot struct {
	ID           string                `json:"id"`
	Kind         AgentKind             `json:"kind"`
	Config       *AgentConfig          `json:"config,omitempty"`
	Metrics      Metrics               `json:"metrics"`
	Adaptive     AdaptiveStrategy      `json:"adaptive_strategy"`
	Cache        map[string]*Discovery `json:"discovery_cache,omitempty"`
	LastActivity time.Time             `json:"last_activity"`
}

// MemorySnapshotStore keeps the flat snapshot in process memory. Useful for
// tests and for running without persistence.
type MemorySnapshotStore struct {
	mu   sync.Mutex
	data map[string]*AgentSnapshot
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snapshot map[string]*AgentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*AgentSnapshot, len(snapshot))
	for id, snap := range snapshot {
		s.data[id] = snap
	}
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context) (map[string]*AgentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*AgentSnapshot, len(s.data))
	for id, snap := range s.data {
		out[id] = snap
	}
	return out, nil
}

// FileSnapshotStore persists the flat snapshot as a single JSON file. The
// write goes through a temp file and rename so a crash mid-save never
// leaves a torn snapshot behind.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store writing to the given path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (s *FileSnapshotStore) Save(ctx context.Context, snapshot map[string]*AgentSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) Load(ctx context.Context) (map[string]*AgentSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]*AgentSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot map[string]*AgentSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", s.path, ErrSnapshotCorrupted)
	}
	if snapshot == nil {
		snapshot = map[string]*AgentSnapshot{}
	}
	return snapshot, nil
}
