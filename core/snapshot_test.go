package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() map[string]*AgentSnapshot {
	return map[string]*AgentSnapshot{
		"sweeper-1": {
			ID:      "sweeper-1",
			Kind:    KindDomainSweeper,
			Metrics: Metrics{Discoveries: 4, TasksCompleted: 11, SuccessRate: 1.0},
			Adaptive: AdaptiveStrategy{
				SearchDepth:        2,
				CollaborationLevel: 0.7,
			},
			Cache: map[string]*Discovery{
				"abc": {ID: "abc", Type: "dormant-domain", Confidence: 0.6},
			},
			LastActivity: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		"analyst-1": {
			ID:   "analyst-1",
			Kind: KindChainAnalyst,
		},
	}
}

func TestMemorySnapshotStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshotStore()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, 4, loaded["sweeper-1"].Metrics.Discoveries)

	// Save replaces, never merges.
	require.NoError(t, store.Save(ctx, map[string]*AgentSnapshot{}))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileSnapshotStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store := NewFileSnapshotStore(path)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))

	// No temp file left behind after the rename commit.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, KindDomainSweeper, loaded["sweeper-1"].Kind)
	assert.Equal(t, 0.7, loaded["sweeper-1"].Adaptive.CollaborationLevel)
	require.Contains(t, loaded["sweeper-1"].Cache, "abc")
	assert.Equal(t, "dormant-domain", loaded["sweeper-1"].Cache["abc"].Type)
}

func TestFileSnapshotStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileSnapshotStore(path).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotCorrupted))
}
