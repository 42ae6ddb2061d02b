package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.CycleInterval)
	assert.Equal(t, 10*time.Second, cfg.MinCycleInterval)
	assert.Equal(t, 120*time.Second, cfg.MaxCycleInterval)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, 0.6, cfg.CollaborationThreshold)
	assert.Equal(t, 1000, cfg.DedupCacheLimit)
}

func TestNewAgentConfigEnvOverlay(t *testing.T) {
	t.Setenv("WHISPERFLEET_CYCLE_INTERVAL", "45s")
	t.Setenv("WHISPERFLEET_MAX_CONCURRENT_TASKS", "5")
	t.Setenv("WHISPERFLEET_COLLABORATION_THRESHOLD", "0.8")

	cfg, err := NewAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.CycleInterval)
	assert.Equal(t, 5, cfg.MaxConcurrentTasks)
	assert.Equal(t, 0.8, cfg.CollaborationThreshold)
}

func TestNewAgentConfigOptionsBeatEnv(t *testing.T) {
	t.Setenv("WHISPERFLEET_CYCLE_INTERVAL", "45s")

	cfg, err := NewAgentConfig(WithCycleInterval(20 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.CycleInterval)
}

func TestAgentConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"inverted interval range", func(c *AgentConfig) {
			c.MinCycleInterval = time.Minute
			c.MaxCycleInterval = time.Second
		}},
		{"cycle interval outside range", func(c *AgentConfig) {
			c.CycleInterval = 5 * time.Minute
		}},
		{"zero concurrency", func(c *AgentConfig) {
			c.MaxConcurrentTasks = 0
		}},
		{"threshold above one", func(c *AgentConfig) {
			c.CollaborationThreshold = 1.5
		}},
		{"zero cache limit", func(c *AgentConfig) {
			c.DedupCacheLimit = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgentConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))
		})
	}
}

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whisperd.yaml")
	content := `
redis_url: redis://localhost:6379/0
log_level: debug
orchestrator:
  namespace: testfleet
  deep_scan_confidence: 0.8
  healing:
    max_retries: 5
    base_delay: 2s
    max_delay: 1m
    backoff_multiplier: 3.0
agents:
  - name: sweeper-a
    kind: domain-sweeper
    cycle_interval: 15s
  - name: analyst-a
    kind: chain-analyst
    max_concurrent_tasks: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", fc.RedisURL)
	assert.Equal(t, "testfleet", fc.Orchestrator.Namespace)
	assert.Equal(t, 0.8, fc.Orchestrator.DeepScanConfidence)
	assert.Equal(t, 5, fc.Orchestrator.Healing.MaxRetries)
	assert.Equal(t, 2*time.Second, fc.Orchestrator.Healing.BaseDelay)

	require.Len(t, fc.Agents, 2)
	// File values overlay the defaults.
	assert.Equal(t, 15*time.Second, fc.Agents[0].CycleInterval)
	assert.Equal(t, 3, fc.Agents[0].MaxConcurrentTasks)
	assert.Equal(t, KindChainAnalyst, fc.Agents[1].Kind)
	assert.Equal(t, 6, fc.Agents[1].MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, fc.Agents[1].CycleInterval)
}

func TestLoadFileConfigRejectsInvalidAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whisperd.yaml")
	content := `
agents:
  - name: broken
    cycle_interval: 1s
    min_cycle_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadFileConfig(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
