package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds per-agent configuration. It follows three-layer
// priority: defaults (lowest), environment variables, then functional
// options (highest).
type AgentConfig struct {
	Name string    `yaml:"name" json:"name"`
	Kind AgentKind `yaml:"kind" json:"kind"`
	ID   string    `yaml:"id" json:"id"`

	// Cycle scheduling. CycleInterval is the starting tick period; the
	// adaptive scheduler keeps the live interval inside [Min,Max].
	CycleInterval    time.Duration `yaml:"cycle_interval" json:"cycle_interval"`         // env: WHISPERFLEET_CYCLE_INTERVAL
	MinCycleInterval time.Duration `yaml:"min_cycle_interval" json:"min_cycle_interval"` // env: WHISPERFLEET_MIN_CYCLE_INTERVAL
	MaxCycleInterval time.Duration `yaml:"max_cycle_interval" json:"max_cycle_interval"` // env: WHISPERFLEET_MAX_CYCLE_INTERVAL

	// Task admission
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"` // env: WHISPERFLEET_MAX_CONCURRENT_TASKS

	// Collaboration
	CollaborationThreshold float64 `yaml:"collaboration_threshold" json:"collaboration_threshold"` // env: WHISPERFLEET_COLLABORATION_THRESHOLD

	// Self-diagnostics
	DiagnosticsInterval time.Duration `yaml:"diagnostics_interval" json:"diagnostics_interval"`
	StalenessWindow     time.Duration `yaml:"staleness_window" json:"staleness_window"`
	ErrorThreshold      int           `yaml:"error_threshold" json:"error_threshold"`
	SuccessRateFloor    float64       `yaml:"success_rate_floor" json:"success_rate_floor"`

	// Dedup cache
	DedupCacheLimit int           `yaml:"dedup_cache_limit" json:"dedup_cache_limit"`
	DedupCacheTTL   time.Duration `yaml:"dedup_cache_ttl" json:"dedup_cache_ttl"`
}

// AgentOption mutates an AgentConfig during construction.
type AgentOption func(*AgentConfig)

// DefaultAgentConfig returns the baseline agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Name:                   "whisper-agent",
		Kind:                   KindDomainSweeper,
		CycleInterval:          30 * time.Second,
		MinCycleInterval:       10 * time.Second,
		MaxCycleInterval:       120 * time.Second,
		MaxConcurrentTasks:     3,
		CollaborationThreshold: 0.6,
		DiagnosticsInterval:    30 * time.Second,
		StalenessWindow:        2 * time.Minute,
		ErrorThreshold:         10,
		SuccessRateFloor:       0.5,
		DedupCacheLimit:        1000,
		DedupCacheTTL:          24 * time.Hour,
	}
}

// NewAgentConfig builds a config from defaults, the environment, and the
// given options, then validates it.
func NewAgentConfig(opts ...AgentOption) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) applyEnv() {
	if v := os.Getenv("WHISPERFLEET_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CycleInterval = d
		}
	}
	if v := os.Getenv("WHISPERFLEET_MIN_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MinCycleInterval = d
		}
	}
	if v := os.Getenv("WHISPERFLEET_MAX_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MaxCycleInterval = d
		}
	}
	if v := os.Getenv("WHISPERFLEET_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("WHISPERFLEET_COLLABORATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.CollaborationThreshold = f
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *AgentConfig) Validate() error {
	if c.MinCycleInterval <= 0 || c.MaxCycleInterval < c.MinCycleInterval {
		return fmt.Errorf("cycle interval range [%v, %v] is invalid: %w",
			c.MinCycleInterval, c.MaxCycleInterval, ErrInvalidConfiguration)
	}
	if c.CycleInterval < c.MinCycleInterval || c.CycleInterval > c.MaxCycleInterval {
		return fmt.Errorf("cycle interval %v outside range [%v, %v]: %w",
			c.CycleInterval, c.MinCycleInterval, c.MaxCycleInterval, ErrInvalidConfiguration)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive: %w", ErrInvalidConfiguration)
	}
	if c.CollaborationThreshold < 0 || c.CollaborationThreshold > 1 {
		return fmt.Errorf("collaboration threshold %v outside [0,1]: %w",
			c.CollaborationThreshold, ErrInvalidConfiguration)
	}
	if c.DedupCacheLimit <= 0 {
		return fmt.Errorf("dedup cache limit must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Functional options

func WithName(name string) AgentOption {
	return func(c *AgentConfig) { c.Name = name }
}

func WithKind(kind AgentKind) AgentOption {
	return func(c *AgentConfig) { c.Kind = kind }
}

func WithCycleInterval(d time.Duration) AgentOption {
	return func(c *AgentConfig) { c.CycleInterval = d }
}

func WithIntervalRange(min, max time.Duration) AgentOption {
	return func(c *AgentConfig) {
		c.MinCycleInterval = min
		c.MaxCycleInterval = max
	}
}

func WithMaxConcurrentTasks(n int) AgentOption {
	return func(c *AgentConfig) { c.MaxConcurrentTasks = n }
}

func WithCollaborationThreshold(t float64) AgentOption {
	return func(c *AgentConfig) { c.CollaborationThreshold = t }
}

// HealingConfig bounds the orchestrator's healing protocol.
type HealingConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// OrchestratorConfig holds fleet-level coordination settings.
type OrchestratorConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`

	RedistributionInterval time.Duration `yaml:"redistribution_interval" json:"redistribution_interval"`
	AdaptationInterval     time.Duration `yaml:"adaptation_interval" json:"adaptation_interval"`
	HealthPollInterval     time.Duration `yaml:"health_poll_interval" json:"health_poll_interval"`

	// Deep scan triggering
	DeepScanConfidence    float64   `yaml:"deep_scan_confidence" json:"deep_scan_confidence"`
	DeepScanPreferredKind AgentKind `yaml:"deep_scan_preferred_kind" json:"deep_scan_preferred_kind"`

	// Strategy adaptation thresholds
	LowSuccessRate   float64 `yaml:"low_success_rate" json:"low_success_rate"`
	LowDiscoveryRate float64 `yaml:"low_discovery_rate" json:"low_discovery_rate"`

	Healing HealingConfig `yaml:"healing" json:"healing"`
}

// DefaultOrchestratorConfig returns the baseline fleet configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Namespace:              "whisperfleet",
		RedistributionInterval: 60 * time.Second,
		AdaptationInterval:     5 * time.Minute,
		HealthPollInterval:     30 * time.Second,
		DeepScanConfidence:     0.7,
		DeepScanPreferredKind:  KindChainAnalyst,
		LowSuccessRate:         0.5,
		LowDiscoveryRate:       0.1,
		Healing: HealingConfig{
			MaxRetries:        3,
			BaseDelay:         5 * time.Second,
			MaxDelay:          5 * time.Minute,
			BackoffMultiplier: 2.0,
		},
	}
}

// FileConfig is the on-disk YAML configuration consumed by cmd/whisperd.
type FileConfig struct {
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentConfig       `yaml:"agents"`
	RedisURL     string              `yaml:"redis_url"`
	NATSURL      string              `yaml:"nats_url"`
	SnapshotPath string              `yaml:"snapshot_path"`
	LogLevel     string              `yaml:"log_level"`
}

// LoadFileConfig reads a YAML configuration file. Missing sections fall
// back to defaults; agent entries are overlaid onto DefaultAgentConfig.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.Orchestrator == nil {
		fc.Orchestrator = DefaultOrchestratorConfig()
	}
	for i := range fc.Agents {
		merged := *DefaultAgentConfig()
		overlayAgentConfig(&merged, &fc.Agents[i])
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("agent %q: %w", fc.Agents[i].Name, err)
		}
		fc.Agents[i] = merged
	}
	return fc, nil
}

// overlayAgentConfig copies non-zero fields of src over dst.
func overlayAgentConfig(dst, src *AgentConfig) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.ID != "" {
		dst.ID = src.ID
	}
	if src.CycleInterval > 0 {
		dst.CycleInterval = src.CycleInterval
	}
	if src.MinCycleInterval > 0 {
		dst.MinCycleInterval = src.MinCycleInterval
	}
	if src.MaxCycleInterval > 0 {
		dst.MaxCycleInterval = src.MaxCycleInterval
	}
	if src.MaxConcurrentTasks > 0 {
		dst.MaxConcurrentTasks = src.MaxConcurrentTasks
	}
	if src.CollaborationThreshold > 0 {
		dst.CollaborationThreshold = src.CollaborationThreshold
	}
	if src.DiagnosticsInterval > 0 {
		dst.DiagnosticsInterval = src.DiagnosticsInterval
	}
	if src.StalenessWindow > 0 {
		dst.StalenessWindow = src.StalenessWindow
	}
	if src.ErrorThreshold > 0 {
		dst.ErrorThreshold = src.ErrorThreshold
	}
	if src.SuccessRateFloor > 0 {
		dst.SuccessRateFloor = src.SuccessRateFloor
	}
	if src.DedupCacheLimit > 0 {
		dst.DedupCacheLimit = src.DedupCacheLimit
	}
	if src.DedupCacheTTL > 0 {
		dst.DedupCacheTTL = src.DedupCacheTTL
	}
}
