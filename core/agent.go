package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// AgentStatus tracks the lifecycle state machine:
// idle -> starting -> running -> stopping -> idle, with error reachable
// from any cycle failure.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusStarting AgentStatus = "starting"
	StatusRunning  AgentStatus = "running"
	StatusStopping AgentStatus = "stopping"
	StatusError    AgentStatus = "error"
)

// Metrics are the agent's mutable performance counters.
type Metrics struct {
	TasksCompleted int     `json:"tasks_completed"`
	Discoveries    int     `json:"discoveries"`
	Collaborations int     `json:"collaborations"`
	Errors         int     `json:"errors"`
	SuccessRate    float64 `json:"success_rate"`
	DiscoveryRate  float64 `json:"discovery_rate"`
}

// AdaptiveStrategy carries the tunable hints the orchestrator and peers
// push onto an agent between cycles.
type AdaptiveStrategy struct {
	SearchDepth        int     `json:"search_depth"`
	CollaborationLevel float64 `json:"collaboration_level"`
	Conservative       bool    `json:"conservative"`
	ExpandedScope      bool    `json:"expanded_scope"`
}

// Health is the agent's self-diagnostic snapshot.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Issues    []string  `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CollaborationEvent records one interaction with a peer.
type CollaborationEvent struct {
	PeerID     string    `json:"peer_id"`
	SubjectID  string    `json:"subject_id"`
	Kind       string    `json:"kind"` // "discovery" or "request"
	Relevance  float64   `json:"relevance,omitempty"`
	Accepted   bool      `json:"accepted"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Adaptation constants for the cycle scheduler. The interval shrinks when
// the agent is discovering fast and grows when it runs dry, always clamped
// to the configured range.
const (
	rateShrinkThreshold = 0.5
	rateGrowThreshold   = 0.1
	intervalShrinkBy    = 0.8
	intervalGrowBy      = 1.2

	// Rates below one minute of elapsed time are too noisy to act on.
	adaptationMinElapsed = time.Minute

	maxSearchDepth = 10
)

// Agent is an autonomous unit running its own scheduled work loop, bounded
// task set, and discovery cache. All mutable state is confined behind the
// agent's mutex; timer callbacks and task completions serialize through it,
// so interleavings match the source system's cooperative event loop. Events
// are always published after the lock is released.
type Agent struct {
	mu sync.Mutex

	id       string
	name     string
	kind     AgentKind
	status   AgentStatus
	config   *AgentConfig
	strategy Strategy

	metrics  Metrics
	adaptive AdaptiveStrategy
	health   Health

	inflight map[string]*Task
	dedup    *gocache.Cache
	history  map[string][]CollaborationEvent

	interval           time.Duration
	lastActivity       time.Time
	lastAdaptation     time.Time
	discoveriesAtCheck int

	cycleTimer *time.Timer
	diagTimer  *time.Timer

	// gen invalidates in-flight work on stop: completions carrying a stale
	// generation are dropped without touching metrics or the cache.
	runCtx context.Context
	cancel context.CancelFunc
	gen    int

	bus       *Bus
	logger    Logger
	telemetry Telemetry
	now       func() time.Time
}

// AgentOpt configures collaborators on a new agent.
type AgentOpt func(*Agent)

func WithLogger(l Logger) AgentOpt {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithTelemetry(t Telemetry) AgentOpt {
	return func(a *Agent) {
		if t != nil {
			a.telemetry = t
		}
	}
}

// WithStrategy overrides the registry lookup for this agent's kind.
func WithStrategy(s Strategy) AgentOpt {
	return func(a *Agent) { a.strategy = s }
}

// NewAgent builds an agent from config. The strategy comes from the kind
// registry unless WithStrategy overrides it.
func NewAgent(config *AgentConfig, opts ...AgentOpt) (*Agent, error) {
	if config == nil {
		config = DefaultAgentConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := config.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", config.Name, uuid.New().String()[:8])
	}

	a := &Agent{
		id:        id,
		name:      config.Name,
		kind:      config.Kind,
		status:    StatusIdle,
		config:    config,
		metrics:   Metrics{SuccessRate: 1.0},
		health:    Health{Healthy: true},
		inflight:  make(map[string]*Task),
		dedup:     gocache.New(config.DedupCacheTTL, 10*time.Minute),
		history:   make(map[string][]CollaborationEvent),
		interval:  config.CycleInterval,
		bus:       NewBus(),
		logger:    &NoOpLogger{},
		telemetry: &NoOpTelemetry{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.strategy == nil {
		s, err := StrategyFor(config.Kind)
		if err != nil {
			return nil, err
		}
		a.strategy = s
	}
	return a, nil
}

func (a *Agent) ID() string      { return a.id }
func (a *Agent) Name() string    { return a.name }
func (a *Agent) Kind() AgentKind { return a.kind }

// Events exposes the agent's event bus for orchestrator wiring.
func (a *Agent) Events() *Bus { return a.bus }

// Status returns the current lifecycle status.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// MetricsSnapshot returns a copy of the agent's counters.
func (a *Agent) MetricsSnapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// HealthSnapshot returns the last self-diagnostic result.
func (a *Agent) HealthSnapshot() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// InFlightCount reports the number of tasks currently executing.
func (a *Agent) InFlightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Interval returns the live adaptive cycle interval.
func (a *Agent) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// CacheSize reports the dedup cache entry count.
func (a *Agent) CacheSize() int {
	return a.dedup.ItemCount()
}

// Available reports whether the agent can take on extra work right now:
// running, spare task capacity, and healthy.
func (a *Agent) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked()
}

func (a *Agent) availableLocked() bool {
	return a.status == StatusRunning &&
		len(a.inflight) < a.config.MaxConcurrentTasks &&
		a.health.Healthy
}

// Initializer is an optional strategy extension invoked during Start.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Start transitions idle -> starting -> running and arms the cycle and
// diagnostics timers. Restarting a stopped or errored agent is allowed.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusIdle && a.status != StatusError {
		a.mu.Unlock()
		return NewFleetError("agent.Start", "agent", ErrAlreadyStarted)
	}
	events := []Event{a.setStatusLocked(StatusStarting)}
	a.mu.Unlock()
	a.publishAll(events)

	if init, ok := a.strategy.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			a.mu.Lock()
			ev := a.setStatusLocked(StatusError)
			a.mu.Unlock()
			a.publishAll([]Event{ev, a.errorEvent(err)})
			return NewFleetError("agent.Start", "strategy", err)
		}
	}

	a.mu.Lock()
	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.gen++
	now := a.now()
	a.lastActivity = now
	a.lastAdaptation = now
	a.discoveriesAtCheck = a.metrics.Discoveries
	a.interval = a.clampInterval(a.config.CycleInterval)
	events = []Event{a.setStatusLocked(StatusRunning)}
	a.armCycleTimerLocked(a.interval)
	a.armDiagTimerLocked()
	a.mu.Unlock()
	a.publishAll(events)

	a.logger.Info("Agent started", map[string]interface{}{
		"agent_id": a.id,
		"kind":     string(a.kind),
		"interval": a.interval.String(),
	})
	return nil
}

// Stop abandons in-flight tasks: their contexts are cancelled and their
// eventual completions are dropped by generation counting. The underlying
// strategy work may still be unwinding after Stop returns; it can no longer
// touch agent state.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.status != StatusRunning && a.status != StatusError {
		a.mu.Unlock()
		return NewFleetError("agent.Stop", "agent", ErrNotRunning)
	}
	events := []Event{a.setStatusLocked(StatusStopping)}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.gen++
	abandoned := len(a.inflight)
	a.inflight = make(map[string]*Task)
	a.stopTimersLocked()
	events = append(events, a.setStatusLocked(StatusIdle))
	a.mu.Unlock()
	a.publishAll(events)

	if abandoned > 0 {
		a.logger.Warn("Stopped with in-flight tasks abandoned", map[string]interface{}{
			"agent_id":  a.id,
			"abandoned": abandoned,
		})
	} else {
		a.logger.Info("Agent stopped", map[string]interface{}{"agent_id": a.id})
	}
	return nil
}

// tick is the cycle timer callback.
func (a *Agent) tick() {
	a.mu.Lock()
	if a.status != StatusRunning {
		a.cycleTimer = nil
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.runCycle()
}

// runCycle executes one autonomous cycle: admission, adaptation, and the
// collaboration scan. Task execution itself is asynchronous; completions
// re-enter through completeTask.
func (a *Agent) runCycle() {
	a.mu.Lock()
	if a.status != StatusRunning {
		a.mu.Unlock()
		return
	}
	gen := a.gen
	ctx := a.runCtx
	view := a.viewLocked()
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.cycleFailed(fmt.Errorf("cycle panic: %v", r))
		}
	}()

	start := a.now()

	if view.Capacity > 0 {
		tasks, err := a.strategy.GenerateTasks(ctx, view)
		if err != nil {
			a.cycleFailed(err)
			return
		}
		for _, task := range tasks {
			if task == nil {
				continue
			}
			if !a.admit(ctx, gen, task) {
				break
			}
		}
	}

	a.adapt()
	a.collaborationScan(view)

	a.mu.Lock()
	if gen != a.gen || a.status != StatusRunning {
		a.mu.Unlock()
		return
	}
	a.lastActivity = a.now()
	a.armCycleTimerLocked(a.interval)
	a.mu.Unlock()

	a.telemetry.RecordMetric("whisperfleet.agent.cycle.duration_ms",
		float64(a.now().Sub(start).Milliseconds()),
		map[string]string{"agent_id": a.id, "kind": string(a.kind)})
	a.bus.Publish(Event{
		Type:      EventCycleCompleted,
		AgentID:   a.id,
		Timestamp: a.now(),
	})
}

// cycleFailed handles an uncaught failure of the autonomous cycle: the
// agent moves to error status and the cycle timer is left disarmed, leaving
// recovery to the healing protocol.
func (a *Agent) cycleFailed(err error) {
	a.mu.Lock()
	a.metrics.Errors++
	a.recomputeSuccessRateLocked()
	ev := a.setStatusLocked(StatusError)
	a.cycleTimer = nil
	a.mu.Unlock()

	a.logger.Error("Autonomous cycle failed", map[string]interface{}{
		"agent_id": a.id,
		"error":    err.Error(),
	})
	a.publishAll([]Event{ev, a.errorEvent(err)})
}

// admit registers a task as in-flight and begins executing it. Returns
// false when the concurrency ceiling is reached or the run generation has
// moved on.
func (a *Agent) admit(ctx context.Context, gen int, task *Task) bool {
	a.mu.Lock()
	if gen != a.gen || a.status != StatusRunning {
		a.mu.Unlock()
		return false
	}
	if len(a.inflight) >= a.config.MaxConcurrentTasks {
		a.mu.Unlock()
		return false
	}
	a.inflight[task.ID] = task
	a.mu.Unlock()

	go a.execute(ctx, gen, task)
	return true
}

func (a *Agent) execute(ctx context.Context, gen int, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			a.completeTask(ctx, gen, task, nil, fmt.Errorf("task panic: %v", r))
		}
	}()
	result, err := a.strategy.ExecuteTask(ctx, task)
	a.completeTask(ctx, gen, task, result, err)
}

// completeTask removes the task from the in-flight set, updates metrics,
// and runs discovery intake. Duplicate discoveries are dropped silently:
// no metric increment, no event.
func (a *Agent) completeTask(ctx context.Context, gen int, task *Task, result *TaskResult, err error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	delete(a.inflight, task.ID)
	if err != nil {
		a.metrics.Errors++
	} else {
		a.metrics.TasksCompleted++
	}
	a.recomputeSuccessRateLocked()
	a.lastActivity = a.now()

	var discoveryEv *Event
	if err == nil && result != nil && result.Discovery != nil {
		discoveryEv = a.intakeDiscoveryLocked(result.Discovery)
	}
	a.mu.Unlock()

	if err != nil {
		// Task failure is local: metrics only, never escalated.
		a.logger.Debug("Task failed", map[string]interface{}{
			"agent_id": a.id,
			"task_id":  task.ID,
			"type":     task.Type,
			"error":    err.Error(),
		})
	}
	if discoveryEv != nil {
		a.telemetry.RecordMetric("whisperfleet.agent.discoveries", 1,
			map[string]string{"agent_id": a.id, "kind": string(a.kind)})
		a.bus.Publish(*discoveryEv)
	}

	if err == nil && result != nil {
		for _, followup := range result.Followups {
			if followup == nil {
				continue
			}
			if !a.admit(ctx, gen, followup) {
				break
			}
		}
	}
}

// intakeDiscoveryLocked caches a new discovery and prepares its event.
// Returns nil for duplicates (idempotent insertion).
func (a *Agent) intakeDiscoveryLocked(d *Discovery) *Event {
	key := d.Key()
	if _, dup := a.dedup.Get(key); dup {
		return nil
	}
	d.AgentID = a.id
	d.Confidence = ClampConfidence(a.strategy.Confidence(d))
	a.dedup.Set(key, d, gocache.DefaultExpiration)
	a.metrics.Discoveries++
	return &Event{
		Type:      EventDiscovery,
		AgentID:   a.id,
		Timestamp: a.now(),
		Payload: map[string]interface{}{
			"discovery":      d,
			"discovery_id":   d.ID,
			"discovery_type": d.Type,
			"confidence":     d.Confidence,
		},
	}
}

// adapt recomputes the discovery rate and retunes the cycle interval,
// clamped to the configured range. Reads shorter than a minute are skipped.
func (a *Agent) adapt() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	elapsed := now.Sub(a.lastAdaptation)
	if elapsed < adaptationMinElapsed {
		return
	}
	minutes := elapsed.Minutes()
	produced := a.metrics.Discoveries - a.discoveriesAtCheck
	rate := float64(produced) / minutes
	a.metrics.DiscoveryRate = rate
	a.lastAdaptation = now
	a.discoveriesAtCheck = a.metrics.Discoveries

	old := a.interval
	switch {
	case rate > rateShrinkThreshold:
		a.interval = a.clampInterval(time.Duration(float64(a.interval) * intervalShrinkBy))
	case rate < rateGrowThreshold:
		a.interval = a.clampInterval(time.Duration(float64(a.interval) * intervalGrowBy))
	}
	if a.interval != old && a.status == StatusRunning && a.cycleTimer != nil {
		// Tear down and rearm with the new period.
		a.armCycleTimerLocked(a.interval)
	}
}

func (a *Agent) clampInterval(d time.Duration) time.Duration {
	if d < a.config.MinCycleInterval {
		return a.config.MinCycleInterval
	}
	if d > a.config.MaxCycleInterval {
		return a.config.MaxCycleInterval
	}
	return d
}

// collaborationScan lets the strategy request help from peers.
func (a *Agent) collaborationScan(view AgentView) {
	planner, ok := a.strategy.(CollaborationPlanner)
	if !ok {
		return
	}
	for _, req := range planner.PlanCollaboration(view) {
		if req == nil {
			continue
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		req.AgentID = a.id
		req.CreatedAt = a.now()
		a.bus.Publish(Event{
			Type:      EventCollaborationRequest,
			AgentID:   a.id,
			Timestamp: req.CreatedAt,
			Payload:   map[string]interface{}{"request": req},
		})
	}
}

// ProcessCollaborativeDiscovery scores a peer's discovery for relevance;
// above the collaboration threshold the agent adapts its own strategy
// hints. A history entry for the source peer is recorded either way.
// Returns whether the discovery was adopted.
func (a *Agent) ProcessCollaborativeDiscovery(d *Discovery, sourceID string) bool {
	relevance := ClampConfidence(a.strategy.Relevance(d))

	a.mu.Lock()
	adopted := relevance > a.config.CollaborationThreshold
	if adopted {
		if a.adaptive.SearchDepth < maxSearchDepth {
			a.adaptive.SearchDepth++
		}
		if relevance > a.adaptive.CollaborationLevel {
			a.adaptive.CollaborationLevel = relevance
		}
	}
	a.history[sourceID] = append(a.history[sourceID], CollaborationEvent{
		PeerID:     sourceID,
		SubjectID:  d.ID,
		Kind:       "discovery",
		Relevance:  relevance,
		Accepted:   adopted,
		RecordedAt: a.now(),
	})
	a.metrics.Collaborations++
	a.mu.Unlock()

	return adopted
}

// HandleCollaborationRequest answers a peer's request with an availability
// check: running status, spare task capacity, and a healthy diagnostic.
func (a *Agent) HandleCollaborationRequest(peerID string, req *CollaborationRequest) CollaborationResponse {
	a.mu.Lock()
	available := a.availableLocked()
	reason := ""
	if !available {
		switch {
		case a.status != StatusRunning:
			reason = fmt.Sprintf("status %s", a.status)
		case len(a.inflight) >= a.config.MaxConcurrentTasks:
			reason = "at task capacity"
		default:
			reason = "unhealthy"
		}
	}
	a.history[peerID] = append(a.history[peerID], CollaborationEvent{
		PeerID:     peerID,
		SubjectID:  req.ID,
		Kind:       "request",
		Accepted:   available,
		RecordedAt: a.now(),
	})
	a.mu.Unlock()

	return CollaborationResponse{Accepted: available, Reason: reason}
}

// CollaborationHistory returns a copy of the recorded peer interactions.
func (a *Agent) CollaborationHistory(peerID string) []CollaborationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.history[peerID]
	out := make([]CollaborationEvent, len(entries))
	copy(out, entries)
	return out
}

// ApplyHints replaces the agent's adaptive strategy hints. Called by the
// orchestrator's redistribution and adaptation routines.
func (a *Agent) ApplyHints(hints AdaptiveStrategy) {
	a.mu.Lock()
	a.adaptive = hints
	a.mu.Unlock()
}

// AdaptiveSnapshot returns the current strategy hints.
func (a *Agent) AdaptiveSnapshot() AdaptiveStrategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adaptive
}

// diagTick is the self-diagnostics timer callback.
func (a *Agent) diagTick() {
	a.CheckHealth()
	a.mu.Lock()
	if a.status == StatusRunning {
		a.armDiagTimerLocked()
	} else {
		a.diagTimer = nil
	}
	a.mu.Unlock()
}

// CheckHealth runs self-diagnostics and stores the result as the agent's
// health snapshot. Unhealthy when the agent has gone stale, when errors
// pile up against a poor success rate, or when the dedup cache has grown
// past its limit.
func (a *Agent) CheckHealth() Health {
	cacheSize := a.dedup.ItemCount()

	a.mu.Lock()
	defer a.mu.Unlock()

	var issues []string
	now := a.now()
	if stale := now.Sub(a.lastActivity); stale > a.config.StalenessWindow {
		issues = append(issues, fmt.Sprintf("no completed cycle in %s", stale.Round(time.Second)))
	}
	if a.metrics.Errors > a.config.ErrorThreshold && a.metrics.SuccessRate < a.config.SuccessRateFloor {
		issues = append(issues, fmt.Sprintf("error count %d with success rate %.2f",
			a.metrics.Errors, a.metrics.SuccessRate))
	}
	if cacheSize > a.config.DedupCacheLimit {
		issues = append(issues, fmt.Sprintf("dedup cache size %d exceeds limit %d",
			cacheSize, a.config.DedupCacheLimit))
	}

	a.health = Health{
		Healthy:   len(issues) == 0,
		Issues:    issues,
		CheckedAt: now,
	}
	return a.health
}

// Heal restores the agent to a clean baseline: flushes an oversized dedup
// cache, resets error counters and success rate, rearms the cycle and
// diagnostics timers if they stopped while the agent should be running,
// and marks the health snapshot healthy. Safe to call repeatedly.
func (a *Agent) Heal() error {
	if a.dedup.ItemCount() > a.config.DedupCacheLimit {
		a.dedup.Flush()
	}

	a.mu.Lock()
	a.metrics.Errors = 0
	a.recomputeSuccessRateLocked()

	var events []Event
	if a.status == StatusError {
		events = append(events, a.setStatusLocked(StatusRunning))
	}
	if a.status == StatusRunning && a.runCtx != nil {
		if a.cycleTimer == nil {
			a.armCycleTimerLocked(a.interval)
		}
		// The diagnostics timer dies when it fires outside running, so an
		// error->heal round trip must bring it back too.
		if a.diagTimer == nil {
			a.armDiagTimerLocked()
		}
	}
	a.health = Health{Healthy: true, CheckedAt: a.now()}
	a.mu.Unlock()

	a.publishAll(events)
	a.logger.Info("Agent healed", map[string]interface{}{"agent_id": a.id})
	return nil
}

// RunDeepAnalysis executes an extended analysis task against a discovery,
// outside the normal admission path. The result, if new, flows through the
// same dedup intake as cycle discoveries.
func (a *Agent) RunDeepAnalysis(ctx context.Context, d *Discovery) (*Discovery, error) {
	task := NewTask(TaskTypeDeepAnalysis, map[string]interface{}{
		"discovery_id":   d.ID,
		"discovery_type": d.Type,
		"payload":        d.Payload,
	})
	task.Depth = d.depth() + 1

	result, err := a.strategy.ExecuteTask(ctx, task)

	a.mu.Lock()
	if err != nil {
		a.metrics.Errors++
	} else {
		a.metrics.TasksCompleted++
	}
	a.recomputeSuccessRateLocked()
	a.lastActivity = a.now()

	var discoveryEv *Event
	var found *Discovery
	if err == nil && result != nil && result.Discovery != nil {
		found = result.Discovery
		discoveryEv = a.intakeDiscoveryLocked(found)
	}
	a.mu.Unlock()

	if err != nil {
		return nil, NewFleetError("agent.RunDeepAnalysis", "strategy", err)
	}
	if discoveryEv != nil {
		a.bus.Publish(*discoveryEv)
	}
	if found == nil {
		return nil, ErrNoDiscovery
	}
	return found, nil
}

// State exports a serializable snapshot sufficient to restore behavior.
func (a *Agent) State() *AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := *a.config
	cache := make(map[string]*Discovery)
	for key, item := range a.dedup.Items() {
		if d, ok := item.Object.(*Discovery); ok {
			cache[key] = d
		}
	}
	return &AgentSnapshot{
		ID:           a.id,
		Kind:         a.kind,
		Config:       &cfg,
		Metrics:      a.metrics,
		Adaptive:     a.adaptive,
		Cache:        cache,
		LastActivity: a.lastActivity,
	}
}

// RestoreState merges a snapshot over the agent's defaults and rehydrates
// the dedup cache. Intended to run before Start.
func (a *Agent) RestoreState(s *AgentSnapshot) {
	if s == nil {
		return
	}
	a.mu.Lock()
	if s.Config != nil {
		merged := *a.config
		overlayAgentConfig(&merged, s.Config)
		if merged.Validate() == nil {
			a.config = &merged
		}
	}
	a.metrics = s.Metrics
	a.adaptive = s.Adaptive
	if !s.LastActivity.IsZero() {
		a.lastActivity = s.LastActivity
	}
	a.interval = a.clampInterval(a.config.CycleInterval)
	a.discoveriesAtCheck = a.metrics.Discoveries
	a.mu.Unlock()

	for key, d := range s.Cache {
		a.dedup.Set(key, d, gocache.DefaultExpiration)
	}
}

// Internal helpers

func (a *Agent) viewLocked() AgentView {
	return AgentView{
		AgentID:  a.id,
		Kind:     a.kind,
		InFlight: len(a.inflight),
		Capacity: a.config.MaxConcurrentTasks - len(a.inflight),
		Metrics:  a.metrics,
		Adaptive: a.adaptive,
	}
}

func (a *Agent) recomputeSuccessRateLocked() {
	total := a.metrics.TasksCompleted + a.metrics.Errors
	if total == 0 {
		a.metrics.SuccessRate = 1.0
		return
	}
	a.metrics.SuccessRate = float64(a.metrics.TasksCompleted) / float64(total)
}

func (a *Agent) setStatusLocked(status AgentStatus) Event {
	old := a.status
	a.status = status
	return Event{
		Type:      EventStatusChange,
		AgentID:   a.id,
		Timestamp: a.now(),
		Payload: map[string]interface{}{
			"from": string(old),
			"to":   string(status),
		},
	}
}

func (a *Agent) errorEvent(err error) Event {
	return Event{
		Type:      EventError,
		AgentID:   a.id,
		Timestamp: a.now(),
		Payload:   map[string]interface{}{"error": err.Error()},
	}
}

func (a *Agent) armCycleTimerLocked(d time.Duration) {
	if a.cycleTimer != nil {
		a.cycleTimer.Stop()
	}
	a.cycleTimer = time.AfterFunc(d, a.tick)
}

func (a *Agent) armDiagTimerLocked() {
	if a.diagTimer != nil {
		a.diagTimer.Stop()
	}
	a.diagTimer = time.AfterFunc(a.config.DiagnosticsInterval, a.diagTick)
}

func (a *Agent) stopTimersLocked() {
	if a.cycleTimer != nil {
		a.cycleTimer.Stop()
		a.cycleTimer = nil
	}
	if a.diagTimer != nil {
		a.diagTimer.Stop()
		a.diagTimer = nil
	}
}

func (a *Agent) publishAll(events []Event) {
	for _, ev := range events {
		a.bus.Publish(ev)
	}
}

// depth reads an optional recursion depth hint off a discovery payload.
func (d *Discovery) depth() int {
	if d == nil || d.Payload == nil {
		return 0
	}
	switch v := d.Payload["depth"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
