package core

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DeepScanPredicate decides whether a discovery warrants deep analysis.
// The default inspects a fixed set of indicator fields, but deployments
// with specialized analysis payloads plug in their own.
type DeepScanPredicate func(*Discovery) bool

// deepScanIndicators are the payload fields the default predicate inspects.
var deepScanIndicators = []string{
	"asset_movement_pattern",
	"obscure_ownership",
	"cross_chain_linkage",
	"hidden_cluster",
}

// DefaultDeepScanPredicate triggers when any present indicator field
// carries confidence above the threshold. An indicator rendered as a map
// may carry its own confidence; otherwise the discovery's confidence is
// used.
func DefaultDeepScanPredicate(threshold float64) DeepScanPredicate {
	return func(d *Discovery) bool {
		if d == nil || d.Payload == nil {
			return false
		}
		for _, field := range deepScanIndicators {
			value, present := d.Payload[field]
			if !present {
				continue
			}
			confidence := d.Confidence
			if sub, ok := value.(map[string]interface{}); ok {
				if c, ok := sub["confidence"].(float64); ok {
					confidence = c
				}
			}
			if confidence > threshold {
				return true
			}
		}
		return false
	}
}

// Orchestrator registers agents, wires cross-agent event propagation, runs
// the fleet-wide coordination timers, and drives the healing protocol. All
// registries are owned collections on the struct, so multiple independent
// orchestrators can coexist in one process.
type Orchestrator struct {
	mu sync.Mutex

	config   *OrchestratorConfig
	agents   map[string]*Agent
	order    []string
	healing  map[string]*HealingProcess
	restored map[string]*AgentSnapshot

	store    SnapshotStore
	bus      *Bus
	sinks    []EventSink
	deepScan DeepScanPredicate

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger    Logger
	telemetry Telemetry
	now       func() time.Time
}

// OrchestratorOpt configures an orchestrator during construction.
type OrchestratorOpt func(*Orchestrator)

// WithSnapshotStore wires a persistence backend for the flat snapshot.
func WithSnapshotStore(store SnapshotStore) OrchestratorOpt {
	return func(o *Orchestrator) { o.store = store }
}

// WithEventSink mirrors all fleet events to an external sink.
func WithEventSink(sink EventSink) OrchestratorOpt {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithDeepScanPredicate replaces the default deep-scan trigger.
func WithDeepScanPredicate(p DeepScanPredicate) OrchestratorOpt {
	return func(o *Orchestrator) {
		if p != nil {
			o.deepScan = p
		}
	}
}

func WithOrchestratorLogger(l Logger) OrchestratorOpt {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithOrchestratorTelemetry(t Telemetry) OrchestratorOpt {
	return func(o *Orchestrator) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// NewOrchestrator builds an orchestrator with the given configuration.
func NewOrchestrator(config *OrchestratorConfig, opts ...OrchestratorOpt) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	o := &Orchestrator{
		config:    config,
		agents:    make(map[string]*Agent),
		healing:   make(map[string]*HealingProcess),
		restored:  make(map[string]*AgentSnapshot),
		bus:       NewBus(),
		logger:    &NoOpLogger{},
		telemetry: &NoOpTelemetry{},
		now:       time.Now,
	}
	o.deepScan = DefaultDeepScanPredicate(config.DeepScanConfidence)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Events exposes the fleet-level event bus.
func (o *Orchestrator) Events() *Bus { return o.bus }

// Register adds an agent to the fleet, binds its events to orchestrator
// handlers, and restores its persisted snapshot if one was loaded.
func (o *Orchestrator) Register(agent *Agent) error {
	id := agent.ID()

	o.mu.Lock()
	if _, exists := o.agents[id]; exists {
		o.mu.Unlock()
		return NewFleetError("orchestrator.Register", "agent", ErrAgentAlreadyExists)
	}
	o.agents[id] = agent
	o.order = append(o.order, id)
	snap := o.restored[id]
	delete(o.restored, id)
	o.mu.Unlock()

	if snap != nil {
		agent.RestoreState(snap)
	}
	agent.Events().Subscribe(func(ev Event) { o.handleAgentEvent(agent, ev) })

	o.logger.Info("Agent registered", map[string]interface{}{
		"agent_id": id,
		"kind":     string(agent.Kind()),
		"restored": snap != nil,
	})
	o.emit(Event{
		Type:      EventBotRegistered,
		AgentID:   id,
		Timestamp: o.now(),
		Payload:   map[string]interface{}{"kind": string(agent.Kind())},
	})
	return nil
}

// StartAutonomousOperations loads the persisted snapshot, starts every
// registered agent, and launches the coordination timers.
func (o *Orchestrator) StartAutonomousOperations(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return NewFleetError("orchestrator.Start", "orchestrator", ErrAlreadyStarted)
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if o.store != nil {
		snaps, err := o.store.Load(ctx)
		if err != nil {
			o.logger.Warn("Failed to load persisted state, starting fresh", map[string]interface{}{
				"error": err.Error(),
			})
		} else if len(snaps) > 0 {
			o.mu.Lock()
			for id, snap := range snaps {
				if agent, registered := o.agents[id]; registered {
					if agent.Status() == StatusIdle {
						agent.RestoreState(snap)
					}
				} else {
					o.restored[id] = snap
				}
			}
			o.mu.Unlock()
			o.logger.Info("Persisted state loaded", map[string]interface{}{"agents": len(snaps)})
		}
	}

	for _, agent := range o.agentList() {
		if err := agent.Start(o.ctx); err != nil {
			o.logger.Error("Failed to start agent", map[string]interface{}{
				"agent_id": agent.ID(),
				"error":    err.Error(),
			})
		}
	}

	o.runTicker(o.config.RedistributionInterval, o.redistribute)
	o.runTicker(o.config.AdaptationInterval, o.adaptStrategies)
	o.runTicker(o.config.HealthPollInterval, o.pollHealth)

	o.emit(Event{Type: EventOperationsStarted, Timestamp: o.now()})
	o.logger.Info("Autonomous operations started", map[string]interface{}{
		"agents": len(o.agentList()),
	})
	return nil
}

// StopAutonomousOperations stops coordination, stops every agent, and
// saves the flat snapshot once.
func (o *Orchestrator) StopAutonomousOperations(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return NewFleetError("orchestrator.Stop", "orchestrator", ErrNotRunning)
	}
	o.running = false
	cancel := o.cancel
	o.cancel = nil
	o.clearHealingLocked()
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for _, agent := range o.agentList() {
		if err := agent.Stop(); err != nil && !IsStateError(err) {
			o.logger.Warn("Agent stop failed", map[string]interface{}{
				"agent_id": agent.ID(),
				"error":    err.Error(),
			})
		}
	}

	if o.store != nil {
		if err := o.store.Save(ctx, o.exportState()); err != nil {
			o.logger.Error("Failed to save persisted state", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	o.emit(Event{Type: EventOperationsStopped, Timestamp: o.now()})
	o.logger.Info("Autonomous operations stopped", nil)
	return nil
}

// TriggerDeepWhisperScan selects the preferred agent kind (falling back to
// any available agent) to run extended analysis on a discovery, then emits
// the deep-whisper-scan result event.
func (o *Orchestrator) TriggerDeepWhisperScan(ctx context.Context, d *Discovery) error {
	target := o.selectDeepScanAgent()
	if target == nil {
		return NewFleetError("orchestrator.TriggerDeepWhisperScan", "agent", ErrAgentNotAvailable)
	}

	result, err := target.RunDeepAnalysis(ctx, d)
	payload := map[string]interface{}{
		"source_discovery": d.ID,
		"analyst_kind":     string(target.Kind()),
	}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = result
	}
	o.emit(Event{
		Type:      EventDeepWhisperScan,
		AgentID:   target.ID(),
		Timestamp: o.now(),
		Payload:   payload,
	})
	return err
}

// FleetStatus is the control-surface status report.
type FleetStatus struct {
	Running     bool                      `json:"running"`
	Agents      map[string]AgentReport    `json:"agents"`
	Healing     map[string]HealingProcess `json:"healing,omitempty"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// AgentReport summarizes one agent for the status surface.
type AgentReport struct {
	Kind     AgentKind     `json:"kind"`
	Status   AgentStatus   `json:"status"`
	Metrics  Metrics       `json:"metrics"`
	Health   Health        `json:"health"`
	InFlight int           `json:"in_flight"`
	Interval time.Duration `json:"interval"`
}

// Status reports the fleet's current state.
func (o *Orchestrator) Status() FleetStatus {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	agents := make(map[string]AgentReport)
	for _, agent := range o.agentList() {
		agents[agent.ID()] = AgentReport{
			Kind:     agent.Kind(),
			Status:   agent.Status(),
			Metrics:  agent.MetricsSnapshot(),
			Health:   agent.HealthSnapshot(),
			InFlight: agent.InFlightCount(),
			Interval: agent.Interval(),
		}
	}
	return FleetStatus{
		Running:     running,
		Agents:      agents,
		Healing:     o.healingReports(),
		GeneratedAt: o.now(),
	}
}

// Event handling

func (o *Orchestrator) handleAgentEvent(agent *Agent, ev Event) {
	o.emit(ev)

	switch ev.Type {
	case EventDiscovery:
		if d, ok := ev.Payload["discovery"].(*Discovery); ok {
			o.fanOut(d, agent.ID())
		}
	case EventCollaborationRequest:
		if req, ok := ev.Payload["request"].(*CollaborationRequest); ok {
			o.routeCollaborationRequest(agent.ID(), req)
		}
	case EventError:
		cause := "agent error"
		if msg, ok := ev.Payload["error"].(string); ok {
			cause = msg
		}
		o.emit(Event{
			Type:      EventBotError,
			AgentID:   agent.ID(),
			Timestamp: o.now(),
			Payload:   map[string]interface{}{"error": cause},
		})
		o.scheduleHealing(agent.ID(), cause)
	}
}

// fanOut delivers a discovery to every other registered agent exactly
// once, then evaluates the deep-scan trigger.
func (o *Orchestrator) fanOut(d *Discovery, sourceID string) {
	for _, agent := range o.agentList() {
		if agent.ID() == sourceID {
			continue
		}
		adopted := agent.ProcessCollaborativeDiscovery(d, sourceID)
		o.logger.Debug("Discovery shared", map[string]interface{}{
			"discovery_id": d.ID,
			"from":         sourceID,
			"to":           agent.ID(),
			"adopted":      adopted,
		})
	}
	o.telemetry.RecordMetric("whisperfleet.fanout", 1,
		map[string]string{"source": sourceID})

	if o.deepScan(d) {
		ctx := o.runContext()
		go func() {
			if err := o.TriggerDeepWhisperScan(ctx, d); err != nil {
				o.logger.Warn("Deep scan failed", map[string]interface{}{
					"discovery_id": d.ID,
					"error":        err.Error(),
				})
			}
		}()
	}
}

// routeCollaborationRequest offers the request to matching peers until one
// accepts.
func (o *Orchestrator) routeCollaborationRequest(sourceID string, req *CollaborationRequest) {
	for _, agent := range o.agentList() {
		if agent.ID() == sourceID {
			continue
		}
		if req.TargetKind != "" && agent.Kind() != req.TargetKind {
			continue
		}
		resp := agent.HandleCollaborationRequest(sourceID, req)
		if resp.Accepted {
			o.logger.Debug("Collaboration request accepted", map[string]interface{}{
				"request_id": req.ID,
				"from":       sourceID,
				"by":         agent.ID(),
			})
			return
		}
	}
	o.logger.Debug("Collaboration request went unanswered", map[string]interface{}{
		"request_id": req.ID,
		"from":       sourceID,
	})
}

// Coordination routines

// redistribute inspects kind overlap across running agents and pushes
// search-depth and collaboration-level hints: agents sharing a kind dig
// deeper and coordinate harder to avoid covering the same ground.
func (o *Orchestrator) redistribute() {
	agents := o.agentList()
	counts := make(map[AgentKind]int)
	for _, agent := range agents {
		if agent.Status() == StatusRunning {
			counts[agent.Kind()]++
		}
	}

	for _, agent := range agents {
		if agent.Status() != StatusRunning {
			continue
		}
		hints := agent.AdaptiveSnapshot()
		if counts[agent.Kind()] > 1 {
			if hints.SearchDepth < maxSearchDepth {
				hints.SearchDepth++
			}
			overlap := 1.0 - 1.0/float64(counts[agent.Kind()])
			if overlap > hints.CollaborationLevel {
				hints.CollaborationLevel = overlap
			}
		}
		agent.ApplyHints(hints)
	}
}

// adaptStrategies reads each agent's performance metrics and pushes
// strategy hints: conservative mode on low success rate, expanded scope on
// low discovery rate.
func (o *Orchestrator) adaptStrategies() {
	for _, agent := range o.agentList() {
		if agent.Status() != StatusRunning {
			continue
		}
		m := agent.MetricsSnapshot()
		hints := agent.AdaptiveSnapshot()
		hints.Conservative = m.SuccessRate < o.config.LowSuccessRate
		hints.ExpandedScope = m.DiscoveryRate < o.config.LowDiscoveryRate
		if hints.ExpandedScope && hints.SearchDepth < maxSearchDepth {
			hints.SearchDepth++
		}
		agent.ApplyHints(hints)

		o.logger.Debug("Strategy hints pushed", map[string]interface{}{
			"agent_id":       agent.ID(),
			"conservative":   hints.Conservative,
			"expanded_scope": hints.ExpandedScope,
			"search_depth":   hints.SearchDepth,
		})
	}
}

// pollHealth runs every agent's self-diagnostic; an unhealthy result
// escalates into healing exactly as an error event would.
func (o *Orchestrator) pollHealth() {
	for _, agent := range o.agentList() {
		health := agent.CheckHealth()
		if health.Healthy {
			continue
		}
		o.scheduleHealing(agent.ID(), strings.Join(health.Issues, "; "))
	}
}

// Helpers

func (o *Orchestrator) selectDeepScanAgent() *Agent {
	agents := o.agentList()
	for _, agent := range agents {
		if agent.Kind() == o.config.DeepScanPreferredKind && agent.Available() {
			return agent
		}
	}
	for _, agent := range agents {
		if agent.Available() {
			return agent
		}
	}
	return nil
}

// agentList returns agents in registration order.
func (o *Orchestrator) agentList() []*Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Agent, 0, len(o.order))
	for _, id := range o.order {
		if agent, ok := o.agents[id]; ok {
			out = append(out, agent)
		}
	}
	return out
}

func (o *Orchestrator) exportState() map[string]*AgentSnapshot {
	snapshot := make(map[string]*AgentSnapshot)
	for _, agent := range o.agentList() {
		snapshot[agent.ID()] = agent.State()
	}
	return snapshot
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

func (o *Orchestrator) runTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ctx := o.runContext()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (o *Orchestrator) emit(ev Event) {
	o.bus.Publish(ev)
	for _, sink := range o.sinks {
		if err := sink.Publish(context.Background(), ev); err != nil {
			o.logger.Debug("Event sink publish failed", map[string]interface{}{
				"event": string(ev.Type),
				"error": err.Error(),
			})
		}
	}
}
