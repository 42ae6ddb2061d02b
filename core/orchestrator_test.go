package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrchestratorConfig() *OrchestratorConfig {
	cfg := DefaultOrchestratorConfig()
	// Coordination timers stay quiet during tests; routines are driven
	// directly.
	cfg.RedistributionInterval = 0
	cfg.AdaptationInterval = 0
	cfg.HealthPollInterval = 0
	return cfg
}

func registerTestAgent(t *testing.T, o *Orchestrator, name string, kind AgentKind, stub *stubStrategy) *Agent {
	t.Helper()
	cfg := testAgentConfig()
	cfg.Name = name
	cfg.ID = name
	cfg.Kind = kind
	agent := newTestAgent(t, cfg, stub)
	require.NoError(t, o.Register(agent))
	return agent
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())

	dupCfg := testAgentConfig()
	dupCfg.ID = "sweeper-1"
	dup := newTestAgent(t, dupCfg, newStubStrategy())
	err := o.Register(dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentAlreadyExists))

	assert.Len(t, rec.ofType(EventBotRegistered), 1)
}

func TestFanOutDeliversExactlyOnceExcludingSource(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())

	sourceStub := newStubStrategy()
	peerStub1 := newStubStrategy()
	peerStub2 := newStubStrategy()
	source := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, sourceStub)
	peer1 := registerTestAgent(t, o, "registrar-1", KindRegistrarScan, peerStub1)
	peer2 := registerTestAgent(t, o, "analyst-1", KindChainAnalyst, peerStub2)

	d := NewDiscovery("dormant-domain", map[string]interface{}{"domain": "shadow.example"})
	d.AgentID = source.ID()

	// Publishing on the source agent's bus exercises the orchestrator's
	// event handler end to end.
	source.Events().Publish(Event{
		Type:    EventDiscovery,
		AgentID: source.ID(),
		Payload: map[string]interface{}{"discovery": d},
	})

	assert.Equal(t, 0, sourceStub.relevanceCalls)
	assert.Equal(t, 1, peerStub1.relevanceCalls)
	assert.Equal(t, 1, peerStub2.relevanceCalls)

	assert.Empty(t, source.CollaborationHistory(source.ID()))
	assert.Len(t, peer1.CollaborationHistory(source.ID()), 1)
	assert.Len(t, peer2.CollaborationHistory(source.ID()), 1)
}

func TestCollaborationRequestRouting(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())

	source := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	analyst := registerTestAgent(t, o, "analyst-1", KindChainAnalyst, newStubStrategy())
	bystander := registerTestAgent(t, o, "registrar-1", KindRegistrarScan, newStubStrategy())

	require.NoError(t, analyst.Start(context.Background()))
	defer analyst.Stop()

	req := &CollaborationRequest{
		ID:         "req-1",
		TargetKind: KindChainAnalyst,
		Topic:      "trace-ownership",
	}
	source.Events().Publish(Event{
		Type:    EventCollaborationRequest,
		AgentID: source.ID(),
		Payload: map[string]interface{}{"request": req},
	})

	// Only the targeted kind sees the request.
	assert.Len(t, analyst.CollaborationHistory(source.ID()), 1)
	assert.Empty(t, bystander.CollaborationHistory(source.ID()))
}

func TestHealingRetriesThenGivesUp(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Healing = HealingConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	o := NewOrchestrator(cfg)
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	// An idle agent with no recorded activity stays stale no matter how
	// often it is healed, so every attempt fails.
	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())

	o.scheduleHealing(agent.ID(), "no completed cycle")

	require.Eventually(t, func() bool {
		return len(rec.ofType(EventBotHealingFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failed := rec.ofType(EventBotHealingFailed)[0]
	assert.Equal(t, agent.ID(), failed.AgentID)
	assert.Equal(t, 3, failed.Payload["attempts"])
	assert.NotEmpty(t, failed.Payload["last_error"])

	// The process is gone; a fresh failure may start a new one.
	assert.Empty(t, o.Status().Healing)
}

func TestHealingReportPairsStateWithDeadline(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Healing = HealingConfig{
		MaxRetries:        3,
		BaseDelay:         time.Hour,
		MaxDelay:          2 * time.Hour,
		BackoffMultiplier: 2.0,
	}
	o := NewOrchestrator(cfg)

	// Idle with no recorded activity, so the first attempt fails and the
	// process parks in scheduled for an hour.
	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	o.scheduleHealing(agent.ID(), "no completed cycle")

	healing := o.Status().Healing
	require.Contains(t, healing, agent.ID())
	report := healing[agent.ID()]
	assert.Equal(t, HealingScheduled, report.State)
	assert.Equal(t, 1, report.Attempts)
	assert.True(t, report.NextAttempt.After(time.Now()), "scheduled process must carry a future deadline")

	o.mu.Lock()
	o.clearHealingLocked()
	o.mu.Unlock()
}

func TestHealingSucceedsAndClearsProcess(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Healing.BaseDelay = time.Millisecond
	o := NewOrchestrator(cfg)
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	// Error pileup is exactly what Heal repairs.
	agent.mu.Lock()
	agent.metrics.Errors = 20
	agent.metrics.SuccessRate = 0.1
	agent.mu.Unlock()
	require.False(t, agent.CheckHealth().Healthy)

	o.scheduleHealing(agent.ID(), "error pileup")

	require.Eventually(t, func() bool {
		return len(o.Status().Healing) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.ofType(EventBotHealingFailed))
	assert.True(t, agent.HealthSnapshot().Healthy)
	assert.Equal(t, 0, agent.MetricsSnapshot().Errors)
}

func TestAgentErrorEscalatesToHealing(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Healing.BaseDelay = time.Millisecond
	o := NewOrchestrator(cfg)
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	stub := newStubStrategy()
	stub.generateErr = errors.New("backend unreachable")
	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, stub)
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	stub.mu.Lock()
	stub.generateErr = errors.New("backend unreachable")
	stub.mu.Unlock()
	agent.runCycle()

	require.Len(t, rec.ofType(EventBotError), 1)
	assert.Equal(t, "backend unreachable", rec.ofType(EventBotError)[0].Payload["error"])

	// Healing brings the errored agent back to running.
	stub.mu.Lock()
	stub.generateErr = nil
	stub.mu.Unlock()
	require.Eventually(t, func() bool {
		return agent.Status() == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartStopLifecycleWithPersistence(t *testing.T) {
	store := NewMemorySnapshotStore()
	require.NoError(t, store.Save(context.Background(), map[string]*AgentSnapshot{
		"sweeper-1": {
			ID:      "sweeper-1",
			Kind:    KindDomainSweeper,
			Metrics: Metrics{Discoveries: 7, TasksCompleted: 12},
			Adaptive: AdaptiveStrategy{
				SearchDepth: 4,
			},
		},
	}))

	o := NewOrchestrator(testOrchestratorConfig(), WithSnapshotStore(store))
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())

	require.NoError(t, o.StartAutonomousOperations(context.Background()))
	assert.Equal(t, StatusRunning, agent.Status())
	assert.Equal(t, 7, agent.MetricsSnapshot().Discoveries)
	assert.Equal(t, 4, agent.AdaptiveSnapshot().SearchDepth)
	assert.Len(t, rec.ofType(EventOperationsStarted), 1)

	err := o.StartAutonomousOperations(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyStarted))

	require.NoError(t, o.StopAutonomousOperations(context.Background()))
	assert.Equal(t, StatusIdle, agent.Status())
	assert.Len(t, rec.ofType(EventOperationsStopped), 1)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, saved, "sweeper-1")
	assert.Equal(t, 7, saved["sweeper-1"].Metrics.Discoveries)

	err = o.StopAutonomousOperations(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestSnapshotRestoredOnLateRegistration(t *testing.T) {
	store := NewMemorySnapshotStore()
	require.NoError(t, store.Save(context.Background(), map[string]*AgentSnapshot{
		"analyst-1": {
			ID:      "analyst-1",
			Kind:    KindChainAnalyst,
			Metrics: Metrics{Discoveries: 3},
		},
	}))

	o := NewOrchestrator(testOrchestratorConfig(), WithSnapshotStore(store))
	require.NoError(t, o.StartAutonomousOperations(context.Background()))
	defer o.StopAutonomousOperations(context.Background())

	agent := registerTestAgent(t, o, "analyst-1", KindChainAnalyst, newStubStrategy())
	assert.Equal(t, 3, agent.MetricsSnapshot().Discoveries)
}

func TestTriggerDeepWhisperScan(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	analystStub := newStubStrategy()
	analystStub.execute = func(ctx context.Context, task *Task) (*TaskResult, error) {
		return &TaskResult{Discovery: NewDiscovery("whisper-cluster", map[string]interface{}{
			"source_discovery": task.Params["discovery_id"],
		})}, nil
	}
	sweeper := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	analyst := registerTestAgent(t, o, "analyst-1", KindChainAnalyst, analystStub)

	require.NoError(t, sweeper.Start(context.Background()))
	require.NoError(t, analyst.Start(context.Background()))
	defer sweeper.Stop()
	defer analyst.Stop()

	seed := NewDiscovery("dormant-domain", map[string]interface{}{"domain": "x.example"})
	require.NoError(t, o.TriggerDeepWhisperScan(context.Background(), seed))

	events := rec.ofType(EventDeepWhisperScan)
	require.Len(t, events, 1)
	// The preferred analyst kind handled it, not the sweeper.
	assert.Equal(t, analyst.ID(), events[0].AgentID)
	assert.Equal(t, seed.ID, events[0].Payload["source_discovery"])
	result, ok := events[0].Payload["result"].(*Discovery)
	require.True(t, ok)
	assert.Equal(t, "whisper-cluster", result.Type)
}

func TestTriggerDeepWhisperScanNoAgentAvailable(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())
	registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())

	seed := NewDiscovery("dormant-domain", map[string]interface{}{"domain": "x.example"})
	err := o.TriggerDeepWhisperScan(context.Background(), seed)
	assert.True(t, errors.Is(err, ErrAgentNotAvailable))
}

func TestDefaultDeepScanPredicate(t *testing.T) {
	predicate := DefaultDeepScanPredicate(0.7)

	tests := []struct {
		name string
		d    *Discovery
		want bool
	}{
		{
			name: "indicator with high sub-confidence",
			d: &Discovery{
				Confidence: 0.2,
				Payload: map[string]interface{}{
					"hidden_cluster": map[string]interface{}{"confidence": 0.9},
				},
			},
			want: true,
		},
		{
			name: "indicator falls back to discovery confidence",
			d: &Discovery{
				Confidence: 0.8,
				Payload: map[string]interface{}{
					"obscure_ownership": true,
				},
			},
			want: true,
		},
		{
			name: "indicator below threshold",
			d: &Discovery{
				Confidence: 0.5,
				Payload: map[string]interface{}{
					"cross_chain_linkage": true,
				},
			},
			want: false,
		},
		{
			name: "no indicator fields",
			d: &Discovery{
				Confidence: 0.99,
				Payload:    map[string]interface{}{"domain": "x.example"},
			},
			want: false,
		},
		{
			name: "nil discovery",
			d:    nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, predicate(tt.d))
		})
	}
}

func TestRedistributeBumpsOverlappingKinds(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())

	a := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	b := registerTestAgent(t, o, "sweeper-2", KindDomainSweeper, newStubStrategy())
	c := registerTestAgent(t, o, "analyst-1", KindChainAnalyst, newStubStrategy())

	for _, agent := range []*Agent{a, b, c} {
		require.NoError(t, agent.Start(context.Background()))
		defer agent.Stop()
	}

	o.redistribute()

	assert.Equal(t, 1, a.AdaptiveSnapshot().SearchDepth)
	assert.Equal(t, 1, b.AdaptiveSnapshot().SearchDepth)
	assert.InDelta(t, 0.5, a.AdaptiveSnapshot().CollaborationLevel, 1e-9)

	// The lone analyst keeps its hints untouched.
	assert.Equal(t, 0, c.AdaptiveSnapshot().SearchDepth)
	assert.InDelta(t, 0.0, c.AdaptiveSnapshot().CollaborationLevel, 1e-9)
}

func TestAdaptStrategiesPushesHints(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())
	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	agent.mu.Lock()
	agent.metrics.SuccessRate = 0.2
	agent.metrics.DiscoveryRate = 0.05
	agent.mu.Unlock()

	o.adaptStrategies()

	hints := agent.AdaptiveSnapshot()
	assert.True(t, hints.Conservative)
	assert.True(t, hints.ExpandedScope)
	assert.Equal(t, 1, hints.SearchDepth)

	// Recovery clears the flags on the next pass.
	agent.mu.Lock()
	agent.metrics.SuccessRate = 0.9
	agent.metrics.DiscoveryRate = 1.5
	agent.mu.Unlock()
	o.adaptStrategies()
	hints = agent.AdaptiveSnapshot()
	assert.False(t, hints.Conservative)
	assert.False(t, hints.ExpandedScope)
}

func TestPollHealthSchedulesHealing(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Healing.BaseDelay = time.Millisecond
	o := NewOrchestrator(cfg)

	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	agent.mu.Lock()
	agent.metrics.Errors = 20
	agent.metrics.SuccessRate = 0.1
	agent.mu.Unlock()

	o.pollHealth()

	// Healing runs synchronously on the first attempt and repairs the
	// error pileup immediately.
	assert.Equal(t, 0, agent.MetricsSnapshot().Errors)
	assert.True(t, agent.HealthSnapshot().Healthy)
}

func TestFleetStatusReport(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig())
	agent := registerTestAgent(t, o, "sweeper-1", KindDomainSweeper, newStubStrategy())

	status := o.Status()
	assert.False(t, status.Running)
	require.Contains(t, status.Agents, agent.ID())
	report := status.Agents[agent.ID()]
	assert.Equal(t, KindDomainSweeper, report.Kind)
	assert.Equal(t, StatusIdle, report.Status)
	assert.Equal(t, 30*time.Second, report.Interval)
	assert.False(t, status.GeneratedAt.IsZero())
}
