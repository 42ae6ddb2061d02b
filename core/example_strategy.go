package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// SimulatedStrategy is a self-contained strategy useful for demos and
// tests. It fabricates plausible domain-intelligence findings from a
// seeded random source instead of performing real WHOIS/registrar/chain
// lookups, so it exercises the full engine without any network dependency.
type SimulatedStrategy struct {
	kind AgentKind

	mu  sync.Mutex
	rng *rand.Rand
	seq int
	hit float64 // probability a task yields a discovery
	ask float64 // probability a cycle requests collaboration
}

// NewSimulatedStrategy creates a simulated strategy for the given kind.
// The seed makes runs reproducible.
func NewSimulatedStrategy(kind AgentKind, seed int64) *SimulatedStrategy {
	return &SimulatedStrategy{
		kind: kind,
		rng:  rand.New(rand.NewSource(seed)),
		hit:  0.4,
		ask:  0.1,
	}
}

// RegisterSimulatedStrategies binds all built-in agent kinds to simulated
// strategies. Call once at startup for demo deployments.
func RegisterSimulatedStrategies(seed int64) {
	for i, kind := range []AgentKind{KindDomainSweeper, KindRegistrarScan, KindChainAnalyst} {
		k := kind
		s := seed + int64(i)
		RegisterStrategy(k, func() Strategy { return NewSimulatedStrategy(k, s) })
	}
}

func (s *SimulatedStrategy) GenerateTasks(ctx context.Context, view AgentView) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 1
	if view.Adaptive.ExpandedScope && view.Capacity > 1 {
		count = 2
	}
	if view.Adaptive.Conservative {
		count = 1
	}

	tasks := make([]*Task, 0, count)
	for i := 0; i < count; i++ {
		s.seq++
		tasks = append(tasks, NewTask(s.taskType(), map[string]interface{}{
			"shard": s.seq,
			"depth": view.Adaptive.SearchDepth,
		}))
	}
	return tasks, nil
}

func (s *SimulatedStrategy) ExecuteTask(ctx context.Context, task *Task) (*TaskResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Type == TaskTypeDeepAnalysis {
		return &TaskResult{Discovery: s.deepFinding(task)}, nil
	}
	if s.rng.Float64() > s.hit {
		return &TaskResult{}, nil
	}

	shard, _ := task.Params["shard"].(int)
	d := NewDiscovery(s.discoveryType(), map[string]interface{}{
		"domain":    fmt.Sprintf("whisper-%s-%d.example", s.kind, shard),
		"registrar": fmt.Sprintf("registrar-%d", s.rng.Intn(5)),
	})
	return &TaskResult{Discovery: d}, nil
}

func (s *SimulatedStrategy) Confidence(d *Discovery) float64 {
	// Richer payloads score higher; deep findings top out.
	base := 0.4 + 0.1*float64(len(d.Payload))
	if d.Type == "whisper-cluster" {
		base += 0.2
	}
	return ClampConfidence(base)
}

func (s *SimulatedStrategy) Relevance(d *Discovery) float64 {
	if d.Type == s.discoveryType() {
		return 0.9
	}
	if d.Type == "whisper-cluster" {
		return 0.8
	}
	return 0.3
}

// PlanCollaboration occasionally asks the chain analysts for help.
func (s *SimulatedStrategy) PlanCollaboration(view AgentView) []*CollaborationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindChainAnalyst || s.rng.Float64() > s.ask {
		return nil
	}
	return []*CollaborationRequest{{
		TargetKind: KindChainAnalyst,
		Topic:      "trace-ownership",
		Params:     map[string]interface{}{"discoveries": view.Metrics.Discoveries},
	}}
}

func (s *SimulatedStrategy) taskType() string {
	switch s.kind {
	case KindRegistrarScan:
		return TaskTypeRegistrarProbe
	case KindChainAnalyst:
		return TaskTypeChainTrace
	default:
		return TaskTypeDomainSweep
	}
}

func (s *SimulatedStrategy) discoveryType() string {
	switch s.kind {
	case KindRegistrarScan:
		return "registrar-anomaly"
	case KindChainAnalyst:
		return "chain-linkage"
	default:
		return "dormant-domain"
	}
}

// deepFinding fabricates a cluster analysis result carrying the indicator
// fields the default deep-scan predicate looks for.
func (s *SimulatedStrategy) deepFinding(task *Task) *Discovery {
	sourceID, _ := task.Params["discovery_id"].(string)
	return NewDiscovery("whisper-cluster", map[string]interface{}{
		"source_discovery": sourceID,
		"hidden_cluster": map[string]interface{}{
			"confidence": 0.5 + s.rng.Float64()*0.5,
			"size":       1 + s.rng.Intn(12),
		},
	})
}
