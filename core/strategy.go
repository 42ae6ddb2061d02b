package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AgentKind tags the behavioral variant of an agent. Each kind maps to one
// Strategy implementation through the strategy registry; the engine never
// assumes anything about a strategy beyond this contract.
type AgentKind string

const (
	KindDomainSweeper AgentKind = "domain-sweeper"
	KindRegistrarScan AgentKind = "registrar-scanner"
	KindChainAnalyst  AgentKind = "chain-analyst"
)

// AgentView is the read-only slice of agent state a strategy may inspect
// when generating tasks or planning collaboration.
type AgentView struct {
	AgentID  string
	Kind     AgentKind
	InFlight int
	Capacity int
	Metrics  Metrics
	Adaptive AdaptiveStrategy
}

// Strategy is the pluggable capability an agent kind implements. Real
// WHOIS/registrar/chain lookups live behind this interface; the engine only
// sees typed tasks and discoveries.
type Strategy interface {
	// GenerateTasks proposes work for one cycle. The agent admits at most
	// its remaining capacity; surplus tasks are dropped for this cycle.
	GenerateTasks(ctx context.Context, view AgentView) ([]*Task, error)

	// ExecuteTask runs one task to completion. A nil-Discovery result is a
	// successful task that found nothing.
	ExecuteTask(ctx context.Context, task *Task) (*TaskResult, error)

	// Confidence scores a discovery this strategy produced, in [0,1].
	Confidence(d *Discovery) float64

	// Relevance scores how much a peer's discovery matters to this
	// strategy, in [0,1]. Drives the collaboration threshold check.
	Relevance(d *Discovery) float64
}

// CollaborationPlanner is an optional extension: strategies that implement
// it are consulted during the cycle's collaboration scan.
type CollaborationPlanner interface {
	PlanCollaboration(view AgentView) []*CollaborationRequest
}

// CollaborationRequest asks peers for help on a topic. TargetKind may be
// empty, in which case the orchestrator offers the request to any peer.
type CollaborationRequest struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	TargetKind AgentKind              `json:"target_kind,omitempty"`
	Topic      string                 `json:"topic"`
	Params     map[string]interface{} `json:"params,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CollaborationResponse answers a collaboration request.
type CollaborationResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// StrategyFactory builds a fresh strategy instance for one agent.
type StrategyFactory func() Strategy

var (
	strategyMu       sync.RWMutex
	strategyRegistry = map[AgentKind]StrategyFactory{}
)

// RegisterStrategy binds an agent kind to a strategy factory. Later
// registrations for the same kind replace earlier ones.
func RegisterStrategy(kind AgentKind, factory StrategyFactory) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	strategyRegistry[kind] = factory
}

// StrategyFor instantiates the strategy registered for a kind.
func StrategyFor(kind AgentKind) (Strategy, error) {
	strategyMu.RLock()
	factory, ok := strategyRegistry[kind]
	strategyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no strategy for kind %q: %w", kind, ErrStrategyNotFound)
	}
	return factory(), nil
}

// RegisteredKinds lists all kinds with a registered strategy.
func RegisteredKinds() []AgentKind {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	kinds := make([]AgentKind, 0, len(strategyRegistry))
	for k := range strategyRegistry {
		kinds = append(kinds, k)
	}
	return kinds
}
