package core

import (
	"time"

	"github.com/google/uuid"
)

// Well-known task types. Strategies may introduce their own types; unknown
// types get PriorityNormal.
const (
	TaskTypeDomainSweep    = "domain-sweep"
	TaskTypeRegistrarProbe = "registrar-probe"
	TaskTypeWhoisLookup    = "whois-lookup"
	TaskTypeChainTrace     = "chain-trace"
	TaskTypeDeepAnalysis   = "deep-analysis"
)

// Task priorities, higher runs hotter on dashboards; the engine itself does
// not reorder execution by priority.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 8
	PriorityCritical = 10
)

// Task is one unit of pluggable work an agent executes, subject to the
// agent's concurrency ceiling. Owned by the producing agent until completion
// or forced termination.
type Task struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Priority  int                    `json:"priority"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Depth     int                    `json:"depth,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewTask creates a task of the given type with a generated id and a
// priority derived from the type.
func NewTask(taskType string, params map[string]interface{}) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Priority:  PriorityForType(taskType),
		Params:    params,
		CreatedAt: time.Now(),
	}
}

// PriorityForType derives a task's priority from its type tag.
func PriorityForType(taskType string) int {
	switch taskType {
	case TaskTypeDeepAnalysis:
		return PriorityCritical
	case TaskTypeChainTrace:
		return PriorityHigh
	case TaskTypeRegistrarProbe, TaskTypeWhoisLookup:
		return PriorityNormal
	case TaskTypeDomainSweep:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TaskResult is what a strategy returns from executing a task. A nil
// Discovery means the task completed without producing a finding.
type TaskResult struct {
	Discovery *Discovery
	// Followups are tasks the strategy wants spawned from this result,
	// e.g. recursive sweeps. They go through normal admission and are
	// subject to the concurrency ceiling like any generated task.
	Followups []*Task
}
