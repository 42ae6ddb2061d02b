package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityForType(t *testing.T) {
	tests := []struct {
		taskType string
		want     int
	}{
		{TaskTypeDeepAnalysis, PriorityCritical},
		{TaskTypeChainTrace, PriorityHigh},
		{TaskTypeRegistrarProbe, PriorityNormal},
		{TaskTypeWhoisLookup, PriorityNormal},
		{TaskTypeDomainSweep, PriorityLow},
		{"custom-probe", PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityForType(tt.taskType))
		})
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask(TaskTypeChainTrace, map[string]interface{}{"wallet": "0xabc"})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskTypeChainTrace, task.Type)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, "0xabc", task.Params["wallet"])
	assert.False(t, task.CreatedAt.IsZero())

	other := NewTask(TaskTypeChainTrace, nil)
	assert.NotEqual(t, task.ID, other.ID)
}
