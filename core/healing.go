package core

import (
	"time"

	"github.com/whisperfleet/whisperfleet/resilience"
)

// HealingState tracks where a healing process sits in its lifecycle:
// scheduled -> attempting -> (deleted on success or exhaustion).
type HealingState string

const (
	HealingScheduled  HealingState = "scheduled"
	HealingAttempting HealingState = "attempting"
)

// HealingProcess is the orchestrator's per-agent retry state. At most one
// exists per agent at any time; it is deleted on successful heal or after
// exceeding the retry ceiling.
type HealingProcess struct {
	AgentID     string       `json:"agent_id"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error"`
	NextAttempt time.Time    `json:"next_attempt"`
	State       HealingState `json:"state"`

	timer *time.Timer
}

// scheduleHealing creates a healing process for the agent unless one
// already exists, then attempts healing immediately. Subsequent attempts
// are rescheduled with exponential backoff so retries never block event
// delivery.
func (o *Orchestrator) scheduleHealing(agentID string, cause string) {
	o.mu.Lock()
	if _, exists := o.healing[agentID]; exists {
		o.mu.Unlock()
		return
	}
	if _, known := o.agents[agentID]; !known {
		o.mu.Unlock()
		return
	}
	o.healing[agentID] = &HealingProcess{
		AgentID:   agentID,
		LastError: cause,
		State:     HealingScheduled,
	}
	o.mu.Unlock()

	o.logger.Warn("Healing scheduled", map[string]interface{}{
		"agent_id": agentID,
		"cause":    cause,
	})
	o.attemptHeal(agentID)
}

// attemptHeal runs one healing attempt against the agent. Success deletes
// the process; failure either reschedules after
// baseDelay × multiplier^attempts or, at the retry ceiling, deletes the
// process and emits the terminal bot-healing-failed event.
func (o *Orchestrator) attemptHeal(agentID string) {
	o.mu.Lock()
	process, ok := o.healing[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	agent, known := o.agents[agentID]
	if !known {
		delete(o.healing, agentID)
		o.mu.Unlock()
		return
	}
	process.Attempts++
	process.State = HealingAttempting
	// NextAttempt only means something while scheduled.
	process.NextAttempt = time.Time{}
	attempts := process.Attempts
	o.mu.Unlock()

	healErr := agent.Heal()
	health := agent.CheckHealth()

	if healErr == nil && health.Healthy {
		o.mu.Lock()
		delete(o.healing, agentID)
		o.mu.Unlock()
		o.logger.Info("Agent healed", map[string]interface{}{
			"agent_id": agentID,
			"attempts": attempts,
		})
		o.telemetry.RecordMetric("whisperfleet.healing.success", 1,
			map[string]string{"agent_id": agentID})
		return
	}

	reason := "still unhealthy after heal"
	if healErr != nil {
		reason = healErr.Error()
	} else if len(health.Issues) > 0 {
		reason = health.Issues[0]
	}

	o.mu.Lock()
	process, ok = o.healing[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	process.LastError = reason

	cfg := o.config.Healing
	if attempts >= cfg.MaxRetries {
		delete(o.healing, agentID)
		o.mu.Unlock()
		o.logger.Error("Healing exhausted", map[string]interface{}{
			"agent_id": agentID,
			"attempts": attempts,
			"error":    reason,
		})
		o.emit(Event{
			Type:      EventBotHealingFailed,
			AgentID:   agentID,
			Timestamp: o.now(),
			Payload: map[string]interface{}{
				"attempts":   attempts,
				"last_error": reason,
			},
		})
		return
	}

	delay := resilience.BackoffDelay(cfg.BaseDelay, cfg.MaxDelay, cfg.BackoffMultiplier, attempts)
	process.State = HealingScheduled
	process.NextAttempt = o.now().Add(delay)
	process.timer = time.AfterFunc(delay, func() { o.attemptHeal(agentID) })
	o.mu.Unlock()

	o.logger.Warn("Healing attempt failed, retrying", map[string]interface{}{
		"agent_id":   agentID,
		"attempts":   attempts,
		"retry_in":   delay.String(),
		"last_error": reason,
	})
}

// healingReports copies the live healing processes for status reporting.
func (o *Orchestrator) healingReports() map[string]HealingProcess {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]HealingProcess, len(o.healing))
	for id, p := range o.healing {
		out[id] = HealingProcess{
			AgentID:     p.AgentID,
			Attempts:    p.Attempts,
			LastError:   p.LastError,
			NextAttempt: p.NextAttempt,
			State:       p.State,
		}
	}
	return out
}

// clearHealingLocked stops every pending healing timer and drops the
// processes. Caller holds o.mu.
func (o *Orchestrator) clearHealingLocked() {
	for id, p := range o.healing {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(o.healing, id)
	}
}
