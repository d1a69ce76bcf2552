package core

import (
	"encoding/json"
	"time"
)

// AgentStatus tracks an agent through its liveness lifecycle.
type AgentStatus string

const (
	AgentJoining   AgentStatus = "joining"
	AgentActive    AgentStatus = "active"
	AgentSuspected AgentStatus = "suspected"
	AgentFailed    AgentStatus = "failed"
	AgentLeft      AgentStatus = "left"
)

// Agent represents an autonomous worker unit participating in a coordination group.
// The substrate tracks identity, capabilities and liveness; what the agent actually
// does with a task payload is up to the external executor.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of the required tags.
func (a Agent) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range a.Capabilities {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TaskStatus tracks a task through the distribution lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRequeued   TaskStatus = "requeued"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a unit of work distributed to agents. The payload is opaque to the
// substrate and interpreted only by the external task executor.
type Task struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Required     []string        `json:"required,omitempty"`
	Status       TaskStatus      `json:"status"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	Attempts     int             `json:"attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailReason   string          `json:"fail_reason,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	LastAssigned time.Time       `json:"last_assigned,omitempty"`
}
