package model

import (
	"encoding/json"
	"time"
)

// Operation status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Operation kind constants.
const (
	KindDeploy  = "deploy"
	KindDestroy = "destroy"
)

// validTransitions maps each operation status to the set of statuses it may
// transition to. Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether the given operation status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// OutputEntry is a human-displayable normalized output value. Sensitive
// values are masked before they reach this struct.
type OutputEntry struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// Operation represents a single apply-or-destroy run against one template
// of a workshop.
type Operation struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	WorkshopID    string            `json:"workshop_id"`
	TemplateID    string            `json:"template_id"`
	Kind          string            `json:"kind"`
	Initiator     string            `json:"initiator,omitempty"`
	Status        string            `json:"status"`
	Variables     map[string]any    `json:"variables,omitempty"`
	StateAddress  string            `json:"state_address,omitempty"`
	Outputs       map[string]any    `json:"outputs,omitempty"`
	OutputDisplay []OutputEntry     `json:"output_display,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// LogLine represents a single persisted log line from an operation run.
type LogLine struct {
	ID          int64     `json:"id"`
	OperationID string    `json:"operation_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarshalVariables encodes a variable map for storage, returning "{}" for nil.
func MarshalVariables(vars map[string]any) ([]byte, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	return json.Marshal(vars)
}
