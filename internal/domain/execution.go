// internal/domain/execution.go
package domain

import (
	"fmt"
	"time"
)

// ExecutionState defines the outcome of a single script execution.
type ExecutionState string

const (
	ExecutionStateSuccess ExecutionState = "success"
	ExecutionStateFailed  ExecutionState = "failed"
	ExecutionStateSkipped ExecutionState = "skipped"
)

// ExecutionResult represents the outcome of running one script.
type ExecutionResult struct {
	Path      string           `json:"path"`
	State     ExecutionState   `json:"state"`
	Output    string           `json:"output,omitempty"` // stdout, stderr and console output
	Result    string           `json:"result,omitempty"` // string form of the script's return value
	Error     string           `json:"error,omitempty"`
	StartTime time.Time        `json:"start_time"`
	Duration  time.Duration    `json:"duration"`
	Fallback  *ExecutionResult `json:"fallback,omitempty"` // set when a fallback script ran
}

// Succeeded reports whether the script, or its fallback, completed successfully.
func (r *ExecutionResult) Succeeded() bool {
	if r.State == ExecutionStateSuccess {
		return true
	}
	return r.State == ExecutionStateFailed && r.Fallback != nil && r.Fallback.Succeeded()
}

// Validate checks if the execution result is valid.
func (r *ExecutionResult) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("execution result path cannot be empty")
	}
	switch r.State {
	case ExecutionStateSuccess, ExecutionStateFailed, ExecutionStateSkipped:
	default:
		return fmt.Errorf("invalid execution state: %q", r.State)
	}
	return nil
}

func (r *ExecutionResult) clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Fallback = r.Fallback.clone()
	return &c
}
