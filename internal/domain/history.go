// internal/domain/history.go
package domain

import (
	"context"
	"time"
)

// HistoryState defines the lifecycle state of a history entry.
type HistoryState string

const (
	HistoryStateRunning  HistoryState = "running"
	HistoryStateFinished HistoryState = "finished"
)

// HistoryResult summarizes the executions of a history entry.
type HistoryResult string

const (
	HistoryResultUnknown HistoryResult = "unknown"
	HistoryResultSuccess HistoryResult = "success"
	HistoryResultFailure HistoryResult = "failure"
)

// HistoryEntry is the audit record of one execution session.
type HistoryEntry struct {
	ID         string            `json:"id"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end,omitempty"`
	State      HistoryState      `json:"state"`
	Result     HistoryResult     `json:"result"`
	Executions []ExecutionResult `json:"executions"`
	NodeID     string            `json:"node_id,omitempty"`
}

// NewHistoryEntry returns an open entry started at the given time.
func NewHistoryEntry(id, nodeID string, start time.Time) *HistoryEntry {
	return &HistoryEntry{
		ID:         id,
		Start:      start,
		State:      HistoryStateRunning,
		Result:     HistoryResultUnknown,
		Executions: []ExecutionResult{},
		NodeID:     nodeID,
	}
}

// Append adds an execution result to an open entry.
func (h *HistoryEntry) Append(result *ExecutionResult) error {
	if h.State == HistoryStateFinished {
		return ErrHistoryClosed
	}
	h.Executions = append(h.Executions, *result.clone())
	return nil
}

// Finish seals the entry. The result is a failure if any execution did not succeed.
func (h *HistoryEntry) Finish(end time.Time) error {
	if h.State == HistoryStateFinished {
		return ErrHistoryClosed
	}
	h.End = end
	h.State = HistoryStateFinished
	h.Result = HistoryResultSuccess
	for i := range h.Executions {
		if !h.Executions[i].Succeeded() {
			h.Result = HistoryResultFailure
			break
		}
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (h *HistoryEntry) Clone() *HistoryEntry {
	c := *h
	c.Executions = make([]ExecutionResult, len(h.Executions))
	for i := range h.Executions {
		c.Executions[i] = *h.Executions[i].clone()
	}
	return &c
}

// HistoryRepository defines the interface for persisting and retrieving history entries.
type HistoryRepository interface {
	// Save creates or replaces an entry.
	Save(ctx context.Context, entry *HistoryEntry) error
	// Get returns ErrHistoryNotFound if the entry does not exist.
	Get(ctx context.Context, id string) (*HistoryEntry, error)
	// List returns up to count entries starting at start, newest first.
	List(ctx context.Context, start, count int) ([]*HistoryEntry, error)
	// DeleteFinishedBefore removes finished entries started before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryPublisher receives finished history entries.
type HistoryPublisher interface {
	Publish(ctx context.Context, entry *HistoryEntry) error
}
