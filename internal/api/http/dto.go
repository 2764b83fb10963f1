package http

import "easy-content-upgrade/internal/domain"

// ExecuteRequest is the body of POST /aecu/execute. When HistoryID is set the
// result is stored in that history entry.
type ExecuteRequest struct {
	Path      string `json:"path" validate:"required,startswith=/"`
	HistoryID string `json:"history_id,omitempty" validate:"omitempty,uuid"`
}

// ExecuteResponse is returned by POST /aecu/execute.
type ExecuteResponse struct {
	Result  *domain.ExecutionResult `json:"result"`
	History *domain.HistoryEntry    `json:"history,omitempty"`
}

// RunRequest is the body of POST /aecu/run.
type RunRequest struct {
	Path string `json:"path" validate:"required,startswith=/"`
}

// FilesResponse is returned by GET /aecu/files.
type FilesResponse struct {
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type errorResponse struct {
	Error   string               `json:"error"`
	Details []string             `json:"details,omitempty"`
	History *domain.HistoryEntry `json:"history,omitempty"` // set when a failed run was still recorded
}
