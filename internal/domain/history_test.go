package domain_test

import (
	"errors"
	"testing"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEntryFinish(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)

	tests := []struct {
		name       string
		executions []domain.ExecutionResult
		want       domain.HistoryResult
	}{
		{name: "no executions", want: domain.HistoryResultSuccess},
		{
			name: "all succeeded",
			executions: []domain.ExecutionResult{
				{Path: "/apps/a.js", State: domain.ExecutionStateSuccess},
				{Path: "/apps/b.js", State: domain.ExecutionStateSuccess},
			},
			want: domain.HistoryResultSuccess,
		},
		{
			name: "failure rescued by fallback",
			executions: []domain.ExecutionResult{
				{
					Path:     "/apps/a.js",
					State:    domain.ExecutionStateFailed,
					Fallback: &domain.ExecutionResult{Path: "/apps/a.fallback.js", State: domain.ExecutionStateSuccess},
				},
			},
			want: domain.HistoryResultSuccess,
		},
		{
			name: "one failed",
			executions: []domain.ExecutionResult{
				{Path: "/apps/a.js", State: domain.ExecutionStateSuccess},
				{Path: "/apps/b.js", State: domain.ExecutionStateFailed},
			},
			want: domain.HistoryResultFailure,
		},
		{
			name: "skipped counts as failure",
			executions: []domain.ExecutionResult{
				{Path: "/apps/a.js", State: domain.ExecutionStateSkipped},
			},
			want: domain.HistoryResultFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := domain.NewHistoryEntry("id-1", "node-1", start)
			assert.Equal(t, domain.HistoryResultUnknown, entry.Result)
			for i := range tt.executions {
				require.NoError(t, entry.Append(&tt.executions[i]))
			}

			require.NoError(t, entry.Finish(end))
			assert.Equal(t, domain.HistoryStateFinished, entry.State)
			assert.Equal(t, tt.want, entry.Result)
			assert.Equal(t, end, entry.End)
		})
	}
}

func TestHistoryEntrySealed(t *testing.T) {
	entry := domain.NewHistoryEntry("id-1", "", time.Now())
	require.NoError(t, entry.Finish(time.Now()))

	err := entry.Append(&domain.ExecutionResult{Path: "/apps/a.js", State: domain.ExecutionStateSuccess})
	assert.ErrorIs(t, err, domain.ErrHistoryClosed)
	assert.ErrorIs(t, entry.Finish(time.Now()), domain.ErrHistoryClosed)
}

func TestHistoryEntryCloneIsDeep(t *testing.T) {
	entry := domain.NewHistoryEntry("id-1", "", time.Now())
	require.NoError(t, entry.Append(&domain.ExecutionResult{
		Path:     "/apps/a.js",
		State:    domain.ExecutionStateFailed,
		Fallback: &domain.ExecutionResult{Path: "/apps/a.fallback.js", State: domain.ExecutionStateFailed},
	}))

	clone := entry.Clone()
	clone.Executions[0].Fallback.State = domain.ExecutionStateSuccess
	clone.Executions[0].Output = "changed"

	assert.Equal(t, domain.ExecutionStateFailed, entry.Executions[0].Fallback.State)
	assert.Empty(t, entry.Executions[0].Output)
}

func TestNewErrorKeepsInnermostOperation(t *testing.T) {
	inner := domain.NewError("getFiles", "/apps/x", domain.ErrInvalidPath)
	outer := domain.NewError("runPath", "/apps/x", inner)

	var aerr *domain.AecuError
	require.True(t, errors.As(outer, &aerr))
	assert.Equal(t, "getFiles", aerr.Op)
	assert.ErrorIs(t, outer, domain.ErrInvalidPath)
	assert.Equal(t, "aecu getFiles /apps/x: invalid path", outer.Error())
	assert.Nil(t, domain.NewError("op", "", nil))
}
