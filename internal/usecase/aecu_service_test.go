package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/infra/fs"
	"easy-content-upgrade/internal/infra/memory"
	"easy-content-upgrade/internal/version"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine behaves according to the script content: "fail" fails, "hang"
// blocks until the context is done, anything else succeeds.
type stubEngine struct {
	mu    sync.Mutex
	calls []string
}

func (e *stubEngine) Execute(ctx context.Context, script *domain.Script) (domain.ScriptOutput, error) {
	e.mu.Lock()
	e.calls = append(e.calls, script.Path)
	e.mu.Unlock()

	out := domain.ScriptOutput{Output: "ran " + script.Path}
	switch string(script.Content) {
	case "fail":
		return out, errors.New("script error")
	case "hang":
		<-ctx.Done()
		return out, ctx.Err()
	}
	out.Result = "ok"
	return out, nil
}

func (e *stubEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []*domain.HistoryEntry
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, entry *domain.HistoryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry.Clone())
	return p.err
}

type fixture struct {
	svc       *AecuService
	engine    *stubEngine
	locker    domain.Locker
	history   domain.HistoryRepository
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := afero.NewMemMapFs()
	files := map[string]string{
		"/apps/aecu/01-init.js":             "ok",
		"/apps/aecu/02-migrate.js":          "fail",
		"/apps/aecu/02-migrate.fallback.js": "ok",
		"/apps/aecu/03-broken.js":           "fail",
		"/apps/aecu/04-slow.js":             "hang",
		"/apps/aecu/readme.txt":             "not a script",
		"/apps/aecu/.hidden.js":             "ok",
		"/apps/aecu/_draft.js":              "ok",
		"/apps/aecu/sub.author/a.js":        "ok",
		"/apps/aecu/sub.publish/b.js":       "ok",
		"/apps/aecu/sub.author.dev+qa/c.sh": "ok",
		"/apps/aecu/z.sh":                   "ok",
		"/conf/site/setup.js":               "ok",
		"/var/aecu/outside.js":              "ok",
	}
	for p, content := range files {
		require.NoError(t, afero.WriteFile(mem, p, []byte(content), 0o644))
	}

	engine := &stubEngine{}
	locker := memory.NewLocker()
	history := memory.NewHistoryRepository()
	publisher := &recordingPublisher{}

	svc := NewAecuService(
		fs.NewScriptRepository(mem),
		map[domain.ScriptType]domain.ScriptEngine{
			domain.ScriptTypeJavaScript: engine,
			domain.ScriptTypeShell:      engine,
		},
		history,
		locker,
		publisher,
		Options{
			AllowedRoots:  []string{"/apps", "/conf/"},
			RunModes:      []string{"author", "qa"},
			ScriptTimeout: 50 * time.Millisecond,
			NodeID:        "node-1",
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	clock := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	ids := 0
	svc.newID = func() string {
		clockMu.Lock()
		defer clockMu.Unlock()
		ids++
		return fmt.Sprintf("entry-%02d", ids)
	}

	return &fixture{svc: svc, engine: engine, locker: locker, history: history, publisher: publisher}
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, version.Version, f.svc.GetVersion())
}

func TestGetFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		want []string
	}{
		{
			name: "folder walk in name order",
			path: "/apps/aecu",
			want: []string{
				"/apps/aecu/01-init.js",
				"/apps/aecu/02-migrate.js",
				"/apps/aecu/03-broken.js",
				"/apps/aecu/04-slow.js",
				"/apps/aecu/sub.author/a.js",
				"/apps/aecu/sub.author.dev+qa/c.sh",
				"/apps/aecu/z.sh",
			},
		},
		{name: "single script", path: "/apps/aecu/01-init.js", want: []string{"/apps/aecu/01-init.js"}},
		{name: "fallback script is not listed", path: "/apps/aecu/02-migrate.fallback.js", want: []string{}},
		{name: "non script file", path: "/apps/aecu/readme.txt", want: []string{}},
		{name: "explicit folder ignores its own selectors", path: "/apps/aecu/sub.publish", want: []string{"/apps/aecu/sub.publish/b.js"}},
		{name: "second root", path: "/conf/site", want: []string{"/conf/site/setup.js"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := f.svc.GetFiles(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, files)
		})
	}
}

func TestGetFilesInvalidPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []string{"", "apps/aecu", "/apps/aecu/../../var", "/var/aecu", "/apps/missing", "/var/aecu/outside.js"} {
		files, err := f.svc.GetFiles(ctx, p)
		assert.Nil(t, files, p)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, domain.ErrInvalidPath, p)

		var aerr *domain.AecuError
		require.True(t, errors.As(err, &aerr), p)
		assert.Equal(t, "getFiles", aerr.Op)
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Execute(context.Background(), "/apps/aecu/01-init.js")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateSuccess, result.State)
	assert.Equal(t, "ok", result.Result)
	assert.Equal(t, "ran /apps/aecu/01-init.js", result.Output)
	assert.Equal(t, time.Second, result.Duration)
	assert.Nil(t, result.Fallback)
}

func TestExecuteRunsFallbackOnFailure(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Execute(context.Background(), "/apps/aecu/02-migrate.js")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateFailed, result.State)
	assert.Equal(t, "script error", result.Error)
	require.NotNil(t, result.Fallback)
	assert.Equal(t, "/apps/aecu/02-migrate.fallback.js", result.Fallback.Path)
	assert.Equal(t, domain.ExecutionStateSuccess, result.Fallback.State)
	assert.True(t, result.Succeeded())
	assert.Equal(t, []string{"/apps/aecu/02-migrate.js", "/apps/aecu/02-migrate.fallback.js"}, f.engine.Calls())
}

func TestExecuteFailureWithoutFallback(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Execute(context.Background(), "/apps/aecu/03-broken.js")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateFailed, result.State)
	assert.Nil(t, result.Fallback)
	assert.False(t, result.Succeeded())
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Execute(context.Background(), "/apps/aecu/04-slow.js")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStateFailed, result.State)
	assert.Contains(t, result.Error, context.DeadlineExceeded.Error())
}

func TestExecuteRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		want error
	}{
		{"outside roots", "/var/aecu/outside.js", domain.ErrInvalidPath},
		{"missing", "/apps/aecu/missing.js", domain.ErrInvalidPath},
		{"folder", "/apps/aecu", domain.ErrNotExecutable},
		{"unknown type", "/apps/aecu/readme.txt", domain.ErrNotExecutable},
		{"fallback script", "/apps/aecu/02-migrate.fallback.js", domain.ErrNotExecutable},
		{"hidden script", "/apps/aecu/_draft.js", domain.ErrNotExecutable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.svc.Execute(ctx, tt.path)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.engine.Calls())
}

func TestExecuteIsExclusivePerScript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lock, err := f.locker.Lock(ctx, "/apps/aecu/01-init.js")
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, "/apps/aecu/01-init.js")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, lock.Unlock(ctx))
	_, err = f.svc.Execute(ctx, "/apps/aecu/01-init.js")
	assert.NoError(t, err)
}

func TestHistoryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryStateRunning, entry.State)
	assert.Equal(t, domain.HistoryResultUnknown, entry.Result)
	assert.Equal(t, "node-1", entry.NodeID)

	for _, p := range []string{"/apps/aecu/01-init.js", "/apps/aecu/03-broken.js"} {
		result, err := f.svc.Execute(ctx, p)
		require.NoError(t, err)
		entry, err = f.svc.StoreExecutionInHistory(ctx, entry, result)
		require.NoError(t, err)
	}
	require.Len(t, entry.Executions, 2)
	assert.Equal(t, "/apps/aecu/01-init.js", entry.Executions[0].Path)
	assert.Equal(t, "/apps/aecu/03-broken.js", entry.Executions[1].Path)

	finished, err := f.svc.FinishHistoryEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryStateFinished, finished.State)
	assert.Equal(t, domain.HistoryResultFailure, finished.Result)
	assert.False(t, finished.End.IsZero())

	stored, err := f.svc.GetHistoryEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, finished, stored)

	require.Len(t, f.publisher.entries, 1)
	assert.Equal(t, entry.ID, f.publisher.entries[0].ID)

	_, err = f.svc.StoreExecutionInHistory(ctx, finished, &domain.ExecutionResult{Path: "/apps/x.js", State: domain.ExecutionStateSuccess})
	assert.ErrorIs(t, err, domain.ErrHistoryClosed)
	_, err = f.svc.FinishHistoryEntry(ctx, finished)
	assert.ErrorIs(t, err, domain.ErrHistoryClosed)
}

func TestCreateThenFinishWithoutExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	finished, err := f.svc.FinishHistoryEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryResultSuccess, finished.Result)
	assert.Empty(t, finished.Executions)
}

func TestFinishIgnoresPublisherFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	ctx := context.Background()

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	_, err = f.svc.FinishHistoryEntry(ctx, entry)
	assert.NoError(t, err)
}

func TestStoreExecutionInvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)

	_, err = f.svc.StoreExecutionInHistory(ctx, nil, &domain.ExecutionResult{Path: "/apps/a.js", State: domain.ExecutionStateSuccess})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.svc.StoreExecutionInHistory(ctx, entry, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.svc.StoreExecutionInHistory(ctx, entry, &domain.ExecutionResult{Path: "/apps/a.js", State: "weird"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	unknown := domain.NewHistoryEntry("nope", "", time.Now())
	_, err = f.svc.StoreExecutionInHistory(ctx, unknown, &domain.ExecutionResult{Path: "/apps/a.js", State: domain.ExecutionStateSuccess})
	assert.ErrorIs(t, err, domain.ErrHistoryNotFound)
	_, err = f.svc.FinishHistoryEntry(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func lockedIDs(s *AecuService) []string {
	var ids []string
	s.entryLocks.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func TestUnknownEntriesLeaveNoLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := &domain.ExecutionResult{Path: "/apps/a.js", State: domain.ExecutionStateSuccess}

	for i := 0; i < 50; i++ {
		unknown := domain.NewHistoryEntry(fmt.Sprintf("unknown-%02d", i), "", time.Now())
		_, err := f.svc.StoreExecutionInHistory(ctx, unknown, result)
		require.ErrorIs(t, err, domain.ErrHistoryNotFound)
		_, err = f.svc.FinishHistoryEntry(ctx, unknown)
		require.ErrorIs(t, err, domain.ErrHistoryNotFound)
	}
	assert.Empty(t, lockedIDs(f.svc))

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	_, err = f.svc.StoreExecutionInHistory(ctx, entry, result)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.ID}, lockedIDs(f.svc))

	_, err = f.svc.FinishHistoryEntry(ctx, entry)
	require.NoError(t, err)
	assert.Empty(t, lockedIDs(f.svc))
}

func TestConcurrentStoresAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.StoreExecutionInHistory(ctx, entry, &domain.ExecutionResult{
				Path:  fmt.Sprintf("/apps/s%02d.js", i),
				State: domain.ExecutionStateSuccess,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := f.svc.GetHistoryEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Executions, 20)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		entry, err := f.svc.CreateHistoryEntry(ctx)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	tests := []struct {
		name         string
		start, count int
		want         []string
	}{
		{"newest first", 0, 3, []string{ids[4], ids[3], ids[2]}},
		{"offset", 3, 10, []string{ids[1], ids[0]}},
		{"past the end", 5, 3, []string{}},
		{"zero count", 0, 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := f.svc.GetHistory(ctx, tt.start, tt.count)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(entries), tt.count)
			got := make([]string, 0, len(entries))
			for _, e := range entries {
				got = append(got, e.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := f.svc.GetHistory(ctx, -1, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
	_, err = f.svc.GetHistory(ctx, 0, -3)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
}

func TestRunPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.RunPath(ctx, "/apps/aecu/sub.author")
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryStateFinished, entry.State)
	assert.Equal(t, domain.HistoryResultSuccess, entry.Result)
	require.Len(t, entry.Executions, 1)
	assert.Equal(t, "/apps/aecu/sub.author/a.js", entry.Executions[0].Path)

	entry, err = f.svc.RunPath(ctx, "/apps/aecu")
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryResultFailure, entry.Result)
	assert.Len(t, entry.Executions, 7)
}

func TestRunPathStopsOnInfrastructureError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lock, err := f.locker.Lock(ctx, "/apps/aecu/02-migrate.js")
	require.NoError(t, err)
	defer lock.Unlock(ctx)

	entry, err := f.svc.RunPath(ctx, "/apps/aecu")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
	require.NotNil(t, entry)
	assert.Equal(t, domain.HistoryStateFinished, entry.State)
	assert.Equal(t, domain.HistoryResultFailure, entry.Result)
	require.Len(t, entry.Executions, 2)
	assert.Equal(t, domain.ExecutionStateSkipped, entry.Executions[1].State)
}

func TestRunPathInvalidPathCreatesNoEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RunPath(ctx, "/var/aecu")
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	entries, err := f.svc.GetHistory(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	_, err = f.svc.FinishHistoryEntry(ctx, old)
	require.NoError(t, err)
	running, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	cutoff := f.svc.now()
	recent, err := f.svc.CreateHistoryEntry(ctx)
	require.NoError(t, err)
	_, err = f.svc.FinishHistoryEntry(ctx, recent)
	require.NoError(t, err)

	deleted, err := f.svc.PurgeHistory(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = f.svc.GetHistoryEntry(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrHistoryNotFound)
	_, err = f.svc.GetHistoryEntry(ctx, running.ID)
	assert.NoError(t, err)
}
