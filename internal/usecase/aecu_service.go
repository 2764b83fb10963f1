package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/metrics"
	"easy-content-upgrade/internal/version"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an AecuService.
type Options struct {
	// AllowedRoots are the repository folders scripts may live in.
	AllowedRoots []string
	// RunModes are the active run modes used to select folders.
	RunModes []string
	// ScriptTimeout bounds a single script run, fallback excluded.
	ScriptTimeout time.Duration
	NodeID        string
}

// AecuService finds and executes migration scripts and keeps their history.
// It is safe for concurrent use.
type AecuService struct {
	scripts   domain.ScriptRepository
	engines   map[domain.ScriptType]domain.ScriptEngine
	history   domain.HistoryRepository
	locker    domain.Locker
	publisher domain.HistoryPublisher

	roots    []string
	runModes map[string]struct{}
	timeout  time.Duration
	nodeID   string

	entryLocks sync.Map // history id -> *sync.Mutex
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewAecuService creates a new AecuService instance.
func NewAecuService(
	scripts domain.ScriptRepository,
	engines map[domain.ScriptType]domain.ScriptEngine,
	history domain.HistoryRepository,
	locker domain.Locker,
	publisher domain.HistoryPublisher,
	opts Options,
	logger *slog.Logger,
) *AecuService {
	runModes := make(map[string]struct{}, len(opts.RunModes))
	for _, m := range opts.RunModes {
		runModes[m] = struct{}{}
	}
	roots := make([]string, 0, len(opts.AllowedRoots))
	for _, r := range opts.AllowedRoots {
		roots = append(roots, path.Clean(r))
	}
	timeout := opts.ScriptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &AecuService{
		scripts:   scripts,
		engines:   engines,
		history:   history,
		locker:    locker,
		publisher: publisher,
		roots:     roots,
		runModes:  runModes,
		timeout:   timeout,
		nodeID:    opts.NodeID,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With("component", "aecu-service"),
		tracer:    otel.Tracer("aecu-usecase"),
	}
}

// GetVersion returns the AECU version.
func (s *AecuService) GetVersion() string {
	return version.Version
}

// GetFiles returns the executable scripts at p. For a folder the tree is
// walked depth first in name order.
func (s *AecuService) GetFiles(ctx context.Context, p string) ([]string, error) {
	const op = "getFiles"
	_, span := s.tracer.Start(ctx, "service.GetFiles")
	defer span.End()
	span.SetAttributes(attribute.String("script.path", p))

	if err := checkPath(p, s.roots); err != nil {
		return nil, s.fail(span, op, p, err)
	}
	info, err := s.scripts.Stat(p)
	if err != nil {
		return nil, s.fail(span, op, p, fmt.Errorf("%w: %v", domain.ErrInvalidPath, err))
	}

	files := []string{}
	if !info.IsDir {
		if s.isExecutable(info.Name) {
			files = append(files, p)
		}
		return files, nil
	}
	if err := s.collect(p, &files); err != nil {
		return nil, s.fail(span, op, p, fmt.Errorf("%w: %v", domain.ErrInvalidPath, err))
	}
	span.SetAttributes(attribute.Int("files", len(files)))
	return files, nil
}

func (s *AecuService) collect(dir string, files *[]string) error {
	children, err := s.scripts.List(dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if isHidden(child.Name) {
			continue
		}
		if child.IsDir {
			if !matchesRunModes(child.Name, s.runModes) {
				s.logger.Debug("skipping folder for inactive run mode", "script_path", child.Path)
				continue
			}
			if err := s.collect(child.Path, files); err != nil {
				return err
			}
			continue
		}
		if s.isExecutable(child.Name) {
			*files = append(*files, child.Path)
		}
	}
	return nil
}

func (s *AecuService) isExecutable(name string) bool {
	if isHidden(name) || isFallback(name) {
		return false
	}
	_, ok := s.engines[domain.ScriptTypeOf(name)]
	return ok
}

// Execute runs the script at p. A failing script is reported through the
// result state; an error means the script could not be run at all. If the
// script fails and a fallback script exists next to it, the fallback is run.
func (s *AecuService) Execute(ctx context.Context, p string) (*domain.ExecutionResult, error) {
	const op = "execute"
	ctx, span := s.tracer.Start(ctx, "service.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("script.path", p))

	if err := checkPath(p, s.roots); err != nil {
		return nil, s.fail(span, op, p, err)
	}
	info, err := s.scripts.Stat(p)
	if err != nil {
		return nil, s.fail(span, op, p, fmt.Errorf("%w: %v", domain.ErrInvalidPath, err))
	}
	if info.IsDir || !s.isExecutable(info.Name) {
		return nil, s.fail(span, op, p, domain.ErrNotExecutable)
	}

	lock, err := s.locker.Lock(ctx, p)
	if err != nil {
		return nil, s.fail(span, op, p, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			s.logger.Error("failed to release script lock", "script_path", p, "error", err)
		}
	}()

	logger := s.logger.With("script_path", p)
	logger.Info("executing script")

	result, err := s.runScript(ctx, p)
	if err != nil {
		return nil, s.fail(span, op, p, err)
	}

	if result.State == domain.ExecutionStateFailed {
		fb := fallbackPath(p)
		if fbInfo, err := s.scripts.Stat(fb); err == nil && !fbInfo.IsDir {
			logger.Warn("script failed, running fallback", "fallback_path", fb, "error", result.Error)
			fbResult, err := s.runScript(ctx, fb)
			if err != nil {
				logger.Error("failed to run fallback script", "fallback_path", fb, "error", err)
			} else {
				result.Fallback = fbResult
			}
		}
	}

	span.SetAttributes(attribute.String("execution.state", string(result.State)))
	if !result.Succeeded() {
		span.SetStatus(codes.Error, "script failed")
	}
	logger.Info("script executed", "state", result.State, "duration", result.Duration)
	return result, nil
}

// runScript reads and runs a single script under the configured timeout.
func (s *AecuService) runScript(ctx context.Context, p string) (*domain.ExecutionResult, error) {
	scriptType := domain.ScriptTypeOf(p)
	engine, ok := s.engines[scriptType]
	if !ok {
		return nil, fmt.Errorf("%w for %q", domain.ErrNoEngine, scriptType)
	}
	content, err := s.scripts.Read(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPath, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	out, runErr := engine.Execute(execCtx, &domain.Script{Path: p, Content: content})
	result := &domain.ExecutionResult{
		Path:      p,
		State:     domain.ExecutionStateSuccess,
		Output:    out.Output,
		Result:    out.Result,
		StartTime: start,
		Duration:  s.now().Sub(start),
	}
	if runErr != nil {
		result.State = domain.ExecutionStateFailed
		result.Error = runErr.Error()
	}

	metrics.ScriptExecutionsTotal.WithLabelValues(string(scriptType), string(result.State)).Inc()
	metrics.ScriptExecutionDuration.WithLabelValues(string(scriptType)).Observe(result.Duration.Seconds())
	return result, nil
}

// CreateHistoryEntry starts a new history entry.
func (s *AecuService) CreateHistoryEntry(ctx context.Context) (*domain.HistoryEntry, error) {
	const op = "createHistoryEntry"
	ctx, span := s.tracer.Start(ctx, "service.CreateHistoryEntry")
	defer span.End()

	entry := domain.NewHistoryEntry(s.newID(), s.nodeID, s.now())
	span.SetAttributes(attribute.String("history.id", entry.ID))

	if err := s.history.Save(ctx, entry); err != nil {
		return nil, s.fail(span, op, "", err)
	}
	s.logger.Info("history entry created", "history_id", entry.ID)
	return entry, nil
}

// StoreExecutionInHistory appends a result to an open entry. The stored entry
// is authoritative; the returned entry reflects it after the append.
func (s *AecuService) StoreExecutionInHistory(ctx context.Context, entry *domain.HistoryEntry, result *domain.ExecutionResult) (*domain.HistoryEntry, error) {
	const op = "storeExecutionInHistory"
	ctx, span := s.tracer.Start(ctx, "service.StoreExecutionInHistory")
	defer span.End()

	if entry == nil || result == nil {
		return nil, s.fail(span, op, "", fmt.Errorf("%w: history entry and result are required", domain.ErrInvalidArgument))
	}
	if err := result.Validate(); err != nil {
		return nil, s.fail(span, op, result.Path, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	span.SetAttributes(attribute.String("history.id", entry.ID), attribute.String("script.path", result.Path))

	unlock := s.lockEntry(entry.ID)
	defer unlock()

	stored, err := s.history.Get(ctx, entry.ID)
	if err != nil {
		s.forgetUnknownEntry(entry.ID, err)
		return nil, s.fail(span, op, result.Path, err)
	}
	if err := stored.Append(result); err != nil {
		return nil, s.fail(span, op, result.Path, err)
	}
	if err := s.history.Save(ctx, stored); err != nil {
		return nil, s.fail(span, op, result.Path, err)
	}
	return stored, nil
}

// FinishHistoryEntry seals an open entry and publishes it.
func (s *AecuService) FinishHistoryEntry(ctx context.Context, entry *domain.HistoryEntry) (*domain.HistoryEntry, error) {
	const op = "finishHistoryEntry"
	ctx, span := s.tracer.Start(ctx, "service.FinishHistoryEntry")
	defer span.End()

	if entry == nil {
		return nil, s.fail(span, op, "", fmt.Errorf("%w: history entry is required", domain.ErrInvalidArgument))
	}
	span.SetAttributes(attribute.String("history.id", entry.ID))

	unlock := s.lockEntry(entry.ID)
	defer unlock()

	stored, err := s.history.Get(ctx, entry.ID)
	if err != nil {
		s.forgetUnknownEntry(entry.ID, err)
		return nil, s.fail(span, op, "", err)
	}
	if err := stored.Finish(s.now()); err != nil {
		return nil, s.fail(span, op, "", err)
	}
	if err := s.history.Save(ctx, stored); err != nil {
		return nil, s.fail(span, op, "", err)
	}
	s.entryLocks.Delete(entry.ID)

	metrics.HistoryEntriesTotal.WithLabelValues(string(stored.Result)).Inc()
	s.logger.Info("history entry finished", "history_id", stored.ID, "result", stored.Result, "executions", len(stored.Executions))

	if err := s.publisher.Publish(ctx, stored); err != nil {
		s.logger.Error("failed to publish history entry", "history_id", stored.ID, "error", err)
		span.RecordError(err)
	}
	return stored, nil
}

// GetHistory returns up to count entries starting at startIndex, newest first.
func (s *AecuService) GetHistory(ctx context.Context, startIndex, count int) ([]*domain.HistoryEntry, error) {
	const op = "getHistory"
	ctx, span := s.tracer.Start(ctx, "service.GetHistory")
	defer span.End()
	span.SetAttributes(attribute.Int("start", startIndex), attribute.Int("count", count))

	if startIndex < 0 || count < 0 {
		return nil, s.fail(span, op, "", fmt.Errorf("%w: start %d, count %d", domain.ErrInvalidRange, startIndex, count))
	}
	if count == 0 {
		return []*domain.HistoryEntry{}, nil
	}
	entries, err := s.history.List(ctx, startIndex, count)
	if err != nil {
		return nil, s.fail(span, op, "", err)
	}
	if len(entries) > count {
		entries = entries[:count]
	}
	return entries, nil
}

// GetHistoryEntry returns a single entry.
func (s *AecuService) GetHistoryEntry(ctx context.Context, id string) (*domain.HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetHistoryEntry")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", id))

	entry, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, s.fail(span, "getHistoryEntry", "", err)
	}
	return entry, nil
}

// RunPath executes every script under p inside one history entry. An error
// that prevents a script from running is recorded as a skipped execution and
// stops the run; the entry is finished in every case once created.
func (s *AecuService) RunPath(ctx context.Context, p string) (*domain.HistoryEntry, error) {
	const op = "runPath"
	ctx, span := s.tracer.Start(ctx, "service.RunPath")
	defer span.End()
	span.SetAttributes(attribute.String("script.path", p))

	files, err := s.GetFiles(ctx, p)
	if err != nil {
		return nil, s.fail(span, op, p, err)
	}
	entry, err := s.CreateHistoryEntry(ctx)
	if err != nil {
		return nil, s.fail(span, op, p, err)
	}

	var runErr error
	for _, file := range files {
		result, err := s.Execute(ctx, file)
		if err != nil {
			runErr = err
			result = &domain.ExecutionResult{
				Path:      file,
				State:     domain.ExecutionStateSkipped,
				Error:     err.Error(),
				StartTime: s.now(),
			}
		}
		updated, err := s.StoreExecutionInHistory(ctx, entry, result)
		if err != nil {
			runErr = errors.Join(runErr, err)
			break
		}
		entry = updated
		if runErr != nil {
			break
		}
	}

	finished, err := s.FinishHistoryEntry(ctx, entry)
	if err != nil {
		return entry, s.fail(span, op, p, errors.Join(runErr, err))
	}
	if runErr != nil {
		return finished, s.fail(span, op, p, runErr)
	}
	return finished, nil
}

// PurgeHistory removes finished entries started before olderThan.
func (s *AecuService) PurgeHistory(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "service.PurgeHistory")
	defer span.End()

	deleted, err := s.history.DeleteFinishedBefore(ctx, olderThan)
	if err != nil {
		return deleted, s.fail(span, "purgeHistory", "", err)
	}
	metrics.HistoryPurgedTotal.Add(float64(deleted))
	s.logger.Info("history purged", "older_than", olderThan, "deleted", deleted)
	return deleted, nil
}

func (s *AecuService) lockEntry(id string) func() {
	mu, _ := s.entryLocks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// forgetUnknownEntry drops the lock slot of an id the store does not know.
func (s *AecuService) forgetUnknownEntry(id string, err error) {
	if errors.Is(err, domain.ErrHistoryNotFound) {
		s.entryLocks.Delete(id)
	}
}

func (s *AecuService) fail(span trace.Span, op, p string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	return domain.NewError(op, p, err)
}
