// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks the cron expression and the action arguments.
func ValidateSchedule(schedule *domain.Schedule) error {
	if schedule.Name == "" {
		return fmt.Errorf("schedule name cannot be empty")
	}
	if _, err := parser.Parse(schedule.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q for schedule %s: %w", schedule.CronExpr, schedule.Name, err)
	}
	switch schedule.Action {
	case domain.ScheduleActionRun:
		if schedule.Path == "" {
			return fmt.Errorf("schedule %s: run action requires a path", schedule.Name)
		}
	case domain.ScheduleActionPurge:
		if schedule.Retention <= 0 {
			return fmt.Errorf("schedule %s: purge action requires a positive retention", schedule.Name)
		}
	default:
		return fmt.Errorf("schedule %s: unknown action %q", schedule.Name, schedule.Action)
	}
	return nil
}

// cronScheduler triggers scheduled actions on the runner.
type cronScheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	runner    domain.Runner
	schedules map[string]cron.EntryID
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCronScheduler creates a scheduler whose actions call into runner. Cron
// expressions take an optional leading seconds field.
func NewCronScheduler(runner domain.Runner, logger *slog.Logger) domain.Schedular {
	logger = logger.With("component", "cron-scheduler")
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn)))),
	)
	return &cronScheduler{
		cron:      c,
		runner:    runner,
		schedules: make(map[string]cron.EntryID),
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("aecu-scheduler"),
	}
}

// Start runs the cron loop until ctx is done, then waits for running actions.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	s.Stop()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

func (s *cronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddSchedule adds a schedule, replacing one with the same name.
func (s *cronScheduler) AddSchedule(schedule *domain.Schedule) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.schedules[schedule.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronActionWrapper{
		schedule: *schedule,
		runner:   s.runner,
		now:      s.now,
		logger:   s.logger.With("schedule_name", schedule.Name),
		tracer:   s.tracer,
	}
	entryID, err := s.cron.AddJob(schedule.CronExpr, wrapper)
	if err != nil {
		s.logger.Error("failed to add schedule to cron", "schedule_name", schedule.Name, "error", err)
		return err
	}

	s.schedules[schedule.Name] = entryID
	s.logger.Info("added schedule", "schedule_name", schedule.Name, "cron", schedule.CronExpr, "action", schedule.Action)
	return nil
}

// RemoveSchedule removes a schedule. Unknown names are ignored.
func (s *cronScheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.schedules[name]; ok {
		s.cron.Remove(entryID)
		delete(s.schedules, name)
		s.logger.Info("removed schedule", "schedule_name", name)
	}
	return nil
}

type cronActionWrapper struct {
	schedule domain.Schedule
	runner   domain.Runner
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Run is called by the cron library.
func (w *cronActionWrapper) Run() {
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Run",
		trace.WithAttributes(
			attribute.String("schedule.name", w.schedule.Name),
			attribute.String("schedule.action", string(w.schedule.Action)),
		))
	defer span.End()

	var err error
	switch w.schedule.Action {
	case domain.ScheduleActionRun:
		w.logger.Info("running scheduled path", "script_path", w.schedule.Path)
		var entry *domain.HistoryEntry
		entry, err = w.runner.RunPath(ctx, w.schedule.Path)
		if entry != nil {
			w.logger.Info("scheduled run finished", "history_id", entry.ID, "result", entry.Result)
		}
	case domain.ScheduleActionPurge:
		var deleted int
		deleted, err = w.runner.PurgeHistory(ctx, w.now().Add(-w.schedule.Retention))
		w.logger.Info("scheduled purge finished", "deleted", deleted)
	}
	if err != nil {
		w.logger.Error("scheduled action failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scheduled action failed")
	}
}
