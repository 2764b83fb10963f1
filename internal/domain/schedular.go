package domain

import (
	"context"
	"time"
)

// ScheduleAction defines what a schedule triggers.
type ScheduleAction string

const (
	ScheduleActionRun   ScheduleAction = "run"
	ScheduleActionPurge ScheduleAction = "purge"
)

// Schedule is a cron-triggered AECU action.
type Schedule struct {
	Name      string         `json:"name"`
	CronExpr  string         `json:"cron_expr"`
	Action    ScheduleAction `json:"action"`
	Path      string         `json:"path,omitempty"`      // for run schedules
	Retention time.Duration  `json:"retention,omitempty"` // for purge schedules
}

// Runner is what scheduled actions call into.
type Runner interface {
	RunPath(ctx context.Context, p string) (*HistoryEntry, error)
	PurgeHistory(ctx context.Context, olderThan time.Time) (int, error)
}

type Schedular interface {
	Start(ctx context.Context) error
	Stop()

	AddSchedule(schedule *Schedule) error
	RemoveSchedule(name string) error
}
