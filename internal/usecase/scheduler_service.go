package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// SchedulerService runs the configured schedules. With a leader election
// manager the schedules run only while this node is the leader.
type SchedulerService struct {
	leaderManager domain.LeaderElectionManager
	schedular     domain.Schedular
	schedules     []*domain.Schedule
	nodeID        string
	newBackOff    func() backoff.BackOff
	logger        *slog.Logger
}

// NewSchedulerService creates a scheduler service. leaderManager may be nil
// for a single node setup.
func NewSchedulerService(leaderManager domain.LeaderElectionManager, schedular domain.Schedular, schedules []*domain.Schedule, nodeID string, logger *slog.Logger) *SchedulerService {
	return &SchedulerService{
		leaderManager: leaderManager,
		schedular:     schedular,
		schedules:     schedules,
		nodeID:        nodeID,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logger.With("component", "scheduler-service", "node_id", nodeID),
	}
}

// Start blocks until ctx is done.
func (s *SchedulerService) Start(ctx context.Context) error {
	for _, schedule := range s.schedules {
		if err := s.schedular.AddSchedule(schedule); err != nil {
			return fmt.Errorf("failed to add schedule %s: %w", schedule.Name, err)
		}
	}
	s.logger.Info("scheduler service starting", "schedules", len(s.schedules))

	if s.leaderManager == nil {
		return s.schedular.Start(ctx)
	}

	for {
		var lost <-chan struct{}
		campaign := func() error {
			s.logger.Info("campaigning for leadership")
			ch, err := s.leaderManager.Campaign(ctx)
			if err != nil {
				return err
			}
			lost = ch
			return nil
		}
		notify := func(err error, next time.Duration) {
			s.logger.Warn("leadership campaign failed", "error", err, "retry_in", next)
		}
		if err := backoff.RetryNotify(campaign, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("scheduler service shutting down")
				return ctx.Err()
			}
			return fmt.Errorf("failed to campaign for leadership: %w", err)
		}

		s.logger.Info("became leader, starting scheduler")
		termCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.schedular.Start(termCtx) }()

		select {
		case <-lost:
			s.logger.Warn("leadership lost, stopping scheduler")
			cancel()
			s.wait(done)
		case err := <-done:
			cancel()
			s.resign()
			return err
		case <-ctx.Done():
			cancel()
			s.wait(done)
			s.resign()
			s.logger.Info("scheduler service shutting down")
			return ctx.Err()
		}
	}
}

func (s *SchedulerService) wait(done <-chan error) {
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduler stopped with error", "error", err)
	}
}

func (s *SchedulerService) resign() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leaderManager.Resign(ctx); err != nil {
		s.logger.Error("failed to resign leadership", "error", err)
	}
}
