package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"mailflow/internal/domain"
	"mailflow/internal/store"
)

// Service turns due newsletter schedules into tasks. The idempotency
// key is derived from the schedule and its due time, so a scheduler
// that crashes after enqueueing and re-processes the same tick cannot
// double-create the trigger.
type Service struct {
	repo     store.Repository
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo store.Repository, checkInterval time.Duration) *Service {
	return &Service{repo: repo, stop: make(chan struct{}), interval: checkInterval}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("trigger scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	key := TriggerKey(schedule.ID, schedule.NextRun)
	task, err := s.repo.CreateTask(ctx, schedule.TenantID, key, schedule.Payload)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to create trigger task")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", task.ID).
		Time("next_run", nextRun).
		Msg("newsletter trigger created")

	return nil
}

// TriggerKey is the idempotency key for one scheduled firing.
func TriggerKey(scheduleID string, due time.Time) string {
	return fmt.Sprintf("%s@%s", scheduleID, due.UTC().Format(time.RFC3339))
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
