// workers/scheduler.go
package workers

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/services"
)

// Lifecycle is the periodic quest status sweep.
type Lifecycle interface {
	Tick(ctx context.Context) (services.TickReport, error)
}

// Matcher groups pending meetup check-ins.
type Matcher interface {
	MatchAll(ctx context.Context) (int, error)
}

// Scheduler runs the lifecycle sweep and the meetup matcher on fixed
// intervals. A run still in progress when the next one is due is skipped.
type Scheduler struct {
	sched  gocron.Scheduler
	logger zerolog.Logger
}

type ScheduleConfig struct {
	LifecycleInterval time.Duration
	MeetupInterval    time.Duration
}

func NewScheduler(ctx context.Context, lifecycle Lifecycle, matcher Matcher, cfg ScheduleConfig, logger zerolog.Logger) (*Scheduler, error) {
	log := logger.With().Str("component", "scheduler").Logger()
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}

	s := &Scheduler{sched: sched, logger: log}

	// Every interval: activate due quests, expire overdue ones
	if err := s.add("quest_lifecycle", cfg.LifecycleInterval, func() {
		report, err := lifecycle.Tick(ctx)
		if err != nil {
			log.Error().Err(err).Msg("[Scheduler] lifecycle tick failed")
		}
		if report.Activated+report.Expired+report.ExpiredScheduled > 0 {
			log.Info().
				Int("activated", report.Activated).
				Int("expired", report.Expired).
				Int("expired_scheduled", report.ExpiredScheduled).
				Int("notified", report.Notified).
				Msg("✅ lifecycle tick")
		}
	}); err != nil {
		return nil, err
	}

	if err := s.add("meetup_matcher", cfg.MeetupInterval, func() {
		matched, err := matcher.MatchAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("[Scheduler] meetup matching failed")
		}
		if matched > 0 {
			log.Info().Int("meetups", matched).Msg("✅ meetups recorded")
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, task func()) error {
	if every <= 0 {
		s.logger.Warn().Str("job", name).Msg("⚠️ interval not positive, job disabled")
		return nil
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to schedule %s", name)
	}
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	var names []string
	for _, j := range s.sched.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info().Strs("jobs", s.Jobs()).Msg("🔁 scheduler started")
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
