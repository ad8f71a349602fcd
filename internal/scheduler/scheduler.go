// Package scheduler fires the recurring platform jobs on cron slots.
// Every firing is gated by a database claim so that exactly one replica
// runs each slot.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/database"
)

// Job names match the rows seeded in scheduled_jobs.
const (
	JobGeneration = "strategy.generation"
	JobSnapshot   = "goal.snapshot"
	JobActivation = "strategy.activation"
)

// Engine is the slice of the orchestrator the scheduler drives.
type Engine interface {
	RunGeneration(ctx context.Context) error
	DrainBacktests(ctx context.Context) error
	RunActivation(ctx context.Context, trigger string) error
}

// GoalSnapshotter runs the daily goal evaluation.
type GoalSnapshotter interface {
	Snapshot(ctx context.Context, environment string) error
}

// jobSpec binds a cron slot to its claim interval and work function.
type jobSpec struct {
	name        string
	cronSpec    string
	minInterval time.Duration
	run         func(ctx context.Context) error
}

// Scheduler owns the cron loop for one process.
type Scheduler struct {
	repo   *database.Repository
	cron   *cron.Cron
	jobs   []jobSpec
	runner string
	logger zerolog.Logger
}

// New builds the scheduler with the standard job table: generation at
// 03:00 UTC, goal snapshot at 23:59 UTC, activation review every 4h.
func New(repo *database.Repository, engine Engine, goals GoalSnapshotter, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		runner: runnerID(),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}

	s.jobs = []jobSpec{
		{
			name:        JobGeneration,
			cronSpec:    "0 3 * * *",
			minInterval: 20 * time.Hour,
			run: func(ctx context.Context) error {
				if err := engine.RunGeneration(ctx); err != nil {
					return err
				}
				return engine.DrainBacktests(ctx)
			},
		},
		{
			name:        JobSnapshot,
			cronSpec:    "59 23 * * *",
			minInterval: 20 * time.Hour,
			run: func(ctx context.Context) error {
				return goals.Snapshot(ctx, database.EnvironmentLive)
			},
		},
		{
			name:        JobActivation,
			cronSpec:    "0 */4 * * *",
			minInterval: 3 * time.Hour,
			run: func(ctx context.Context) error {
				return engine.RunActivation(ctx, "scheduled")
			},
		},
	}
	return s
}

// Start registers the cron entries and runs the loop until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.cronSpec, func() { s.fire(ctx, job) }); err != nil {
			return fmt.Errorf("register job %s: %w", job.name, err)
		}
	}
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Str("runner", s.runner).Msg("scheduler started")

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

// fire claims the slot and runs the job when this replica wins.
func (s *Scheduler) fire(ctx context.Context, job jobSpec) {
	claimed, err := s.repo.ClaimScheduledJob(ctx, job.name, s.runner, job.minInterval)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.name).Msg("job claim failed")
		return
	}
	if !claimed {
		s.logger.Debug().Str("job", job.name).Msg("slot claimed by another replica")
		return
	}

	start := time.Now()
	if err := job.run(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", job.name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}
	s.logger.Info().Str("job", job.name).Dur("elapsed", time.Since(start)).Msg("job complete")
}

func runnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
