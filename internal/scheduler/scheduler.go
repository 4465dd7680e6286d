// Package scheduler submits builds on cron schedules from the
// configuration file.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildbot/internal/config"
	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/orchestrator"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// Submitter accepts build requests; satisfied by the orchestrator.
type Submitter interface {
	SubmitBuildRequest(branch, strategy, arg3 string, priority task.Priority) (*orchestrator.SubmitResult, error)
}

// Scheduler wraps gocron for managing scheduled build submissions.
type Scheduler struct {
	scheduler gocron.Scheduler
	submitter Submitter
}

// New creates a scheduler submitting to sub.
func New(sub Submitter) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, submitter: sub}, nil
}

// AddSchedules registers one cron job per configured schedule entry.
// Entries were validated at config load; an invalid cron expression still
// fails here.
func (s *Scheduler) AddSchedules(entries []config.ScheduleEntry) error {
	for i, entry := range entries {
		_, err := s.scheduler.NewJob(
			gocron.CronJob(entry.Cron, false),
			gocron.NewTask(s.submit, entry),
			gocron.WithName(fmt.Sprintf("schedule-%d-%s-%s", i, entry.Branch, entry.Strategy)),
		)
		if err != nil {
			return fmt.Errorf("schedules[%d] (%q): %w", i, entry.Cron, err)
		}
	}
	return nil
}

// Start begins running the registered schedules.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("Starting build scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping build scheduler")
	return s.scheduler.Shutdown()
}

// submit is called by gocron when a schedule fires. Scheduled submissions
// queue behind running work like any other request.
func (s *Scheduler) submit(entry config.ScheduleEntry) {
	priority, err := task.ParsePriority(entry.Priority)
	if err != nil {
		slog.Error("Scheduled build has invalid priority",
			logfields.Branch(entry.Branch), logfields.Error(err))
		return
	}

	res, err := s.submitter.SubmitBuildRequest(entry.Branch, entry.Strategy, entry.Arg3, priority)
	if err != nil {
		slog.Error("Failed to submit scheduled build",
			logfields.Branch(entry.Branch),
			logfields.Strategy(entry.Strategy),
			logfields.Error(err))
		return
	}

	slog.Info("Scheduled build submitted",
		logfields.TaskID(res.TaskID),
		logfields.Branch(entry.Branch),
		logfields.Strategy(entry.Strategy),
		slog.String("status", res.Status))
}
