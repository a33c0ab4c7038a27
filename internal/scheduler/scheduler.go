// Package scheduler turns task cron expressions into timed triggers for the
// task manager. It wraps gocron and reacts to task mutations through the
// repository change hook, so timers follow task create/update/delete without
// polling.
//
// Each scheduled task maps to exactly one gocron job, identified by the task
// UUID tag. Jobs run in singleton mode: if a task's previous trigger is still
// being processed when the next tick fires, the new one is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/taskmanager"
)

// cronParser validates 5-field cron expressions the same way the underlying
// scheduler interprets them.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule reports whether expr is a well-formed 5-field cron
// expression. Empty expressions are valid and mean "no schedule".
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(normalizeSchedule(expr)); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// normalizeSchedule rewrites day-of-week 7 to 0. Both mean Sunday in
// Vixie-style cron, but the underlying parser only accepts 0-6, so ranges
// and steps that include day 7 become an equivalent list ending in 0.
func normalizeSchedule(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 || !strings.Contains(fields[4], "7") {
		return expr
	}

	items := strings.Split(fields[4], ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, normalizeDow(item)...)
	}
	fields[4] = strings.Join(out, ",")
	return strings.Join(fields, " ")
}

// normalizeDow rewrites one comma-separated day-of-week item. Items that do
// not involve day 7 pass through untouched; malformed ones are left for the
// parser to report.
func normalizeDow(item string) []string {
	body, step, hasStep := strings.Cut(item, "/")
	if body == "7" {
		// A step anchored at the last day can only ever hit that day.
		return []string{"0"}
	}

	lo, hi, isRange := strings.Cut(body, "-")
	if !isRange {
		return []string{item}
	}
	start, err := strconv.Atoi(lo)
	if err != nil || start < 0 || start > 7 {
		return []string{item}
	}
	if lo == "7" {
		lo = "0"
	}
	if hi != "7" {
		if hasStep {
			return []string{lo + "-" + hi + "/" + step}
		}
		return []string{lo + "-" + hi}
	}

	// Range ending at 7: truncate to 6 and append Sunday when the step
	// lands on day 7.
	n := 1
	if hasStep {
		if n, err = strconv.Atoi(step); err != nil || n <= 0 {
			return []string{item}
		}
	}
	var parts []string
	if start <= 6 {
		r := lo + "-6"
		if hasStep {
			r += "/" + step
		}
		parts = append(parts, r)
	}
	if (7-start)%n == 0 {
		parts = append(parts, "0")
	}
	return parts
}

// TaskRunner is the slice of the task manager the scheduler needs.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID uuid.UUID, opts taskmanager.RunOptions) (*db.TaskRun, error)
}

// TaskSource loads the scheduled tasks at startup.
type TaskSource interface {
	ListScheduled(ctx context.Context) ([]db.Task, error)
}

// Scheduler wraps gocron and keeps one timer per scheduled task.
// The zero value is not usable — create instances with New.
//
// Scheduler implements repositories.TaskChangeHook; install it with
// store.Tasks.SetChangeHook so mutations reach it.
type Scheduler struct {
	cron   gocron.Scheduler
	tasks  TaskSource
	runner TaskRunner
	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(tasks TaskSource, runner TaskRunner, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		tasks:  tasks,
		runner: runner,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start loads every enabled task with a cron expression, installs its timer,
// and starts the underlying gocron scheduler. Invalid expressions are logged
// and skipped so one bad task cannot block startup.
func (s *Scheduler) Start(ctx context.Context) error {
	scheduled, err := s.tasks.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: failed to load scheduled tasks: %w", err)
	}

	installed := 0
	for i := range scheduled {
		task := &scheduled[i]
		if err := s.addTimer(task); err != nil {
			s.logger.Error("failed to schedule task",
				zap.String("task_id", task.ID.String()),
				zap.String("task", task.Name),
				zap.String("schedule", task.Schedule),
				zap.Error(err),
			)
			continue
		}
		installed++
	}

	s.logger.Info("scheduler started", zap.Int("tasks_scheduled", installed))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for any
// currently running trigger functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// TaskSaved installs or replaces the timer for a created or updated task.
// Disabled tasks and tasks without a schedule lose their timer.
// Implements repositories.TaskChangeHook.
func (s *Scheduler) TaskSaved(task *db.Task) {
	s.cron.RemoveByTags(task.ID.String())

	if !task.Enabled || task.Schedule == "" {
		s.logger.Debug("task has no active schedule, timer removed",
			zap.String("task", task.Name),
		)
		return
	}

	if err := s.addTimer(task); err != nil {
		s.logger.Error("failed to reschedule task",
			zap.String("task", task.Name),
			zap.String("schedule", task.Schedule),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("task scheduled",
		zap.String("task", task.Name),
		zap.String("schedule", task.Schedule),
	)
}

// TaskDeleted drops the timer of a deleted task.
// Implements repositories.TaskChangeHook.
func (s *Scheduler) TaskDeleted(taskID uuid.UUID) {
	s.cron.RemoveByTags(taskID.String())
	s.logger.Info("task removed from scheduler", zap.String("task_id", taskID.String()))
}

// addTimer registers a single task as a gocron job with singleton mode.
// The task UUID is used as the gocron tag for later identification.
func (s *Scheduler) addTimer(task *db.Task) error {
	if err := ValidateSchedule(task.Schedule); err != nil {
		return err
	}

	taskID := task.ID
	name := task.Name
	_, err := s.cron.NewJob(
		gocron.CronJob(normalizeSchedule(task.Schedule), false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if _, err := s.runner.RunTask(ctx, taskID, taskmanager.RunOptions{}); err != nil {
				if errors.Is(err, taskmanager.ErrRunActive) {
					s.logger.Info("scheduled tick skipped, previous run still active",
						zap.String("task", name),
					)
					return
				}
				s.logger.Error("scheduled run failed",
					zap.String("task", name),
					zap.Error(err),
				)
			}
		}),
		gocron.WithTags(taskID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for task %s (schedule: %q): %w",
			task.Name, task.Schedule, err)
	}
	return nil
}
