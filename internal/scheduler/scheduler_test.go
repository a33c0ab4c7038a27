package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/taskmanager"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (r *fakeRunner) RunTask(ctx context.Context, taskID uuid.UUID, opts taskmanager.RunOptions) (*db.TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, taskID)
	return &db.TaskRun{TaskID: taskID, Status: db.RunStatusPending}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type fakeSource struct {
	tasks []db.Task
}

func (s *fakeSource) ListScheduled(ctx context.Context) ([]db.Task, error) {
	return s.tasks, nil
}

func newTask(name, schedule string, enabled bool) db.Task {
	id, _ := uuid.NewV7()
	t := db.Task{
		Name:     name,
		Type:     db.InterpreterBash,
		Script:   "true",
		AgentID:  "worker-01",
		Schedule: schedule,
		Enabled:  enabled,
	}
	t.ID = id
	return t
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("0 3 * * 1-5"))
	assert.NoError(t, ValidateSchedule("0 0 * * 7"), "day-of-week 7 is Sunday")
	assert.NoError(t, ValidateSchedule("0 0 * * 5-7"))
	assert.NoError(t, ValidateSchedule("0 0 * * 1,7"))
	assert.Error(t, ValidateSchedule("not a cron"))
	assert.Error(t, ValidateSchedule("* * * *"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
	assert.Error(t, ValidateSchedule("0 0 * * 8"))
}

func TestNormalizeSchedule(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0 0 * * 7", "0 0 * * 0"},
		{"0 0 * * 1,7", "0 0 * * 1,0"},
		{"0 0 * * 5-7", "0 0 * * 5-6,0"},
		{"0 0 * * 7-3", "0 0 * * 0-3"},
		{"0 0 * * 1-7/2", "0 0 * * 1-6/2,0"},
		{"0 0 * * 6-7/2", "0 0 * * 6-6/2"},
		{"0 0 * * 7-7", "0 0 * * 0"},
		{"0 0 * * 1-6", "0 0 * * 1-6"},
		{"* * * * *", "* * * * *"},
		{"0 7 * * 1", "0 7 * * 1"},   // 7 outside day-of-week untouched
		{"0 0 * * 8", "0 0 * * 8"},   // out of range, parser reports it
		{"not a cron", "not a cron"}, // malformed, parser reports it
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeSchedule(tc.in))
		})
	}
}

func TestTaskSavedAcceptsSundayAsSeven(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(&fakeSource{}, runner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	task := newTask("weekly-report", "0 0 * * 7", true)
	s.TaskSaved(&task)
	assert.Len(t, s.cron.Jobs(), 1)
}

func TestStartInstallsTimersAndSkipsInvalid(t *testing.T) {
	runner := &fakeRunner{}
	source := &fakeSource{tasks: []db.Task{
		newTask("good", "0 3 * * *", true),
		newTask("broken", "99 99 * * *", true),
	}}

	s, err := New(source, runner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	jobs := s.cron.Jobs()
	assert.Len(t, jobs, 1)
}

func TestTaskSavedReplacesTimer(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(&fakeSource{}, runner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	task := newTask("nightly", "0 3 * * *", true)
	s.TaskSaved(&task)
	assert.Len(t, s.cron.Jobs(), 1)

	// Saving again must not leave two timers for the same task.
	task.Schedule = "30 4 * * *"
	s.TaskSaved(&task)
	assert.Len(t, s.cron.Jobs(), 1)

	// Disabling drops the timer.
	task.Enabled = false
	s.TaskSaved(&task)
	assert.Empty(t, s.cron.Jobs())

	// Re-enabling without a schedule keeps it off.
	task.Enabled = true
	task.Schedule = ""
	s.TaskSaved(&task)
	assert.Empty(t, s.cron.Jobs())
}

func TestTaskDeletedDropsTimer(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(&fakeSource{}, runner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	task := newTask("nightly", "0 3 * * *", true)
	s.TaskSaved(&task)
	require.Len(t, s.cron.Jobs(), 1)

	s.TaskDeleted(task.ID)
	assert.Empty(t, s.cron.Jobs())
}

func TestTimerFiresRunTask(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(&fakeSource{}, runner, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	task := newTask("every-minute", "* * * * *", true)
	s.TaskSaved(&task)

	job := s.cron.Jobs()[0]
	require.NoError(t, job.RunNow())

	require.Eventually(t, func() bool {
		return runner.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
