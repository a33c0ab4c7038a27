package taskmanager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/notification"
	"github.com/sergiusz-x/automi/internal/protocol"
	"github.com/sergiusz-x/automi/internal/repositories"
)

// fakeLink simulates the agent registry: controllable online set, recorded
// sends, optional forced failure.
type fakeLink struct {
	mu      sync.Mutex
	online  map[string]bool
	sent    []*protocol.Envelope
	sendErr error
}

func newFakeLink(onlineIDs ...string) *fakeLink {
	online := make(map[string]bool, len(onlineIDs))
	for _, id := range onlineIDs {
		online[id] = true
	}
	return &fakeLink{online: online}
}

func (l *fakeLink) IsOnline(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online[agentID]
}

func (l *fakeLink) Send(agentID string, env *protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) setOnline(agentID string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online[agentID] = online
}

func (l *fakeLink) sentFrames() []*protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Envelope(nil), l.sent...)
}

func setupStore(t *testing.T) *repositories.Store {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "automi-test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return repositories.NewStore(gdb)
}

func setupManager(t *testing.T, link AgentLink) (*Manager, *repositories.Store) {
	t.Helper()
	store := setupStore(t)
	m := New(store, link, notification.NopNotifier{}, zap.NewNop())
	return m, store
}

func seedAgentAndTask(t *testing.T, store *repositories.Store, agentID, taskName string) *db.Task {
	t.Helper()
	ctx := context.Background()
	err := store.Agents.Create(ctx, &db.Agent{ID: agentID, AuthToken: "secret-token"})
	if err != nil && !errors.Is(err, repositories.ErrConflict) {
		t.Fatalf("create agent: %v", err)
	}
	task := &db.Task{
		Name:    taskName,
		Type:    db.InterpreterBash,
		Script:  "echo hi",
		AgentID: agentID,
		Enabled: true,
	}
	require.NoError(t, store.Tasks.Create(ctx, task))
	return task
}

func TestRunTaskDispatchesWhenAgentOnline(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	require.NoError(t, store.Assets.Upsert(ctx, &db.Asset{Key: "REGION", Value: "eu-central-1"}))

	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, 1, m.RunningCount())

	frames := link.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeExecuteTask, frames[0].Type)

	var payload protocol.ExecutePayload
	require.NoError(t, frames[0].DecodePayload(&payload))
	assert.Equal(t, task.ID.String(), payload.TaskID)
	assert.Equal(t, run.ID.String(), payload.RunID)
	assert.Equal(t, "echo hi", payload.Script)
	assert.Equal(t, map[string]string{"REGION": "eu-central-1"}, payload.Assets)
}

func TestRunTaskRejectsSecondActiveRun(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	_, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)

	_, err = m.RunTask(ctx, task.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestRunTaskConcurrentTriggersCreateOneRun(t *testing.T) {
	link := newFakeLink() // agent offline, so every run parks in the queue
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RunTask(ctx, task.ID, RunOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrRunActive):
				refused++
			default:
				t.Errorf("unexpected RunTask error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, refused)

	_, total, err := store.Runs.ListByTask(ctx, task.ID, repositories.ListOptions{Limit: workers})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "exactly one pending run may exist")
}

func TestRunTaskQueuesWhenAgentOffline(t *testing.T) {
	link := newFakeLink()
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-2", "task-2")

	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPending, run.Status)
	assert.Equal(t, 1, m.QueuedCount())
	assert.Empty(t, link.sentFrames())

	// Agent comes online: the queued run is dispatched.
	link.setOnline("agent-2", true)
	m.OnAgentConnect(ctx, "agent-2")

	assert.Equal(t, 0, m.QueuedCount())
	assert.Equal(t, 1, m.RunningCount())
	require.Len(t, link.sentFrames(), 1)

	got, err := store.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, got.Status)
}

func TestOnResultFinalizesRun(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)

	code := 0
	m.OnResult(ctx, "agent-1", &protocol.ResultPayload{
		TaskID:     task.ID.String(),
		RunID:      run.ID.String(),
		Status:     "success",
		ExitCode:   &code,
		Stdout:     "hi\n",
		DurationMs: 42,
	})

	got, err := store.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, got.Status)
	assert.Equal(t, "hi\n", got.Stdout)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.DurationMs)
	assert.EqualValues(t, 42, *got.DurationMs)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 0, m.RunningCount())
}

func TestOnResultWithNoMatchingRunIsDropped(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")

	// No run was ever started; the stray result must not create one.
	m.OnResult(ctx, "agent-1", &protocol.ResultPayload{
		TaskID: task.ID.String(),
		RunID:  "00000000-0000-0000-0000-000000000000",
		Status: "success",
	})

	runs, total, err := store.Runs.ListByTask(ctx, task.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, total)
}

func TestDownstreamTriggerOnSuccess(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	parent := seedAgentAndTask(t, store, "agent-1", "parent")
	successChild := seedAgentAndTask(t, store, "agent-1", "success-child")
	errorChild := seedAgentAndTask(t, store, "agent-1", "error-child")

	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: successChild.ID, Condition: db.TriggerOnSuccess,
	}))
	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: errorChild.ID, Condition: db.TriggerOnError,
	}))

	run, err := m.RunTask(ctx, parent.ID, RunOptions{})
	require.NoError(t, err)

	code := 0
	m.OnResult(ctx, "agent-1", &protocol.ResultPayload{
		TaskID:   parent.ID.String(),
		RunID:    run.ID.String(),
		Status:   "success",
		ExitCode: &code,
	})

	// The on:success child was auto-triggered and dispatched.
	successRuns, _, err := store.Runs.ListByTask(ctx, successChild.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, successRuns, 1)
	assert.Equal(t, db.RunStatusRunning, successRuns[0].Status)

	// The on:error child was not.
	errorRuns, _, err := store.Runs.ListByTask(ctx, errorChild.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, errorRuns)
}

func TestDownstreamTriggerOnError(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	parent := seedAgentAndTask(t, store, "agent-1", "parent")
	errorChild := seedAgentAndTask(t, store, "agent-1", "error-child")

	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: errorChild.ID, Condition: db.TriggerOnError,
	}))

	run, err := m.RunTask(ctx, parent.ID, RunOptions{})
	require.NoError(t, err)

	code := 1
	m.OnResult(ctx, "agent-1", &protocol.ResultPayload{
		TaskID:   parent.ID.String(),
		RunID:    run.ID.String(),
		Status:   "error",
		ExitCode: &code,
		Stderr:   "boom",
	})

	runs, _, err := store.Runs.ListByTask(ctx, errorChild.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusRunning, runs[0].Status)
}

func TestQueuedChildWaitsForParentRun(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	parent := seedAgentAndTask(t, store, "agent-1", "parent")
	child := seedAgentAndTask(t, store, "agent-1", "child")
	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: child.ID, Condition: db.TriggerOnSuccess,
	}))

	// Manual run of the child before the parent ever ran: the gate is closed,
	// so the run parks in the queue even though the agent is online.
	childRun, err := m.RunTask(ctx, child.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPending, childRun.Status)
	assert.Equal(t, 1, m.QueuedCount())

	// Parent succeeds: the completion rescan opens the gate.
	parentRun, err := m.RunTask(ctx, parent.ID, RunOptions{})
	require.NoError(t, err)
	code := 0
	m.OnResult(ctx, "agent-1", &protocol.ResultPayload{
		TaskID:   parent.ID.String(),
		RunID:    parentRun.ID.String(),
		Status:   "success",
		ExitCode: &code,
	})

	assert.Equal(t, 0, m.QueuedCount())
	got, err := store.Runs.GetByID(ctx, childRun.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, got.Status)
}

func TestCancelTask(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "long-task")

	assert.False(t, m.CancelTask(ctx, task.ID), "cancel with nothing running is a no-op")

	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)

	assert.True(t, m.CancelTask(ctx, task.ID))

	frames := link.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeCancelTask, frames[1].Type)

	got, err := store.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.Stderr)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 143, *got.ExitCode)
	assert.Equal(t, 0, m.RunningCount())
}

func TestCancelledRunDoesNotFireErrorEdges(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	parent := seedAgentAndTask(t, store, "agent-1", "parent")
	errorChild := seedAgentAndTask(t, store, "agent-1", "error-child")
	alwaysChild := seedAgentAndTask(t, store, "agent-1", "always-child")
	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: errorChild.ID, Condition: db.TriggerOnError,
	}))
	require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
		ParentID: parent.ID, ChildID: alwaysChild.ID, Condition: db.TriggerAlways,
	}))

	_, err := m.RunTask(ctx, parent.ID, RunOptions{})
	require.NoError(t, err)
	require.True(t, m.CancelTask(ctx, parent.ID))

	errorRuns, _, err := store.Runs.ListByTask(ctx, errorChild.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, errorRuns)

	alwaysRuns, _, err := store.Runs.ListByTask(ctx, alwaysChild.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, alwaysRuns, 1)
}

func TestOnAgentDisconnectFailsRunningRuns(t *testing.T) {
	link := newFakeLink("agent-1")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)

	m.OnAgentDisconnect(ctx, "agent-1")

	got, err := store.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusError, got.Status)
	assert.Equal(t, "agent disconnected", got.Stderr)
	assert.Equal(t, 0, m.RunningCount())
}

func TestReconcileMarksInterruptedRuns(t *testing.T) {
	link := newFakeLink()
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	started := time.Now().UTC().Add(-time.Minute)
	stale := &db.TaskRun{
		TaskID:    task.ID,
		AgentID:   "agent-1",
		Status:    db.RunStatusRunning,
		StartedAt: &started,
	}
	require.NoError(t, store.Runs.Create(ctx, stale))

	require.NoError(t, m.Reconcile(ctx))

	got, err := store.Runs.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusError, got.Status)
	assert.Equal(t, "interrupted by controller restart", got.Stderr)
	require.NotNil(t, got.FinishedAt)
}

func TestDispatchSendFailureFailsRun(t *testing.T) {
	link := newFakeLink("agent-1")
	link.sendErr = errors.New("connection reset")
	m, store := setupManager(t, link)
	ctx := context.Background()

	task := seedAgentAndTask(t, store, "agent-1", "task-1")
	run, err := m.RunTask(ctx, task.ID, RunOptions{})
	require.NoError(t, err)

	got, err := store.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusError, got.Status)
	assert.Contains(t, got.Stderr, "failed to deliver task to agent")
	assert.Equal(t, 0, m.RunningCount())
}
