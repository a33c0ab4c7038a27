package repositories

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sergiusz-x/automi/internal/db"
)

// setupStore opens a throwaway SQLite database with migrations applied.
func setupStore(t *testing.T) *Store {
	t.Helper()

	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "automi-test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close(gdb)
	})

	return NewStore(gdb)
}

func createTestAgent(t *testing.T, store *Store, id string) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		ID:        id,
		AuthToken: "secret-token-" + id,
		Status:    db.AgentStatusOffline,
	}
	require.NoError(t, store.Agents.Create(context.Background(), agent))
	return agent
}

func createTestTask(t *testing.T, store *Store, name, agentID string) *db.Task {
	t.Helper()
	task := &db.Task{
		Name:    name,
		Type:    db.InterpreterBash,
		Script:  "echo hello",
		AgentID: agentID,
		Enabled: true,
	}
	require.NoError(t, store.Tasks.Create(context.Background(), task))
	return task
}

func TestAgentRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		agent := createTestAgent(t, store, "worker-01")

		got, err := store.Agents.GetByID(ctx, "worker-01")
		require.NoError(t, err)
		assert.Equal(t, agent.AuthToken, got.AuthToken)
		assert.Equal(t, db.AgentStatusOffline, got.Status)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := store.Agents.GetByID(ctx, "no-such-agent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate id returns ErrConflict", func(t *testing.T) {
		err := store.Agents.Create(ctx, &db.Agent{ID: "worker-01", AuthToken: "another-token"})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("update status", func(t *testing.T) {
		now := time.Now().UTC()
		require.NoError(t, store.Agents.UpdateStatus(ctx, "worker-01", db.AgentStatusOnline, now))

		got, err := store.Agents.GetByID(ctx, "worker-01")
		require.NoError(t, err)
		assert.Equal(t, db.AgentStatusOnline, got.Status)
		require.NotNil(t, got.LastSeenAt)
	})

	t.Run("mark all offline", func(t *testing.T) {
		require.NoError(t, store.Agents.MarkAllOffline(ctx))

		got, err := store.Agents.GetByID(ctx, "worker-01")
		require.NoError(t, err)
		assert.Equal(t, db.AgentStatusOffline, got.Status)
	})

	t.Run("delete", func(t *testing.T) {
		createTestAgent(t, store, "worker-02")
		require.NoError(t, store.Agents.Delete(ctx, "worker-02"))
		assert.ErrorIs(t, store.Agents.Delete(ctx, "worker-02"), ErrNotFound)
	})
}

type recordingHook struct {
	saved   []uuid.UUID
	deleted []uuid.UUID
}

func (h *recordingHook) TaskSaved(task *db.Task)      { h.saved = append(h.saved, task.ID) }
func (h *recordingHook) TaskDeleted(taskID uuid.UUID) { h.deleted = append(h.deleted, taskID) }

func TestTaskRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createTestAgent(t, store, "worker-01")

	hook := &recordingHook{}
	store.Tasks.SetChangeHook(hook)

	t.Run("create fires hook", func(t *testing.T) {
		task := createTestTask(t, store, "nightly-backup", "worker-01")
		require.Len(t, hook.saved, 1)
		assert.Equal(t, task.ID, hook.saved[0])
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := store.Tasks.GetByName(ctx, "nightly-backup")
		require.NoError(t, err)
		assert.Equal(t, "echo hello", got.Script)

		_, err = store.Tasks.GetByName(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate name returns ErrConflict", func(t *testing.T) {
		err := store.Tasks.Create(ctx, &db.Task{
			Name:    "nightly-backup",
			Type:    db.InterpreterBash,
			Script:  "true",
			AgentID: "worker-01",
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("update fires hook", func(t *testing.T) {
		task, err := store.Tasks.GetByName(ctx, "nightly-backup")
		require.NoError(t, err)
		task.Schedule = "0 3 * * *"
		require.NoError(t, store.Tasks.Update(ctx, task))
		assert.Len(t, hook.saved, 2)
	})

	t.Run("list scheduled skips disabled and empty schedules", func(t *testing.T) {
		disabled := &db.Task{
			Name: "disabled-task", Type: db.InterpreterBash,
			Script: "true", AgentID: "worker-01", Schedule: "* * * * *", Enabled: false,
		}
		require.NoError(t, store.Tasks.Create(ctx, disabled))
		manual := &db.Task{
			Name: "manual-task", Type: db.InterpreterBash,
			Script: "true", AgentID: "worker-01", Enabled: true,
		}
		require.NoError(t, store.Tasks.Create(ctx, manual))

		scheduled, err := store.Tasks.ListScheduled(ctx)
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, "nightly-backup", scheduled[0].Name)
	})

	t.Run("delete fires hook", func(t *testing.T) {
		task, err := store.Tasks.GetByName(ctx, "manual-task")
		require.NoError(t, err)
		require.NoError(t, store.Tasks.Delete(ctx, task.ID))
		require.Len(t, hook.deleted, 1)
		assert.Equal(t, task.ID, hook.deleted[0])
	})

	t.Run("hook carried into transaction", func(t *testing.T) {
		before := len(hook.saved)
		err := store.Transaction(ctx, func(tx *Store) error {
			return tx.Tasks.Create(ctx, &db.Task{
				Name: "tx-task", Type: db.InterpreterPython,
				Script: "print('x')", AgentID: "worker-01", Enabled: true,
			})
		})
		require.NoError(t, err)
		assert.Len(t, hook.saved, before+1)
	})
}

func TestRunRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createTestAgent(t, store, "worker-01")
	task := createTestTask(t, store, "run-history", "worker-01")

	t.Run("latest with no runs returns ErrNotFound", func(t *testing.T) {
		_, err := store.Runs.LatestByTask(ctx, task.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("has active run", func(t *testing.T) {
		active, err := store.Runs.HasActiveRun(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, active)

		run := &db.TaskRun{TaskID: task.ID, AgentID: "worker-01", Status: db.RunStatusPending}
		require.NoError(t, store.Runs.Create(ctx, run))

		active, err = store.Runs.HasActiveRun(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, active)

		run.Status = db.RunStatusSuccess
		require.NoError(t, store.Runs.Update(ctx, run))

		active, err = store.Runs.HasActiveRun(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("latest returns the newest run", func(t *testing.T) {
		second := &db.TaskRun{TaskID: task.ID, AgentID: "worker-01", Status: db.RunStatusError}
		// created_at drives the ordering, so the second run must be newer.
		second.CreatedAt = time.Now().Add(time.Second)
		require.NoError(t, store.Runs.Create(ctx, second))

		latest, err := store.Runs.LatestByTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, db.RunStatusError, latest.Status)
	})

	t.Run("list by status", func(t *testing.T) {
		runs, err := store.Runs.ListByStatus(ctx, db.RunStatusError)
		require.NoError(t, err)
		require.Len(t, runs, 1)
	})

	t.Run("list by task paginates newest first", func(t *testing.T) {
		runs, total, err := store.Runs.ListByTask(ctx, task.ID, ListOptions{Limit: 1})
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		require.Len(t, runs, 1)
		assert.Equal(t, db.RunStatusError, runs[0].Status)
	})
}

func TestDependencyRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createTestAgent(t, store, "worker-01")

	a := createTestTask(t, store, "task-a", "worker-01")
	b := createTestTask(t, store, "task-b", "worker-01")
	c := createTestTask(t, store, "task-c", "worker-01")

	t.Run("self dependency rejected", func(t *testing.T) {
		err := store.Dependencies.Create(ctx, &db.TaskDependency{
			ParentID: a.ID, ChildID: a.ID, Condition: db.TriggerAlways,
		})
		assert.ErrorIs(t, err, ErrSelfDependency)
	})

	t.Run("chain accepted", func(t *testing.T) {
		require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
			ParentID: a.ID, ChildID: b.ID, Condition: db.TriggerOnSuccess,
		}))
		require.NoError(t, store.Dependencies.Create(ctx, &db.TaskDependency{
			ParentID: b.ID, ChildID: c.ID, Condition: db.TriggerAlways,
		}))
	})

	t.Run("duplicate edge rejected", func(t *testing.T) {
		err := store.Dependencies.Create(ctx, &db.TaskDependency{
			ParentID: a.ID, ChildID: b.ID, Condition: db.TriggerAlways,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("cycle rejected", func(t *testing.T) {
		// a → b → c already exists; c → a would close the loop.
		err := store.Dependencies.Create(ctx, &db.TaskDependency{
			ParentID: c.ID, ChildID: a.ID, Condition: db.TriggerAlways,
		})
		assert.ErrorIs(t, err, ErrCycle)
	})

	t.Run("list children and parents", func(t *testing.T) {
		children, err := store.Dependencies.ListChildren(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, b.ID, children[0].ChildID)
		assert.Equal(t, db.TriggerOnSuccess, children[0].Condition)

		parents, err := store.Dependencies.ListParents(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, parents, 1)
		assert.Equal(t, b.ID, parents[0].ParentID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Dependencies.Delete(ctx, b.ID, c.ID))
		assert.ErrorIs(t, store.Dependencies.Delete(ctx, b.ID, c.ID), ErrNotFound)
	})
}

func TestFieldValidation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createTestAgent(t, store, "worker-01")

	t.Run("agents", func(t *testing.T) {
		cases := []struct {
			name  string
			agent db.Agent
		}{
			{"id too short", db.Agent{ID: "ab", AuthToken: "secret-token"}},
			{"id too long", db.Agent{ID: strings.Repeat("a", 60), AuthToken: "secret-token"}},
			{"id bad charset", db.Agent{ID: "worker 01", AuthToken: "secret-token"}},
			{"token too short", db.Agent{ID: "worker-99", AuthToken: "short"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				assert.ErrorIs(t, store.Agents.Create(ctx, &tc.agent), ErrInvalid)
			})
		}
	})

	t.Run("tasks", func(t *testing.T) {
		valid := func() db.Task {
			return db.Task{Name: "valid-task", Type: db.InterpreterBash, Script: "true", AgentID: "worker-01"}
		}
		cases := []struct {
			name   string
			mutate func(*db.Task)
		}{
			{"name too short", func(task *db.Task) { task.Name = "ab" }},
			{"name too long", func(task *db.Task) { task.Name = strings.Repeat("x", 60) }},
			{"name bad charset", func(task *db.Task) { task.Name = "has spaces" }},
			{"unknown interpreter", func(task *db.Task) { task.Type = "ruby" }},
			{"empty script", func(task *db.Task) { task.Script = "" }},
			{"oversized script", func(task *db.Task) { task.Script = strings.Repeat("#", 100<<10+1) }},
			{"bad agent id", func(task *db.Task) { task.AgentID = "!" }},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				task := valid()
				tc.mutate(&task)
				assert.ErrorIs(t, store.Tasks.Create(ctx, &task), ErrInvalid)
			})
		}

		// A script at exactly the limit is still accepted.
		atLimit := valid()
		atLimit.Script = strings.Repeat("#", 100<<10)
		require.NoError(t, store.Tasks.Create(ctx, &atLimit))

		// Update re-checks the same invariants.
		task, err := store.Tasks.GetByName(ctx, "valid-task")
		require.NoError(t, err)
		task.Name = "x"
		assert.ErrorIs(t, store.Tasks.Update(ctx, task), ErrInvalid)
	})

	t.Run("assets", func(t *testing.T) {
		assert.ErrorIs(t, store.Assets.Upsert(ctx, &db.Asset{Key: "", Value: "v"}), ErrInvalid)
		assert.ErrorIs(t, store.Assets.Upsert(ctx, &db.Asset{Key: strings.Repeat("K", 51), Value: "v"}), ErrInvalid)
		assert.NoError(t, store.Assets.Upsert(ctx, &db.Asset{Key: strings.Repeat("K", 50), Value: "v"}))
	})
}

func TestAssetRepository(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("upsert inserts then overwrites", func(t *testing.T) {
		require.NoError(t, store.Assets.Upsert(ctx, &db.Asset{Key: "API_URL", Value: "https://old.example.com"}))
		require.NoError(t, store.Assets.Upsert(ctx, &db.Asset{Key: "API_URL", Value: "https://new.example.com"}))

		got, err := store.Assets.Get(ctx, "API_URL")
		require.NoError(t, err)
		assert.Equal(t, "https://new.example.com", got.Value)
	})

	t.Run("snapshot", func(t *testing.T) {
		require.NoError(t, store.Assets.Upsert(ctx, &db.Asset{Key: "REGION", Value: "eu-central-1"}))

		snap, err := store.Assets.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"API_URL": "https://new.example.com",
			"REGION":  "eu-central-1",
		}, snap)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Assets.Delete(ctx, "REGION"))
		_, err := store.Assets.Get(ctx, "REGION")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
