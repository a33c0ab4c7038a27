// Package repositories defines the persistence contract between the Automi
// core and its relational store, plus the GORM-backed implementations. The
// task manager, gateway, and scheduler only ever see these interfaces — the
// concrete store (SQLite or PostgreSQL) is wired once in cmd/server.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sergiusz-x/automi/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id string, status string, lastSeenAt time.Time) error

	// MarkAllOffline flips every online agent to offline in one statement.
	// Called once during graceful shutdown.
	MarkAllOffline(ctx context.Context) error

	// TouchLastSeen batch-updates last_seen_at for the given agent IDs.
	// Called by the gateway's 30 s status refresher.
	TouchLastSeen(ctx context.Context, ids []string, at time.Time) error

	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

// TaskChangeHook receives after-commit notifications about task mutations.
// The scheduler registers itself here so timers follow task create/update/
// delete without polling.
type TaskChangeHook interface {
	TaskSaved(task *db.Task)
	TaskDeleted(taskID uuid.UUID)
}

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)
	GetByName(ctx context.Context, name string) (*db.Task, error)
	Update(ctx context.Context, task *db.Task) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	ListByAgent(ctx context.Context, agentID string) ([]db.Task, error)

	// ListScheduled returns every enabled task with a non-empty cron
	// expression. The scheduler loads these at startup.
	ListScheduled(ctx context.Context) ([]db.Task, error)

	// SetChangeHook installs the after-commit mutation hook. At most one hook
	// is supported; installing replaces the previous one.
	SetChangeHook(hook TaskChangeHook)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *db.TaskRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.TaskRun, error)
	Update(ctx context.Context, run *db.TaskRun) error
	List(ctx context.Context, opts ListOptions) ([]db.TaskRun, int64, error)
	ListByTask(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]db.TaskRun, int64, error)

	// LatestByTask returns the most recent run of a task (by created_at),
	// or ErrNotFound if the task has never run. Dependency gating reads this.
	LatestByTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRun, error)

	// ListByStatus returns all runs currently in the given status.
	// Startup reconciliation scans status=running with this.
	ListByStatus(ctx context.Context, status string) ([]db.TaskRun, error)

	// HasActiveRun reports whether a run with status pending or running
	// exists for the task. Enforces the one-active-run-per-task invariant.
	HasActiveRun(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// -----------------------------------------------------------------------------
// DependencyRepository
// -----------------------------------------------------------------------------

type DependencyRepository interface {
	// Create inserts a parent → child edge after validating that parent and
	// child differ, the pair is unique, and the resulting graph stays acyclic
	// (DFS over the current edge list). Returns ErrSelfDependency, ErrConflict,
	// or ErrCycle on violation.
	Create(ctx context.Context, dep *db.TaskDependency) error

	Delete(ctx context.Context, parentID, childID uuid.UUID) error
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]db.TaskDependency, error)
	ListParents(ctx context.Context, childID uuid.UUID) ([]db.TaskDependency, error)
	ListAll(ctx context.Context) ([]db.TaskDependency, error)
}

// -----------------------------------------------------------------------------
// AssetRepository
// -----------------------------------------------------------------------------

type AssetRepository interface {
	Upsert(ctx context.Context, asset *db.Asset) error
	Get(ctx context.Context, key string) (*db.Asset, error)
	Delete(ctx context.Context, key string) error

	// Snapshot returns every asset as a key → value map. The task manager
	// attaches a fresh snapshot to each dispatch.
	Snapshot(ctx context.Context) (map[string]string, error)
}
