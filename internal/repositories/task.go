package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sergiusz-x/automi/internal/db"
)

// gormTaskRepository is the GORM implementation of TaskRepository.
// Mutations fire the registered TaskChangeHook after the statement succeeds
// so the scheduler can install or drop timers without polling.
type gormTaskRepository struct {
	db   *gorm.DB
	hook TaskChangeHook
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(gdb *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: gdb}
}

// SetChangeHook installs the after-commit mutation hook.
func (r *gormTaskRepository) SetChangeHook(hook TaskChangeHook) {
	r.hook = hook
}

// Create inserts a new task record and notifies the change hook.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return translateError("tasks: create", err)
	}
	if r.hook != nil {
		r.hook.TaskSaved(task)
	}
	return nil
}

// GetByID retrieves a task by its UUID.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translateError("tasks: get by id", err)
	}
	return &task, nil
}

// GetByName retrieves a task by its unique name.
func (r *gormTaskRepository) GetByName(ctx context.Context, name string) (*db.Task, error) {
	var task db.Task
	if err := r.db.WithContext(ctx).First(&task, "name = ?", name).Error; err != nil {
		return nil, translateError("tasks: get by name", err)
	}
	return &task, nil
}

// Update persists all fields of an existing task and notifies the change hook.
func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return translateError("tasks: update", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	if r.hook != nil {
		r.hook.TaskSaved(task)
	}
	return nil
}

// Delete removes a task and notifies the change hook so its timer is dropped.
func (r *gormTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id)
	if result.Error != nil {
		return translateError("tasks: delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	if r.hook != nil {
		r.hook.TaskDeleted(id)
	}
	return nil
}

// List returns a paginated list of tasks and the total count, ordered by name.
func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Task{}).Count(&total).Error; err != nil {
		return nil, 0, translateError("tasks: list count", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, translateError("tasks: list", err)
	}

	return tasks, total, nil
}

// ListByAgent returns every task targeting the given agent.
func (r *gormTaskRepository) ListByAgent(ctx context.Context, agentID string) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Find(&tasks).Error; err != nil {
		return nil, translateError("tasks: list by agent", err)
	}
	return tasks, nil
}

// ListScheduled returns every enabled task with a non-empty cron expression.
func (r *gormTaskRepository) ListScheduled(ctx context.Context) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND schedule <> ''", true).
		Find(&tasks).Error; err != nil {
		return nil, translateError("tasks: list scheduled", err)
	}
	return tasks, nil
}
