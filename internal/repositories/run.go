package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sergiusz-x/automi/internal/db"
)

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(gdb *gorm.DB) RunRepository {
	return &gormRunRepository{db: gdb}
}

// Create inserts a new run record.
func (r *gormRunRepository) Create(ctx context.Context, run *db.TaskRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return translateError("runs: create", err)
	}
	return nil
}

// GetByID retrieves a run by its UUID.
func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskRun, error) {
	var run db.TaskRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, translateError("runs: get by id", err)
	}
	return &run, nil
}

// Update persists all fields of an existing run record.
func (r *gormRunRepository) Update(ctx context.Context, run *db.TaskRun) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return translateError("runs: update", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of runs and the total count, newest first.
func (r *gormRunRepository) List(ctx context.Context, opts ListOptions) ([]db.TaskRun, int64, error) {
	var runs []db.TaskRun
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.TaskRun{}).Count(&total).Error; err != nil {
		return nil, 0, translateError("runs: list count", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, translateError("runs: list", err)
	}

	return runs, total, nil
}

// ListByTask returns a paginated run history for one task, newest first.
func (r *gormRunRepository) ListByTask(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]db.TaskRun, int64, error) {
	var runs []db.TaskRun
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.TaskRun{}).
		Where("task_id = ?", taskID).
		Count(&total).Error; err != nil {
		return nil, 0, translateError("runs: list by task count", err)
	}

	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, translateError("runs: list by task", err)
	}

	return runs, total, nil
}

// LatestByTask returns the most recent run of a task, or ErrNotFound when the
// task has never run. UUIDv7 primary keys are time-ordered, but created_at is
// the documented ordering so the query sorts on it explicitly.
func (r *gormRunRepository) LatestByTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRun, error) {
	var run db.TaskRun
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&run).Error; err != nil {
		return nil, translateError("runs: latest by task", err)
	}
	return &run, nil
}

// ListByStatus returns every run currently in the given status.
func (r *gormRunRepository) ListByStatus(ctx context.Context, status string) ([]db.TaskRun, error) {
	var runs []db.TaskRun
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Find(&runs).Error; err != nil {
		return nil, translateError("runs: list by status", err)
	}
	return runs, nil
}

// HasActiveRun reports whether a pending or running run exists for the task.
func (r *gormRunRepository) HasActiveRun(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.TaskRun{}).
		Where("task_id = ? AND status IN ?", taskID, []string{db.RunStatusPending, db.RunStatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, translateError("runs: has active run", err)
	}
	return count > 0, nil
}
