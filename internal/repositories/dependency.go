package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sergiusz-x/automi/internal/db"
)

// gormDependencyRepository is the GORM implementation of DependencyRepository.
type gormDependencyRepository struct {
	db *gorm.DB
}

// NewDependencyRepository returns a DependencyRepository backed by the
// provided *gorm.DB.
func NewDependencyRepository(gdb *gorm.DB) DependencyRepository {
	return &gormDependencyRepository{db: gdb}
}

// Create inserts a parent → child edge. The edge is rejected when parent and
// child are the same task, when the pair already exists, or when adding it
// would close a cycle in the dependency graph.
func (r *gormDependencyRepository) Create(ctx context.Context, dep *db.TaskDependency) error {
	if dep.ParentID == dep.ChildID {
		return ErrSelfDependency
	}

	existing, err := r.ListAll(ctx)
	if err != nil {
		return err
	}
	if wouldCycle(existing, dep.ParentID, dep.ChildID) {
		return ErrCycle
	}

	if err := r.db.WithContext(ctx).Create(dep).Error; err != nil {
		return translateError("dependencies: create", err)
	}
	return nil
}

// wouldCycle reports whether adding parent → child creates a cycle. It walks
// the existing graph depth-first from child; reaching parent means the new
// edge would close a loop.
func wouldCycle(edges []db.TaskDependency, parentID, childID uuid.UUID) bool {
	children := make(map[uuid.UUID][]uuid.UUID, len(edges))
	for _, e := range edges {
		children[e.ParentID] = append(children[e.ParentID], e.ChildID)
	}

	visited := make(map[uuid.UUID]bool)
	stack := []uuid.UUID{childID}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == parentID {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, children[node]...)
	}
	return false
}

// Delete removes the parent → child edge.
func (r *gormDependencyRepository) Delete(ctx context.Context, parentID, childID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("parent_id = ? AND child_id = ?", parentID, childID).
		Delete(&db.TaskDependency{})
	if result.Error != nil {
		return translateError("dependencies: delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildren returns every edge whose parent is the given task.
func (r *gormDependencyRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Find(&deps).Error; err != nil {
		return nil, translateError("dependencies: list children", err)
	}
	return deps, nil
}

// ListParents returns every edge whose child is the given task.
func (r *gormDependencyRepository) ListParents(ctx context.Context, childID uuid.UUID) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).
		Where("child_id = ?", childID).
		Find(&deps).Error; err != nil {
		return nil, translateError("dependencies: list parents", err)
	}
	return deps, nil
}

// ListAll returns every dependency edge.
func (r *gormDependencyRepository) ListAll(ctx context.Context) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).Find(&deps).Error; err != nil {
		return nil, translateError("dependencies: list all", err)
	}
	return deps, nil
}
