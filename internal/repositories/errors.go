package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for it explicitly
// using errors.Is to distinguish missing records from other database errors.
//
//	task, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example creating a task whose name is already taken.
var ErrConflict = errors.New("record already exists")

// ErrInvalid is returned when a record fails field validation before it
// reaches the database, for example a task name outside the allowed charset
// or an agent token that is too short.
var ErrInvalid = errors.New("record failed validation")

// ErrCycle is returned by DependencyRepository.Create when the new edge would
// make the dependency graph cyclic.
var ErrCycle = errors.New("dependency would create a cycle")

// ErrSelfDependency is returned when a dependency edge points a task at itself.
var ErrSelfDependency = errors.New("task cannot depend on itself")
