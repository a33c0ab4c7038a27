package taskmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/repositories"
)

// gateSatisfied evaluates the dependency gate for a child task. The gate is
// satisfied iff every parent edge is: the parent has at least one run, and
// the latest run's status matches the edge condition. A parent that has never
// run blocks the gate regardless of condition.
//
// The graph is read outside any mutation transaction; the gate is re-checked
// on every queue rescan, so a stale read only delays dispatch by one cycle.
func (m *Manager) gateSatisfied(ctx context.Context, childID uuid.UUID) (bool, error) {
	edges, err := m.store.Dependencies.ListParents(ctx, childID)
	if err != nil {
		return false, fmt.Errorf("list parents: %w", err)
	}

	for _, edge := range edges {
		latest, err := m.store.Runs.LatestByTask(ctx, edge.ParentID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("latest run of parent %s: %w", edge.ParentID, err)
		}
		if !conditionMatches(edge.Condition, latest.Status) {
			return false, nil
		}
	}
	return true, nil
}

// conditionMatches reports whether a terminal run status opens an edge with
// the given trigger condition. "always" matches any terminal status,
// including cancelled; "on:error" matches only genuine errors, so a
// cancellation never triggers error handlers.
func conditionMatches(condition, status string) bool {
	switch condition {
	case db.TriggerAlways:
		return status == db.RunStatusSuccess ||
			status == db.RunStatusError ||
			status == db.RunStatusCancelled
	case db.TriggerOnSuccess:
		return status == db.RunStatusSuccess
	case db.TriggerOnError:
		return status == db.RunStatusError
	default:
		return false
	}
}
