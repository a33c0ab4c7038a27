package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// Store bundles all repositories over one *gorm.DB and provides transactional
// execution. Run-state mutations in the task manager go through Transaction so
// a status flip and its timestamps commit atomically.
type Store struct {
	Agents       AgentRepository
	Tasks        TaskRepository
	Runs         RunRepository
	Dependencies DependencyRepository
	Assets       AssetRepository

	gdb *gorm.DB
}

// NewStore builds a Store with GORM-backed repositories.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{
		Agents:       NewAgentRepository(gdb),
		Tasks:        NewTaskRepository(gdb),
		Runs:         NewRunRepository(gdb),
		Dependencies: NewDependencyRepository(gdb),
		Assets:       NewAssetRepository(gdb),
		gdb:          gdb,
	}
}

// Transaction runs fn inside a READ-COMMITTED transaction. The Store handed
// to fn is bound to the transaction; using the outer Store inside fn would
// escape it. Change hooks installed on the outer task repository are carried
// over so mutations inside transactions still notify the scheduler.
//
// Keep fn short: no network I/O, no manager locks (see the locking rules in
// the task manager). SQLite ignores the isolation hint and serializes writes,
// which satisfies the same contract.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.gdb.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		tx := NewStore(txdb)
		if hooked, ok := s.Tasks.(*gormTaskRepository); ok {
			tx.Tasks.SetChangeHook(hooked.hook)
		}
		return fn(tx)
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// DB exposes the underlying handle for health checks and shutdown.
func (s *Store) DB() *gorm.DB {
	return s.gdb
}

// translateError maps GORM errors to the package sentinels. Unique-constraint
// violations surface differently per driver, so the check is string-based as a
// last resort after gorm.ErrDuplicatedKey.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isNotFound(err):
		return ErrNotFound
	case isConflict(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
