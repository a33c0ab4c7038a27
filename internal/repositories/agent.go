package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/sergiusz-x/automi/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(gdb *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: gdb}
}

// Create inserts a new agent record.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return translateError("agents: create", err)
	}
	return nil
}

// GetByID retrieves an agent by its identifier.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id string) (*db.Agent, error) {
	var agent db.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, translateError("agents: get by id", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return translateError("agents: update", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and last_seen_at fields. Called on
// handshake success, disconnect, and heartbeat-driven refreshes — a targeted
// update avoids clobbering the token or allow-list edited concurrently.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id string, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return translateError("agents: update status", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllOffline flips every online agent to offline in one statement.
func (r *gormAgentRepository) MarkAllOffline(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ?", db.AgentStatusOnline).
		Update("status", db.AgentStatusOffline).Error
	if err != nil {
		return translateError("agents: mark all offline", err)
	}
	return nil
}

// TouchLastSeen batch-updates last_seen_at for the given agents.
func (r *gormAgentRepository) TouchLastSeen(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id IN ?", ids).
		Update("last_seen_at", at).Error
	if err != nil {
		return translateError("agents: touch last seen", err)
	}
	return nil
}

// Delete removes an agent record.
func (r *gormAgentRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return translateError("agents: delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of agents and the total count, ordered by id.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, translateError("agents: list count", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("id ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, translateError("agents: list", err)
	}

	return agents, total, nil
}
