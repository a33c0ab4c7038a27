package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sergiusz-x/automi/internal/protocol"
)

// Base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Run statuses. Transitions obey pending → running → {success, error,
// cancelled}; terminal states are final.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusError     = "error"
	RunStatusCancelled = "cancelled"
)

// Agent statuses, derived by the controller from connection state.
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Dependency trigger conditions.
const (
	TriggerAlways    = "always"
	TriggerOnSuccess = "on:success"
	TriggerOnError   = "on:error"
)

// Interpreter kinds a task script may declare.
const (
	InterpreterBash   = "bash"
	InterpreterPython = "python"
	InterpreterNode   = "node"
)

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered remote executor. The primary key is the operator-chosen
// identifier (3-50 chars of [A-Za-z0-9_-]) rather than a UUID — agents present
// it in the handshake and it appears in task definitions, so it must be stable
// and human-readable.
//
// AuthToken is the opaque shared secret (≥ 8 bytes) the agent presents in the
// init frame. AllowedIPs is a JSON array of literal IPs, CIDR ranges, or "*";
// an empty list rejects every peer.
type Agent struct {
	ID         string `gorm:"primaryKey;size:50"`
	AuthToken  string `gorm:"not null"`
	AllowedIPs string `gorm:"type:text;not null;default:'[]'"` // JSON array
	Status     string `gorm:"not null;default:'offline'"`      // "online", "offline"
	LastSeenAt *time.Time
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// AllowedIPList decodes the stored allow-list JSON. A decode failure returns
// nil, which the gateway treats as "reject all".
func (a *Agent) AllowedIPList() []string {
	if a.AllowedIPs == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(a.AllowedIPs), &list); err != nil {
		return nil
	}
	return list
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task defines a runnable script: which interpreter, which agent, optional
// cron schedule, and a default parameter block. Params is stored as JSON and
// surfaces as protocol.ValueMap through the repository layer.
type Task struct {
	Base
	Name     string `gorm:"uniqueIndex;not null;size:50"`
	Type     string `gorm:"not null"` // "bash", "python", "node"
	Script   string `gorm:"type:text;not null"`
	Params   string `gorm:"type:text;not null;default:'{}'"` // JSON object
	AgentID  string `gorm:"not null;index;size:50"`
	Schedule string `gorm:"default:''"` // 5-field cron expression, empty = unscheduled
	Enabled  bool   `gorm:"not null;default:true"`
}

// ParamValues decodes the stored parameter JSON. A decode failure returns an
// empty map — a task with corrupt params still runs, just without them.
func (t *Task) ParamValues() protocol.ValueMap {
	if t.Params == "" || t.Params == "{}" {
		return nil
	}
	var m protocol.ValueMap
	if err := json.Unmarshal([]byte(t.Params), &m); err != nil {
		return nil
	}
	return m
}

// -----------------------------------------------------------------------------
// Task dependencies
// -----------------------------------------------------------------------------

// TaskDependency is a directed parent → child edge. When the parent's run
// reaches a terminal state matching Condition, the child is queued.
// (ParentID, ChildID) is unique and the overall graph must stay acyclic —
// enforced at insertion time by DependencyRepository.Create.
type TaskDependency struct {
	Base
	ParentID  uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_dependency_edge"`
	ChildID   uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_dependency_edge"`
	Condition string    `gorm:"not null;default:'always'"` // "always", "on:success", "on:error"
}

// -----------------------------------------------------------------------------
// Task runs
// -----------------------------------------------------------------------------

// TaskRun records one execution of a task. Immutable once terminal.
// ExitCode is nullable: a run that never spawned a process has none.
// DurationMs is set iff the run finished.
type TaskRun struct {
	Base
	TaskID     uuid.UUID `gorm:"type:text;not null;index"`
	AgentID    string    `gorm:"not null;index;size:50"`
	Status     string    `gorm:"not null;default:'pending'"`
	ExitCode   *int
	Stdout     string `gorm:"type:text;default:''"`
	Stderr     string `gorm:"type:text;default:''"`
	DurationMs *int64
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Terminal reports whether the run has reached a final state.
func (r *TaskRun) Terminal() bool {
	switch r.Status {
	case RunStatusSuccess, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Assets
// -----------------------------------------------------------------------------

// Asset is a globally named key/value pair exposed to every script as an
// ASSET_<KEY> environment variable. Key is the primary key (≤ 50 chars),
// mirroring how settings-style tables avoid a synthetic ID.
type Asset struct {
	Key       string    `gorm:"primaryKey;size:50"`
	Value     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
