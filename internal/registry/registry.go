// Package registry maintains the in-memory registry of connected agents.
//
// When an agent completes the WebSocket handshake, the gateway registers it
// here. The task manager uses this registry to dispatch execution frames to
// the correct agent over its open connection.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop. The persistent agent record (auth token, allow-list,
// last-seen timestamp) lives in the database and is managed by
// AgentRepository.
package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/protocol"
)

// Connection is the transport handle the registry needs from a connected
// agent. The gateway implements it over gorilla/websocket; tests substitute
// an in-memory fake.
//
// SendEnvelope must preserve call order per connection: the task manager
// relies on an EXECUTE_TASK frame reaching the agent before a later
// CANCEL_TASK for the same run.
type Connection interface {
	SendEnvelope(env *protocol.Envelope) error
	Close(code int, reason string) error
}

// ConnectedAgent represents an agent with an active WebSocket connection.
type ConnectedAgent struct {
	// ID is the operator-chosen agent identifier, matching the database
	// primary key.
	ID string

	// RemoteAddr is kept for logging, avoiding a connection lookup every
	// time agent activity is logged.
	RemoteAddr string

	// ConnectedAt is when this agent established the current connection.
	// Reset on every reconnect.
	ConnectedAt time.Time

	conn Connection
}

// Registry is the in-memory registry of currently connected agents.
// It is safe for concurrent use by multiple goroutines (gateway handlers,
// task manager, and scheduler all run concurrently).
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*ConnectedAgent // keyed by agent ID
	logger *zap.Logger
}

// New creates a new Registry instance.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*ConnectedAgent),
		logger: logger.Named("registry"),
	}
}

// Register adds an agent to the registry. If an agent with the same ID is
// already registered, the new connection supersedes the old one: the previous
// connection is closed with code 4005 and replaced. The returned Connection is
// the superseded one (nil if there was none) so the caller can skip the
// offline transition when its read loop observes the close.
func (r *Registry) Register(agentID, remoteAddr string, conn Connection) Connection {
	r.mu.Lock()
	prev := r.agents[agentID]
	r.agents[agentID] = &ConnectedAgent{
		ID:          agentID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
	total := len(r.agents)
	r.mu.Unlock()

	if prev != nil {
		// The agent reconnected before the server noticed the previous
		// connection was dead (network blip, or a duplicate agent process).
		r.logger.Warn("superseding existing agent connection",
			zap.String("agent_id", agentID),
			zap.String("old_remote_addr", prev.RemoteAddr),
			zap.String("new_remote_addr", remoteAddr),
		)
		_ = prev.conn.Close(protocol.CloseSuperseded, "superseded by new connection")
	}

	r.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("remote_addr", remoteAddr),
		zap.Int("total_connected", total),
	)

	if prev != nil {
		return prev.conn
	}
	return nil
}

// Deregister removes an agent from the registry, but only if conn is still the
// registered connection. A superseded connection's read loop calls this after
// the replacement is already installed; matching on the connection prevents it
// from evicting its successor. Returns true when the entry was removed.
func (r *Registry) Deregister(agentID string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists || agent.conn != conn {
		return false
	}

	delete(r.agents, agentID)

	r.logger.Info("agent disconnected",
		zap.String("agent_id", agentID),
		zap.String("remote_addr", agent.RemoteAddr),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_connected", len(r.agents)),
	)
	return true
}

// Kick closes and removes an agent's connection with code 4006. Called when
// an operator deletes the agent record while it is connected.
func (r *Registry) Kick(agentID, reason string) bool {
	r.mu.Lock()
	agent, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.logger.Info("agent kicked",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	_ = agent.conn.Close(protocol.CloseAdminUnregister, reason)
	return true
}

// Send delivers an envelope to a specific agent over its open connection.
// Returns an error if the agent is not connected or the send fails.
//
// Called by the task manager on dispatch and cancellation. If the send fails,
// the caller is responsible for marking the run failed — this method does not
// retry internally.
func (r *Registry) Send(agentID string, env *protocol.Envelope) error {
	r.mu.RLock()
	agent, exists := r.agents[agentID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("agent %s is not connected", agentID)
	}

	if err := agent.conn.SendEnvelope(env); err != nil {
		return fmt.Errorf("failed to send %s to agent %s: %w", env.Type, agentID, err)
	}
	return nil
}

// IsOnline reports whether the agent currently has an active connection.
// The task manager uses this to decide between immediate dispatch and
// queueing.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[agentID]
	return exists
}

// ConnectedIDs returns the IDs of all currently connected agents.
// The gateway's status refresher uses this for the batched last-seen update.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// ConnectedAgents returns a snapshot of all currently connected agents.
// The returned slice is a copy — modifications do not affect the registry.
func (r *Registry) ConnectedAgents() []*ConnectedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ConnectedAgent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		result = append(result, &cp)
	}
	return result
}

// Count returns the current number of connected agents.
// Intended for metrics and health endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll closes every connection with a normal close frame and empties the
// registry. Called once during graceful shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*ConnectedAgent)
	r.mu.Unlock()

	for _, a := range agents {
		_ = a.conn.Close(protocol.CloseNormal, reason)
	}
	if len(agents) > 0 {
		r.logger.Info("closed all agent connections", zap.Int("count", len(agents)))
	}
}
