// Package taskmanager is the authoritative run orchestrator. It creates run
// records, gates dispatch on dependency conditions, queues work for offline
// agents, applies results coming back from the gateway, and fans completion
// out to downstream tasks.
//
// # Locking discipline
//
// The running and queue maps are guarded by a single mutex held only for map
// manipulation, never across socket sends or store transactions. Decisions
// are made under the lock; I/O happens after it is released. No goroutine
// ever holds a store transaction and the manager lock at the same time.
//
// Run creation additionally takes a per-task lock across the active-run check
// and the insert, so concurrent triggers for one task cannot both create a
// run. That lock covers store calls but never socket sends.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/metrics"
	"github.com/sergiusz-x/automi/internal/notification"
	"github.com/sergiusz-x/automi/internal/protocol"
	"github.com/sergiusz-x/automi/internal/repositories"
)

const (
	// dispatchSendTimeout bounds how long a dispatch waits for the frame to
	// be handed to the agent connection before the run is failed.
	dispatchSendTimeout = 5 * time.Second

	// stderrInterrupted is written to runs found mid-flight after a restart.
	stderrInterrupted = "interrupted by controller restart"

	// stderrDisconnected is written to runs whose agent dropped mid-run.
	stderrDisconnected = "agent disconnected"

	// stderrCancelled is written to runs cancelled by an operator.
	stderrCancelled = "cancelled by user"
)

// cancelExitCode is the synthetic exit code recorded for cancelled runs,
// matching the 128+SIGTERM convention the agent reports.
const cancelExitCode = 143

// ErrRunActive is returned by RunTask when the task already has a pending or
// running run.
var ErrRunActive = errors.New("task already has an active run")

// AgentLink is the slice of the agent registry the manager needs: online
// checks and frame delivery. Satisfied by *registry.Registry.
type AgentLink interface {
	IsOnline(agentID string) bool
	Send(agentID string, env *protocol.Envelope) error
}

// RunOptions carries per-invocation overrides for a manual or downstream run.
type RunOptions struct {
	// Params are merged over the task's stored parameters.
	Params protocol.ValueMap

	// TimeoutSeconds overrides the agent's default execution timeout.
	// Zero means the default.
	TimeoutSeconds int
}

// activeRun is a running-map entry: the task and run snapshots taken at
// dispatch time.
type activeRun struct {
	task *db.Task
	run  *db.TaskRun
}

// queuedRun is a queue-map entry: a pending run waiting for its agent to come
// online or for its dependency gate to open.
type queuedRun struct {
	task *db.Task
	run  *db.TaskRun
	opts RunOptions
}

// Manager orchestrates the full run lifecycle.
type Manager struct {
	store    *repositories.Store
	agents   AgentLink
	notifier notification.Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*activeRun // keyed by run ID
	queue   map[uuid.UUID]*queuedRun // keyed by task ID

	createLocks map[uuid.UUID]*sync.Mutex // per-task run-creation locks
}

// New creates a Manager. Call Reconcile once before accepting work.
func New(store *repositories.Store, agents AgentLink, notifier notification.Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		agents:   agents,
		notifier: notifier,
		logger:   logger.Named("taskmanager"),
		running:  make(map[uuid.UUID]*activeRun),
		queue:    make(map[uuid.UUID]*queuedRun),

		createLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Reconcile rewrites every run left in status running by a previous process
// to status error. The controller intentionally drops prior in-flight work:
// agents reconnect with empty state, so those runs can never complete.
func (m *Manager) Reconcile(ctx context.Context) error {
	stale, err := m.store.Runs.ListByStatus(ctx, db.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("taskmanager: reconcile scan: %w", err)
	}

	for i := range stale {
		run := &stale[i]
		if err := m.finalizeRun(ctx, run, db.RunStatusError, nil, "", stderrInterrupted); err != nil {
			return fmt.Errorf("taskmanager: reconcile run %s: %w", run.ID, err)
		}
		m.logger.Warn("marked interrupted run as error",
			zap.String("run_id", run.ID.String()),
			zap.String("task_id", run.TaskID.String()),
		)
	}

	if len(stale) > 0 {
		m.logger.Info("startup reconciliation complete", zap.Int("runs", len(stale)))
	}
	return nil
}

// RunTask creates a pending run for the task and queues it for dispatch.
// Disabled tasks may still be run manually. Returns ErrRunActive when a
// pending or running run already exists for the task.
func (m *Manager) RunTask(ctx context.Context, taskID uuid.UUID, opts RunOptions) (*db.TaskRun, error) {
	task, err := m.store.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: run task: %w", err)
	}

	run, err := m.createRun(ctx, task)
	if err != nil {
		return nil, err
	}

	m.logger.Info("run created",
		zap.String("task", task.Name),
		zap.String("run_id", run.ID.String()),
	)

	m.enqueue(ctx, task, run, opts)
	return run, nil
}

// createRun checks for an active run and inserts the pending record under the
// task's creation lock. Scheduler ticks, downstream fan-out, and manual
// triggers run on separate goroutines; without the lock two of them could
// both observe no active run and insert one each.
func (m *Manager) createRun(ctx context.Context, task *db.Task) (*db.TaskRun, error) {
	lock := m.createLock(task.ID)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.store.Runs.HasActiveRun(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: run task: %w", err)
	}
	if active {
		return nil, ErrRunActive
	}

	run := &db.TaskRun{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Status:  db.RunStatusPending,
	}
	if err := m.withRetry(ctx, func() error {
		return m.store.Runs.Create(ctx, run)
	}); err != nil {
		return nil, fmt.Errorf("taskmanager: create run: %w", err)
	}
	return run, nil
}

// createLock returns the creation lock for a task, allocating it on first use.
func (m *Manager) createLock(taskID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.createLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.createLocks[taskID] = lock
	}
	return lock
}

// enqueue evaluates the dependency gate and either dispatches immediately or
// parks the run in the pending queue.
func (m *Manager) enqueue(ctx context.Context, task *db.Task, run *db.TaskRun, opts RunOptions) {
	satisfied, err := m.gateSatisfied(ctx, task.ID)
	if err != nil {
		m.logger.Error("dependency gate evaluation failed, queueing run",
			zap.String("task", task.Name),
			zap.Error(err),
		)
		satisfied = false
	}

	if satisfied && m.agents.IsOnline(task.AgentID) {
		m.dispatch(ctx, task, run, opts)
		return
	}

	m.mu.Lock()
	m.queue[task.ID] = &queuedRun{task: task, run: run, opts: opts}
	depth := len(m.queue)
	m.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))

	m.logger.Info("run queued",
		zap.String("task", task.Name),
		zap.String("run_id", run.ID.String()),
		zap.Bool("gate_satisfied", satisfied),
		zap.Bool("agent_online", m.agents.IsOnline(task.AgentID)),
	)
}

// dispatch transitions the run to running and pushes the execution frame to
// the agent. A send failure is a task error, not an agent error, so that
// downstream on:error edges still fire.
func (m *Manager) dispatch(ctx context.Context, task *db.Task, run *db.TaskRun, opts RunOptions) {
	now := time.Now().UTC()
	run.Status = db.RunStatusRunning
	run.StartedAt = &now
	if err := m.withRetry(ctx, func() error {
		return m.store.Runs.Update(ctx, run)
	}); err != nil {
		m.logger.Error("failed to mark run as running",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		m.failRun(ctx, task, run, nil, "", "internal error: "+err.Error())
		return
	}

	env, err := m.buildExecuteFrame(ctx, task, run, opts)
	if err != nil {
		m.logger.Error("failed to build execute frame",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		m.failRun(ctx, task, run, nil, "", "internal error: "+err.Error())
		return
	}

	m.mu.Lock()
	m.running[run.ID] = &activeRun{task: task, run: run}
	m.mu.Unlock()

	if err := m.sendWithTimeout(task.AgentID, env); err != nil {
		metrics.DispatchFailures.Inc()
		m.logger.Error("dispatch send failed",
			zap.String("task", task.Name),
			zap.String("agent_id", task.AgentID),
			zap.Error(err),
		)
		m.mu.Lock()
		delete(m.running, run.ID)
		m.mu.Unlock()
		m.failRun(ctx, task, run, nil, "", "failed to deliver task to agent: "+err.Error())
		return
	}

	m.logger.Info("task dispatched",
		zap.String("task", task.Name),
		zap.String("run_id", run.ID.String()),
		zap.String("agent_id", task.AgentID),
	)
	m.notifier.NotifyRunOutcome(ctx, task.Name, task.AgentID, run.ID.String(), db.RunStatusRunning, "")
}

// buildExecuteFrame assembles the EXECUTE_TASK envelope: task parameters
// merged with per-run overrides, plus a fresh snapshot of all assets.
func (m *Manager) buildExecuteFrame(ctx context.Context, task *db.Task, run *db.TaskRun, opts RunOptions) (*protocol.Envelope, error) {
	params := task.ParamValues().Merge(opts.Params)

	assets, err := m.store.Assets.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset snapshot: %w", err)
	}

	return protocol.NewEnvelope(protocol.TypeExecuteTask, protocol.ExecutePayload{
		TaskID: task.ID.String(),
		RunID:  run.ID.String(),
		Name:   task.Name,
		Type:   task.Type,
		Script: task.Script,
		Params: params,
		Assets: assets,
		Options: protocol.ExecuteOptions{
			TimeoutSeconds: opts.TimeoutSeconds,
		},
	})
}

// sendWithTimeout delivers the envelope, bounding the wait on a stalled
// connection. The underlying write has its own deadline; this guard covers
// the hand-off as a whole.
func (m *Manager) sendWithTimeout(agentID string, env *protocol.Envelope) error {
	done := make(chan error, 1)
	go func() {
		done <- m.agents.Send(agentID, env)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(dispatchSendTimeout):
		return fmt.Errorf("send to agent %s timed out after %s", agentID, dispatchSendTimeout)
	}
}

// OnResult applies a result frame from an agent. The corresponding running
// entry is located by task ID; a result with no matching entry (duplicate
// delivery, or a run already finalized by cancellation) is logged and
// dropped.
func (m *Manager) OnResult(ctx context.Context, agentID string, payload *protocol.ResultPayload) {
	taskID, err := uuid.Parse(payload.TaskID)
	if err != nil {
		m.logger.Warn("result frame with invalid task id",
			zap.String("agent_id", agentID),
			zap.String("task_id", payload.TaskID),
		)
		return
	}

	m.mu.Lock()
	var entry *activeRun
	for _, a := range m.running {
		if a.task.ID == taskID && a.run.AgentID == agentID {
			if entry == nil || a.run.CreatedAt.After(entry.run.CreatedAt) {
				entry = a
			}
		}
	}
	if entry != nil {
		delete(m.running, entry.run.ID)
	}
	m.mu.Unlock()

	if entry == nil {
		m.logger.Warn("dropping result with no matching running run",
			zap.String("agent_id", agentID),
			zap.String("task_id", payload.TaskID),
			zap.String("run_id", payload.RunID),
		)
		return
	}

	status := db.RunStatusError
	if payload.Status == "success" {
		status = db.RunStatusSuccess
	}

	run := entry.run
	now := time.Now().UTC()
	duration := payload.DurationMs
	if duration <= 0 && run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt).Milliseconds()
	}

	run.Status = status
	run.ExitCode = payload.ExitCode
	run.Stdout = payload.Stdout
	run.Stderr = payload.Stderr
	run.DurationMs = &duration
	run.FinishedAt = &now

	if err := m.withRetry(ctx, func() error {
		return m.store.Transaction(ctx, func(tx *repositories.Store) error {
			return tx.Runs.Update(ctx, run)
		})
	}); err != nil {
		m.logger.Error("failed to persist run result",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return
	}

	m.logger.Info("run completed",
		zap.String("task", entry.task.Name),
		zap.String("run_id", run.ID.String()),
		zap.String("status", status),
		zap.Int64("duration_ms", duration),
	)

	m.onComplete(ctx, entry.task, run)
}

// onComplete handles a durably-terminal run: metrics, notification, downstream
// fan-out, and a re-scan of the pending queue. Fan-out happens strictly after
// the parent's terminal state is persisted.
func (m *Manager) onComplete(ctx context.Context, task *db.Task, run *db.TaskRun) {
	metrics.RunsTotal.WithLabelValues(run.Status).Inc()
	m.notifier.NotifyRunOutcome(ctx, task.Name, task.AgentID, run.ID.String(), run.Status, run.Stderr)

	m.triggerDownstream(ctx, task, run)
	m.rescanQueue(ctx)
}

// triggerDownstream queues every child task whose edge condition matches the
// parent's terminal status.
func (m *Manager) triggerDownstream(ctx context.Context, parent *db.Task, run *db.TaskRun) {
	edges, err := m.store.Dependencies.ListChildren(ctx, parent.ID)
	if err != nil {
		m.logger.Error("failed to resolve downstream dependencies",
			zap.String("task", parent.Name),
			zap.Error(err),
		)
		return
	}

	for _, edge := range edges {
		if !conditionMatches(edge.Condition, run.Status) {
			continue
		}

		child, err := m.store.Tasks.GetByID(ctx, edge.ChildID)
		if err != nil {
			m.logger.Warn("downstream task vanished",
				zap.String("child_id", edge.ChildID.String()),
				zap.Error(err),
			)
			continue
		}
		if !child.Enabled {
			continue
		}

		if _, err := m.RunTask(ctx, child.ID, RunOptions{}); err != nil {
			if errors.Is(err, ErrRunActive) {
				m.logger.Info("downstream task already active, skipping",
					zap.String("task", child.Name),
				)
				continue
			}
			m.logger.Error("failed to trigger downstream task",
				zap.String("task", child.Name),
				zap.Error(err),
			)
		}
	}
}

// rescanQueue dispatches every queued run whose gate is now satisfied and
// whose agent is online.
func (m *Manager) rescanQueue(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]*queuedRun, 0, len(m.queue))
	for _, q := range m.queue {
		candidates = append(candidates, q)
	}
	m.mu.Unlock()

	for _, q := range candidates {
		if !m.agents.IsOnline(q.task.AgentID) {
			continue
		}
		satisfied, err := m.gateSatisfied(ctx, q.task.ID)
		if err != nil || !satisfied {
			continue
		}

		m.mu.Lock()
		// Re-check under the lock: a concurrent rescan may have taken it.
		current, still := m.queue[q.task.ID]
		if still && current == q {
			delete(m.queue, q.task.ID)
		}
		depth := len(m.queue)
		m.mu.Unlock()
		metrics.QueueDepth.Set(float64(depth))

		if still && current == q {
			m.dispatch(ctx, q.task, q.run, q.opts)
		}
	}
}

// OnAgentConnect dispatches queued runs targeting the newly-connected agent.
func (m *Manager) OnAgentConnect(ctx context.Context, agentID string) {
	m.logger.Debug("rescanning queue after agent connect", zap.String("agent_id", agentID))
	m.rescanQueue(ctx)
}

// OnAgentDisconnect fails every running entry bound to the agent with
// "agent disconnected". Downstream edges fire per their condition, so
// on:error children still trigger.
func (m *Manager) OnAgentDisconnect(ctx context.Context, agentID string) {
	m.mu.Lock()
	var orphans []*activeRun
	for id, a := range m.running {
		if a.run.AgentID == agentID {
			orphans = append(orphans, a)
			delete(m.running, id)
		}
	}
	m.mu.Unlock()

	for _, a := range orphans {
		m.logger.Warn("agent disconnected mid-run",
			zap.String("task", a.task.Name),
			zap.String("run_id", a.run.ID.String()),
			zap.String("agent_id", agentID),
		)
		m.failRun(ctx, a.task, a.run, nil, a.run.Stdout, stderrDisconnected)
	}
}

// CancelTask cancels the running run of the given task. Sends CANCEL_TASK to
// the agent (best effort), finalizes the run as cancelled, and reports
// whether a running entry was found. Cancelling a task that is not running is
// a no-op.
func (m *Manager) CancelTask(ctx context.Context, taskID uuid.UUID) bool {
	m.mu.Lock()
	var entry *activeRun
	for id, a := range m.running {
		if a.task.ID == taskID {
			entry = a
			delete(m.running, id)
			break
		}
	}
	m.mu.Unlock()

	if entry == nil {
		return false
	}

	env, err := protocol.NewEnvelope(protocol.TypeCancelTask, protocol.CancelPayload{
		TaskID: entry.task.ID.String(),
		RunID:  entry.run.ID.String(),
	})
	if err == nil {
		if err := m.sendWithTimeout(entry.task.AgentID, env); err != nil {
			m.logger.Warn("failed to deliver cancel frame",
				zap.String("task", entry.task.Name),
				zap.Error(err),
			)
		}
	}

	code := cancelExitCode
	run := entry.run
	now := time.Now().UTC()
	var duration int64
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt).Milliseconds()
	}
	run.Status = db.RunStatusCancelled
	run.ExitCode = &code
	run.Stderr = stderrCancelled
	run.DurationMs = &duration
	run.FinishedAt = &now

	if err := m.withRetry(ctx, func() error {
		return m.store.Transaction(ctx, func(tx *repositories.Store) error {
			return tx.Runs.Update(ctx, run)
		})
	}); err != nil {
		m.logger.Error("failed to persist cancellation",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return true
	}

	m.logger.Info("run cancelled",
		zap.String("task", entry.task.Name),
		zap.String("run_id", run.ID.String()),
	)
	m.onComplete(ctx, entry.task, run)
	return true
}

// RunningCount returns the number of in-flight runs. Used by health checks.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// QueuedCount returns the number of runs waiting for dispatch.
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// failRun finalizes a run as error and fans out to downstream on:error edges.
func (m *Manager) failRun(ctx context.Context, task *db.Task, run *db.TaskRun, exitCode *int, stdout, stderr string) {
	if err := m.finalizeRun(ctx, run, db.RunStatusError, exitCode, stdout, stderr); err != nil {
		m.logger.Error("failed to finalize run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return
	}
	m.onComplete(ctx, task, run)
}

// finalizeRun transactionally writes a terminal state onto the run.
func (m *Manager) finalizeRun(ctx context.Context, run *db.TaskRun, status string, exitCode *int, stdout, stderr string) error {
	now := time.Now().UTC()
	var duration int64
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt).Milliseconds()
	}

	run.Status = status
	run.ExitCode = exitCode
	if stdout != "" {
		run.Stdout = stdout
	}
	run.Stderr = stderr
	run.DurationMs = &duration
	run.FinishedAt = &now

	return m.withRetry(ctx, func() error {
		return m.store.Transaction(ctx, func(tx *repositories.Store) error {
			return tx.Runs.Update(ctx, run)
		})
	})
}

// withRetry runs fn up to 3 times with exponential backoff (0.5 s, 1 s, 2 s).
// Not-found and conflict errors are permanent and returned immediately;
// everything else is treated as a transient store failure.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, repositories.ErrConflict) {
			return err
		}
		if attempt == 3 {
			break
		}
		m.logger.Warn("transient store failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
