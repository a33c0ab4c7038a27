// Package connection maintains the agent's persistent WebSocket session with
// the controller. It handles:
//   - Dialing and the init handshake (agent id + auth token as the first frame)
//   - Answering server pings so the controller keeps the agent marked online
//   - Dispatching EXECUTE_TASK and CANCEL_TASK frames to the executor
//   - Sending result and agent_error frames back upstream
//   - Automatic reconnection with exponential backoff + jitter
//
// Close codes in the 4xxx range carry the controller's rejection reason.
// Codes that a retry cannot fix (bad token, unknown agent, IP rejected,
// admin unregister, duplicate agent id) abort the loop instead of burning
// reconnect attempts against a hard refusal.
package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// so a fleet restarting together does not reconnect in lockstep.
	jitterFraction = 0.2

	// writeWait bounds every outbound frame write.
	writeWait = 5 * time.Second

	// readWait is the rolling read deadline. The controller pings every 30 s,
	// so a full cycle plus tolerance without any frame means the session is
	// dead.
	readWait = 40 * time.Second
)

// ErrRejected is returned by Run when the controller refuses the agent with a
// close code no amount of retrying can fix.
var ErrRejected = errors.New("connection: rejected by controller")

// fatalCloseCodes are controller refusals that make reconnecting pointless
// until the operator changes something.
var fatalCloseCodes = []int{
	protocol.CloseUnauthorized,
	protocol.CloseIPRejected,
	protocol.CloseUnknownAgent,
	protocol.CloseSuperseded,
	protocol.CloseAdminUnregister,
}

// ScriptRunner executes and cancels scripts. Implemented by the executor.
type ScriptRunner interface {
	Execute(ctx context.Context, payload *protocol.ExecutePayload) (*protocol.ResultPayload, error)
	Cancel(taskID string) bool
}

// Config holds everything needed to reach and authenticate with the
// controller.
type Config struct {
	// ServerURL is the controller's WebSocket endpoint (ws:// or wss://).
	ServerURL string
	// AgentID and AuthToken identify this agent in the init handshake.
	AgentID   string
	AuthToken string
	// Headers are extra HTTP headers sent with the upgrade request, for
	// controllers that require an identification header.
	Headers map[string]string
}

// Manager owns the connection loop. Create with New, then call Run.
type Manager struct {
	cfg    Config
	runner ScriptRunner
	logger *zap.Logger

	// mu protects ws, which is replaced on every reconnect and nil between
	// sessions.
	mu sync.Mutex
	ws *websocket.Conn
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, runner ScriptRunner, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("connection"),
	}
}

// Run connects to the controller and serves the session, reconnecting with
// exponential backoff whenever it drops. It blocks until ctx is cancelled
// (returns nil) or the controller rejects the agent outright (returns an
// error wrapping ErrRejected).
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return nil
		}

		m.logger.Info("connecting to controller", zap.String("url", m.cfg.ServerURL))

		err := m.connect(ctx)
		if err == nil {
			// Clean session end — reconnect immediately with a fresh budget.
			backoff = backoffInitial
			continue
		}
		if errors.Is(err, ErrRejected) {
			m.logger.Error("controller rejected agent, giving up", zap.Error(err))
			return err
		}

		m.logger.Warn("session ended, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect establishes one session: dial → init → read loop. Returns when the
// session ends.
func (m *Manager) connect(ctx context.Context) error {
	header := http.Header{}
	for name, value := range m.cfg.Headers {
		header.Set(name, value)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.ws = nil
		m.mu.Unlock()
		ws.Close()
	}()

	if err := m.sendInit(ws); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	m.logger.Info("connected", zap.String("agent_id", m.cfg.AgentID))

	// The default ping handler already answers with a pong; wrap it so each
	// ping also extends the read deadline.
	pingHandler := ws.PingHandler()
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return pingHandler(appData)
	})
	_ = ws.SetReadDeadline(time.Now().Add(readWait))

	err = m.readLoop(ctx, ws)
	if ctx.Err() != nil {
		// Graceful shutdown, not a session failure.
		return nil
	}
	if code, ok := closeCode(err); ok && isFatalClose(code) {
		return fmt.Errorf("%w: close code %d", ErrRejected, code)
	}
	return err
}

func (m *Manager) sendInit(ws *websocket.Conn) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(protocol.InitFrame{
		Type:      protocol.TypeInit,
		AgentID:   m.cfg.AgentID,
		AuthToken: m.cfg.AuthToken,
	})
}

// readLoop processes inbound frames until the session drops.
func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		switch env.Type {
		case protocol.TypeExecuteTask:
			var payload protocol.ExecutePayload
			if err := env.DecodePayload(&payload); err != nil {
				m.logger.Error("malformed EXECUTE_TASK frame", zap.Error(err))
				m.reportError("error", fmt.Sprintf("malformed EXECUTE_TASK frame: %v", err))
				continue
			}
			go m.runScript(ctx, &payload)

		case protocol.TypeCancelTask:
			var payload protocol.CancelPayload
			if err := env.DecodePayload(&payload); err != nil {
				m.logger.Error("malformed CANCEL_TASK frame", zap.Error(err))
				continue
			}
			if !m.runner.Cancel(payload.TaskID) {
				m.logger.Warn("cancel for task with no live execution",
					zap.String("task_id", payload.TaskID),
				)
			}

		default:
			m.logger.Debug("ignoring frame of unknown type", zap.String("type", env.Type))
		}
	}
}

// runScript executes one task and reports its result. Runs on its own
// goroutine so the read loop keeps servicing cancellations and pings.
func (m *Manager) runScript(ctx context.Context, payload *protocol.ExecutePayload) {
	result, err := m.runner.Execute(ctx, payload)
	if err != nil {
		m.logger.Warn("execution rejected",
			zap.String("task_id", payload.TaskID),
			zap.String("run_id", payload.RunID),
			zap.Error(err),
		)
		m.reportError("warn", err.Error())
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypeResult, result)
	if err != nil {
		m.logger.Error("failed to encode result", zap.Error(err))
		return
	}
	if err := m.send(env); err != nil {
		// The session dropped mid-execution; the controller fails the run
		// through its disconnect handling.
		m.logger.Warn("failed to send result, outcome lost",
			zap.String("task_id", payload.TaskID),
			zap.String("run_id", payload.RunID),
			zap.Error(err),
		)
	}
}

// reportError sends an out-of-band agent_error frame. Best-effort.
func (m *Manager) reportError(level, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeAgentError, protocol.AgentErrorPayload{
		Level:     level,
		Error:     message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := m.send(env); err != nil {
		m.logger.Debug("failed to send error report", zap.Error(err))
	}
}

// send writes one frame on the current session. Serialized by mu so frames
// from concurrent executions do not interleave.
func (m *Manager) send(env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ws == nil {
		return errors.New("connection: not connected")
	}
	if err := m.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.ws.WriteJSON(env)
}

func closeCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

func isFatalClose(code int) bool {
	for _, fatal := range fatalCloseCodes {
		if code == fatal {
			return true
		}
	}
	return false
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter perturbs d by up to ±jitterFraction.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
