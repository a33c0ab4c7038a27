// Package gateway accepts inbound agent WebSocket connections, performs the
// authentication handshake, enforces IP allow-lists and rate limits, keeps
// connections alive with pings, and routes inbound result and error frames to
// the task manager and notifier.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sergiusz-x/automi/internal/db"
	"github.com/sergiusz-x/automi/internal/metrics"
	"github.com/sergiusz-x/automi/internal/notification"
	"github.com/sergiusz-x/automi/internal/protocol"
	"github.com/sergiusz-x/automi/internal/registry"
	"github.com/sergiusz-x/automi/internal/repositories"
)

const (
	// handshakeTimeout bounds how long the gateway waits for the init frame
	// after the socket opens.
	handshakeTimeout = 5 * time.Second

	// statusRefreshInterval is the cadence of the batched last-seen update
	// for connected agents.
	statusRefreshInterval = 30 * time.Second

	// frameLimit caps inbound frames per agent per frameWindow; excess
	// frames are dropped with a warning.
	frameLimit  = 100
	frameWindow = 60 * time.Second
)

// RunEventSink receives connection and result events. Satisfied by
// *taskmanager.Manager.
type RunEventSink interface {
	OnResult(ctx context.Context, agentID string, payload *protocol.ResultPayload)
	OnAgentConnect(ctx context.Context, agentID string)
	OnAgentDisconnect(ctx context.Context, agentID string)
}

// Config holds the gateway's pre-accept policy knobs.
type Config struct {
	// DeniedIPs is a global denylist of literal IPs or CIDR ranges checked
	// before the upgrade.
	DeniedIPs []string

	// RequiredHeader, when non-empty, names a header every connection
	// attempt must carry.
	RequiredHeader string

	// AllowedOrigins restricts the Origin header when non-empty. Requests
	// without an Origin header are always accepted (agents are not
	// browsers).
	AllowedOrigins []string

	// ConnAttempts and ConnWindow bound connection attempts per IP.
	ConnAttempts int
	ConnWindow   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnAttempts <= 0 {
		c.ConnAttempts = 10
	}
	if c.ConnWindow <= 0 {
		c.ConnWindow = time.Minute
	}
}

// Gateway owns every live agent connection. Registry entries reference
// connections owned here; a socket close always flows back through the
// gateway so registry state and persisted agent status stay consistent.
type Gateway struct {
	cfg      Config
	store    *repositories.Store
	registry *registry.Registry
	sink     RunEventSink
	notifier notification.Notifier
	logger   *zap.Logger

	upgrader    websocket.Upgrader
	connLimiter *ipLimiter

	shuttingDown atomic.Bool
	stop         chan struct{}
}

// New creates a Gateway. Call Run to start its background loops.
func New(cfg Config, store *repositories.Store, reg *registry.Registry, sink RunEventSink, notifier notification.Notifier, logger *zap.Logger) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:         cfg,
		store:       store,
		registry:    reg,
		sink:        sink,
		notifier:    notifier,
		logger:      logger.Named("gateway"),
		connLimiter: newIPLimiter(cfg.ConnAttempts, cfg.ConnWindow),
		stop:        make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin policy is enforced in the pre-accept checks so a rejection
		// can be counted per reason; the upgrader itself accepts everything.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return g
}

// Run starts the status refresher and limiter pruning. Blocks until Shutdown.
func (g *Gateway) Run() {
	go g.connLimiter.runPruner(g.stop)

	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.refreshAgentStatus()
		case <-g.stop:
			return
		}
	}
}

// Shutdown flips the gateway into shutdown mode: background loops stop, all
// agents are marked offline in one batch, and every connection is closed with
// a normal close frame. Read loops observing those closes skip the per-agent
// offline transition.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.shuttingDown.Store(true)
	close(g.stop)

	if err := g.store.Agents.MarkAllOffline(ctx); err != nil {
		g.logger.Error("failed to mark agents offline during shutdown", zap.Error(err))
	}
	g.registry.CloseAll("server shutting down")
	metrics.AgentsConnected.Set(0)
}

// refreshAgentStatus batch-updates last_seen_at for every connected agent.
func (g *Gateway) refreshAgentStatus() {
	ids := g.registry.ConnectedIDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.store.Agents.TouchLastSeen(ctx, ids, time.Now().UTC()); err != nil {
		g.logger.Warn("status refresh failed", zap.Error(err))
	}
}

// HandleAgentSocket is the HTTP handler for the agent WebSocket endpoint.
func (g *Gateway) HandleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ip := peerIP(r.RemoteAddr)

	if ipAllowed(g.cfg.DeniedIPs, ip) {
		metrics.HandshakeRejections.WithLabelValues("denied_ip").Inc()
		g.logger.Warn("connection from denied ip", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if g.cfg.RequiredHeader != "" && r.Header.Get(g.cfg.RequiredHeader) == "" {
		metrics.HandshakeRejections.WithLabelValues("missing_header").Inc()
		g.logger.Warn("connection missing required header",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("header", g.cfg.RequiredHeader),
		)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && len(g.cfg.AllowedOrigins) > 0 {
		if !containsString(g.cfg.AllowedOrigins, origin) {
			metrics.HandshakeRejections.WithLabelValues("origin").Inc()
			g.logger.Warn("connection with disallowed origin",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("origin", origin),
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	if ip != nil && !g.connLimiter.Allow(ip.String()) {
		metrics.HandshakeRejections.WithLabelValues("rate_limited").Inc()
		g.logger.Warn("connection attempt rate limited", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := newAgentConn(ws)
	agent, ok := g.handshake(conn, ws, ip, r.RemoteAddr)
	if !ok {
		return
	}

	g.serve(conn, ws, agent, r.RemoteAddr)
}

// handshake reads and validates the init frame within the handshake timeout.
// On failure the connection is closed with the matching close code and
// (nil, false) is returned.
func (g *Gateway) handshake(conn *agentConn, ws *websocket.Conn, ip net.IP, remoteAddr string) (*db.Agent, bool) {
	reject := func(code int, reason, metric string) (*db.Agent, bool) {
		metrics.HandshakeRejections.WithLabelValues(metric).Inc()
		g.logger.Warn("handshake rejected",
			zap.String("remote_addr", remoteAddr),
			zap.Int("close_code", code),
			zap.String("reason", reason),
		)
		_ = conn.Close(code, reason)
		return nil, false
	}

	if err := ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close(protocol.CloseBadHandshake, "handshake failed")
		return nil, false
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return reject(protocol.CloseBadHandshake, "no init frame", "handshake_timeout")
	}

	var init protocol.InitFrame
	if err := json.Unmarshal(raw, &init); err != nil || init.Type != protocol.TypeInit || init.AgentID == "" || init.AuthToken == "" {
		return reject(protocol.CloseBadHandshake, "malformed init frame", "bad_handshake")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	agent, err := g.store.Agents.GetByID(ctx, init.AgentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return reject(protocol.CloseUnknownAgent, "unknown agent", "unknown_agent")
		}
		g.logger.Error("agent lookup failed during handshake", zap.Error(err))
		return reject(protocol.CloseBadHandshake, "internal error", "internal")
	}

	if subtle.ConstantTimeCompare([]byte(agent.AuthToken), []byte(init.AuthToken)) != 1 {
		return reject(protocol.CloseUnauthorized, "invalid token", "bad_token")
	}

	if !ipAllowed(agent.AllowedIPList(), ip) {
		return reject(protocol.CloseIPRejected, "ip not allowed", "ip_rejected")
	}

	return agent, true
}

// serve finishes registration and runs the connection's read loop until the
// socket closes.
func (g *Gateway) serve(conn *agentConn, ws *websocket.Conn, agent *db.Agent, remoteAddr string) {
	ctx := context.Background()

	now := time.Now().UTC()
	if err := g.store.Agents.UpdateStatus(ctx, agent.ID, db.AgentStatusOnline, now); err != nil {
		g.logger.Error("failed to mark agent online",
			zap.String("agent_id", agent.ID),
			zap.Error(err),
		)
	}

	g.registry.Register(agent.ID, remoteAddr, conn)
	metrics.AgentsConnected.Set(float64(g.registry.Count()))
	g.sink.OnAgentConnect(ctx, agent.ID)

	pingStop := make(chan struct{})
	go g.pingLoop(conn, agent.ID, pingStop)

	g.readLoop(conn, ws, agent.ID)

	close(pingStop)
	_ = conn.Close(protocol.CloseNormal, "")

	if g.registry.Deregister(agent.ID, conn) {
		metrics.AgentsConnected.Set(float64(g.registry.Count()))
		if !g.shuttingDown.Load() {
			if err := g.store.Agents.UpdateStatus(ctx, agent.ID, db.AgentStatusOffline, time.Now().UTC()); err != nil {
				g.logger.Error("failed to mark agent offline",
					zap.String("agent_id", agent.ID),
					zap.Error(err),
				)
			}
			g.sink.OnAgentDisconnect(ctx, agent.ID)
		}
	}
}

// pingLoop pings the agent every pingInterval until stop closes. A failed
// ping write tears the connection down, which unblocks the read loop.
func (g *Gateway) pingLoop(conn *agentConn, agentID string, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				g.logger.Debug("ping failed, closing connection",
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
				_ = conn.Close(protocol.CloseNormal, "ping failure")
				return
			}
		case <-stop:
			return
		}
	}
}

// readLoop consumes frames until the connection dies. Inbound frames are
// rate-limited per agent; excess frames are dropped with a warning, not a
// disconnect, so a chatty agent degrades gracefully.
func (g *Gateway) readLoop(conn *agentConn, ws *websocket.Conn, agentID string) {
	limiter := rate.NewLimiter(rate.Every(frameWindow/frameLimit), frameLimit)

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				g.logger.Warn("unexpected connection close",
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
			}
			return
		}
		// Receiving any frame proves liveness.
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		if !limiter.Allow() {
			metrics.FramesDropped.Inc()
			g.logger.Warn("inbound frame rate limit exceeded, dropping frame",
				zap.String("agent_id", agentID),
			)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Warn("invalid frame from agent",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			_ = conn.Close(protocol.CloseInvalidFrame, "invalid frame")
			return
		}

		g.handleFrame(agentID, &env)
	}
}

// handleFrame routes one decoded frame. Unknown types are ignored so newer
// agents can talk to older servers.
func (g *Gateway) handleFrame(agentID string, env *protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeResult:
		var payload protocol.ResultPayload
		if err := env.DecodePayload(&payload); err != nil {
			g.logger.Warn("undecodable result payload",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			return
		}
		g.sink.OnResult(ctx, agentID, &payload)

	case protocol.TypeAgentError:
		var payload protocol.AgentErrorPayload
		if err := env.DecodePayload(&payload); err != nil {
			g.logger.Warn("undecodable agent_error payload",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			return
		}
		g.logger.Error("agent reported error",
			zap.String("agent_id", agentID),
			zap.String("level", payload.Level),
			zap.String("error", payload.Error),
			zap.String("timestamp", payload.Timestamp),
		)
		g.notifier.NotifyErrorReport(ctx, agentID, payload.Level, payload.Error)

	default:
		g.logger.Debug("ignoring unknown frame type",
			zap.String("agent_id", agentID),
			zap.String("type", env.Type),
		)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
