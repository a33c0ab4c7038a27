package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sergiusz-x/automi/internal/protocol"
)

const (
	// sendWait is the maximum time allowed to write a frame to the agent.
	// A stalled write closes the connection rather than blocking dispatch.
	sendWait = 5 * time.Second

	// pingInterval is how often the server pings each agent.
	pingInterval = 30 * time.Second

	// pongWait is how long after a ping the agent has to answer before the
	// connection is considered dead.
	pongWait = 10 * time.Second

	// readWait is the rolling read deadline: one 30 s ping cycle plus the
	// 10 s pong tolerance. Any frame or pong resets it, so an agent that
	// fails a full ping/pong round trip blows the 40 s bound and the read
	// loop tears the connection down. Equivalent to tracking each pong
	// individually, without a second timer.
	readWait = pingInterval + pongWait
)

// agentConn wraps a gorilla WebSocket connection with a write mutex so that
// concurrent senders (task manager dispatch, cancellation, close frames) are
// serialized. Frames sent through SendEnvelope reach the wire in call order,
// which the task manager relies on for EXECUTE_TASK before CANCEL_TASK.
//
// Control frames (pings) are sent via WriteControl, which gorilla allows
// concurrently with data writes.
type agentConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newAgentConn(ws *websocket.Conn) *agentConn {
	return &agentConn{ws: ws}
}

// SendEnvelope marshals and writes one frame, bounded by sendWait.
// Implements registry.Connection.
func (c *agentConn) SendEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(sendWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close sends a close frame with the given code and reason, then tears down
// the underlying connection. Safe to call multiple times.
// Implements registry.Connection.
func (c *agentConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(sendWait))
	return c.ws.Close()
}

// ping sends a ping control frame. The agent's pong resets the read deadline
// via the pong handler installed in the read loop.
func (c *agentConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
}
