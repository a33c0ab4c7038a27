// Package protocol defines the wire protocol spoken between the Automi server
// and its agents. Every frame is a UTF-8 JSON object with a "type"
// discriminator; unknown types are ignored by both sides so old agents and
// new servers (and vice versa) can coexist during rolling upgrades.
//
// Frame direction:
//
//	init         agent  → server   first frame, authentication handshake
//	EXECUTE_TASK server → agent    run a script
//	CANCEL_TASK  server → agent    terminate a running script
//	result       agent  → server   outcome of a script execution
//	agent_error  agent  → server   out-of-band error report
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeInit        = "init"
	TypeExecuteTask = "EXECUTE_TASK"
	TypeCancelTask  = "CANCEL_TASK"
	TypeResult      = "result"
	TypeAgentError  = "agent_error"
)

// WebSocket close codes used by the connection gateway. The 4xxx range is
// reserved for application use by RFC 6455; each code maps to one rejection
// reason so agents can decide whether a reconnect attempt makes sense.
const (
	CloseNormal          = 1000 // normal close / server shutdown
	CloseInvalidFrame    = 4000 // frame is not valid JSON or missing type
	CloseBadHandshake    = 4001 // first frame is not a well-formed init
	CloseUnauthorized    = 4002 // auth token mismatch
	CloseIPRejected      = 4003 // peer IP not on the agent's allow-list
	CloseUnknownAgent    = 4004 // agentId not registered on the server
	CloseSuperseded      = 4005 // a newer connection for the same agent arrived
	CloseAdminUnregister = 4006 // agent removed by an operator
)

// Envelope is the outer shape of every frame. Payload is kept as raw JSON so
// the reader can dispatch on Type before committing to a payload schema.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitFrame is the first frame an agent sends after the socket opens.
// Unlike the other frames its fields live at the top level, next to "type" —
// the handshake predates the envelope convention and is kept stable.
type InitFrame struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	AuthToken string `json:"authToken"`
}

// ExecutePayload carries everything the agent needs to run one script.
// Params and Assets become environment variables on the agent side
// (PARAM_<KEY> and ASSET_<KEY> respectively).
type ExecutePayload struct {
	TaskID  string            `json:"taskId"`
	RunID   string            `json:"runId"`
	Name    string            `json:"name"`
	Type    string            `json:"type"` // interpreter: bash, python, node
	Script  string            `json:"script"`
	Params  ValueMap          `json:"params,omitempty"`
	Assets  map[string]string `json:"assets,omitempty"`
	Options ExecuteOptions    `json:"options,omitempty"`
}

// ExecuteOptions holds per-dispatch tweaks. Currently only a timeout
// override; zero means the agent default (15 minutes).
type ExecuteOptions struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// CancelPayload identifies the execution to terminate.
type CancelPayload struct {
	TaskID string `json:"taskId"`
	RunID  string `json:"runId"`
}

// ResultPayload is the agent's report of a finished (or cancelled, or timed
// out) execution. ExitCode is a pointer so "process never started" is
// distinguishable from exit code 0.
type ResultPayload struct {
	TaskID     string `json:"taskId"`
	RunID      string `json:"runId"`
	Name       string `json:"name"`
	Status     string `json:"status"` // "success" or "error"
	ExitCode   *int   `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// AgentErrorPayload is an out-of-band error report from an agent, surfaced
// to operators through the notifier.
type AgentErrorPayload struct {
	Level     string `json:"level"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"` // ISO-8601
}

// NewEnvelope marshals payload and wraps it in an Envelope of the given type.
func NewEnvelope(frameType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
	}
	return &Envelope{Type: frameType, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}
