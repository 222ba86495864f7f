// Package gateway is the bi-directional transport to remote agents. It
// upgrades agent connections to WebSocket, deploys monitor/action scripts,
// forwards telemetry to the supervisor, and dispatches signed action
// commands back to the agents.
package gateway

import (
	"encoding/json"
	"errors"
)

// ErrAgentUnavailable is returned when an action or deployment cannot be
// delivered because the agent has no live connection.
var ErrAgentUnavailable = errors.New("agent unavailable")

// ─── Wire frames ──────────────────────────────────────────────────────────

// Frame is the wire format for messages in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types (agent → server).
const (
	frameHello        = "hello"
	frameTelemetry    = "telemetry"
	frameActionResult = "action_result"
	frameHeartbeat    = "heartbeat"
)

// Outbound frame types (server → agent).
const (
	frameWelcome       = "welcome"
	frameDeployMonitor = "deploy_monitor"
	frameUpdateMonitor = "update_monitor"
	frameRemoveMonitor = "remove_monitor"
	frameDeployAction  = "deploy_action"
	frameTriggerAction = "trigger_action"
)

// HelloPayload is the first frame an agent sends after connecting.
type HelloPayload struct {
	AgentID  string `json:"agent_id,omitempty"` // empty on first contact
	Hostname string `json:"hostname"`
	Platform string `json:"platform"` // win32, darwin, linux
	Version  string `json:"version,omitempty"`
}

// WelcomePayload acknowledges a hello and carries the assigned id plus the
// server's public key so the agent can verify signed commands.
type WelcomePayload struct {
	AgentID         string `json:"agent_id"`
	ServerPublicKey string `json:"server_public_key"`
}

// TelemetryPayload carries one monitor report.
type TelemetryPayload struct {
	MonitorID string          `json:"monitor_id"`
	Data      json.RawMessage `json:"data"`
}

// ActionResultPayload is the agent's response to a trigger_action frame.
// Only the fields below are decoded; other fields echoed by the script are
// not kept.
type ActionResultPayload struct {
	JobID    string          `json:"job_id"`
	ActionID string          `json:"action_id"`
	Success  bool            `json:"success"`
	Method   string          `json:"method,omitempty"`
	Error    string          `json:"error,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// DeployMonitorPayload installs or replaces a monitor on the agent.
// Replacing an existing monitor id updates its interval.
type DeployMonitorPayload struct {
	MonitorID  string `json:"monitor_id"`
	Script     string `json:"script"` // opaque per-platform blob
	IntervalMs int    `json:"interval_ms"`
}

// UpdateMonitorPayload changes a deployed monitor's interval.
type UpdateMonitorPayload struct {
	MonitorID  string `json:"monitor_id"`
	IntervalMs int    `json:"interval_ms"`
}

// RemoveMonitorPayload uninstalls a monitor.
type RemoveMonitorPayload struct {
	MonitorID string `json:"monitor_id"`
}

// DeployActionPayload installs an action script on the agent.
type DeployActionPayload struct {
	ActionID string `json:"action_id"`
	Script   string `json:"script"` // opaque per-platform blob
}

// SignedCommand is a server-signed trigger_action payload. Agents verify
// the signature against the public key received in the welcome frame.
type SignedCommand struct {
	JobID     string          `json:"job_id"`
	AgentID   string          `json:"agent_id"`
	ActionID  string          `json:"action_id"`
	Args      json.RawMessage `json:"args,omitempty"`
	IssuedAt  string          `json:"issued_at"`
	Signature string          `json:"signature"` // base64(Ed25519Sign(private, canonical))
}

// ─── Events out of the gateway ────────────────────────────────────────────

// EventKind discriminates gateway events.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventTelemetry
	EventActionResponse
	EventOnline
	EventOffline
)

// Event is what the gateway surfaces to the supervisor.
type Event struct {
	Kind     EventKind
	AgentID  string
	Hostname string
	Platform string

	// Telemetry
	MonitorID string
	Payload   json.RawMessage

	// Action response
	JobID    string
	ActionID string
	Success  bool
	Error    string
	Args     json.RawMessage
}
