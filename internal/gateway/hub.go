package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub manages active WebSocket connections for agents and is the only
// component that talks to them. Telemetry and action results flow out
// through Events(); deployments and signed action commands flow in through
// the exported methods.
type Hub struct {
	keys   *ServerKeys
	logger *zap.Logger
	now    func() time.Time

	events chan Event

	mu    sync.Mutex
	conns map[string]*wsConn // agent id → active connection

	upgrader websocket.Upgrader
}

// wsConn wraps a WebSocket connection with its metadata.
type wsConn struct {
	conn    *websocket.Conn
	agentID string
	done    chan struct{}

	writeMu  sync.Mutex // gorilla allows one concurrent writer
	lastSeen time.Time  // guarded by Hub.mu
}

// NewHub creates a hub. Events are delivered on a buffered channel; the
// supervisor must consume it for the gateway to make progress.
func NewHub(keys *ServerKeys, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		keys:   keys,
		logger: logger.Named("gateway"),
		now:    func() time.Time { return time.Now().UTC() },
		events: make(chan Event, 1024),
		conns:  make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Events is the stream of gateway events for the supervisor.
func (h *Hub) Events() <-chan Event { return h.events }

// Connected reports whether the agent has a live connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[agentID]
	return ok
}

// ActiveConnections returns the number of live agent connections.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// LastSeen returns the time of the last frame from the agent, zero if the
// agent has no live connection.
func (h *Hub) LastSeen(agentID string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if wc, ok := h.conns[agentID]; ok {
		return wc.lastSeen
	}
	return time.Time{}
}

// HandleConnection is the HTTP handler that upgrades to WebSocket. The
// first frame must be a hello; agents without an id are assigned one and
// surfaced to the supervisor as discovered.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadLimit(256 * 1024)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	hello, err := h.readHello(conn)
	if err != nil {
		h.logger.Warn("handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	agentID := hello.AgentID
	discovered := false
	if agentID == "" {
		agentID = uuid.NewString()
		discovered = true
	}

	wc := &wsConn{
		conn:     conn,
		agentID:  agentID,
		done:     make(chan struct{}),
		lastSeen: h.now(),
	}

	// Close any existing connection for this agent.
	h.mu.Lock()
	if prev, ok := h.conns[agentID]; ok {
		close(prev.done)
		prev.conn.Close()
	}
	h.conns[agentID] = wc
	h.mu.Unlock()

	welcome := WelcomePayload{AgentID: agentID}
	if h.keys != nil {
		welcome.ServerPublicKey = h.keys.PublicKeyBase64()
	}
	if err := h.writeFrame(wc, frameWelcome, welcome); err != nil {
		h.logger.Warn("welcome failed", zap.String("agent", agentID), zap.Error(err))
		h.dropConn(wc)
		return
	}

	h.logger.Info("agent connected",
		zap.String("agent", agentID),
		zap.String("hostname", hello.Hostname),
		zap.String("platform", hello.Platform),
		zap.Bool("discovered", discovered))

	if discovered {
		h.events <- Event{
			Kind: EventDiscovered, AgentID: agentID,
			Hostname: hello.Hostname, Platform: hello.Platform,
		}
	}
	h.events <- Event{
		Kind: EventOnline, AgentID: agentID,
		Hostname: hello.Hostname, Platform: hello.Platform,
	}

	// Blocks until the connection closes.
	h.readLoop(wc)

	wasCurrent := h.dropConn(wc)
	h.logger.Info("agent disconnected", zap.String("agent", agentID))
	if wasCurrent {
		h.events <- Event{Kind: EventOffline, AgentID: agentID}
	}
}

// readHello waits for the initial hello frame.
func (h *Hub) readHello(conn *websocket.Conn) (*HelloPayload, error) {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("invalid hello frame: %w", err)
	}
	if frame.Type != frameHello {
		return nil, fmt.Errorf("expected hello, got %q", frame.Type)
	}

	var hello HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return nil, fmt.Errorf("invalid hello payload: %w", err)
	}
	if hello.Hostname == "" {
		return nil, fmt.Errorf("hello missing hostname")
	}
	if !validPlatform(hello.Platform) {
		return nil, fmt.Errorf("unsupported platform %q", hello.Platform)
	}
	return &hello, nil
}

func validPlatform(p string) bool {
	return p == "win32" || p == "darwin" || p == "linux"
}

// readLoop reads frames from the WebSocket and dispatches them.
func (h *Hub) readLoop(wc *wsConn) {
	defer wc.conn.Close()

	wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	go h.pingLoop(wc)

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read error", zap.String("agent", wc.agentID), zap.Error(err))
			}
			return
		}

		wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		h.mu.Lock()
		wc.lastSeen = h.now()
		h.mu.Unlock()

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.logger.Warn("invalid frame", zap.String("agent", wc.agentID), zap.Error(err))
			continue
		}

		h.handleFrame(wc.agentID, frame)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (h *Hub) pingLoop(wc *wsConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case <-ticker.C:
			wc.writeMu.Lock()
			err := wc.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			)
			wc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleFrame routes a parsed frame to the supervisor.
func (h *Hub) handleFrame(agentID string, frame Frame) {
	switch frame.Type {
	case frameHeartbeat:
		// lastSeen already touched by the read loop

	case frameTelemetry:
		var p TelemetryPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			h.logger.Warn("invalid telemetry payload", zap.String("agent", agentID), zap.Error(err))
			return
		}
		h.events <- Event{
			Kind: EventTelemetry, AgentID: agentID,
			MonitorID: p.MonitorID, Payload: p.Data,
		}

	case frameActionResult:
		var p ActionResultPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			h.logger.Warn("invalid action result", zap.String("agent", agentID), zap.Error(err))
			return
		}
		h.events <- Event{
			Kind: EventActionResponse, AgentID: agentID,
			JobID: p.JobID, ActionID: p.ActionID,
			Success: p.Success, Error: p.Error, Args: p.Args,
		}

	default:
		h.logger.Debug("unknown frame type",
			zap.String("agent", agentID), zap.String("type", frame.Type))
	}
}

// dropConn removes wc from the table if it is still the current connection
// for its agent. Returns true if it was.
func (h *Hub) dropConn(wc *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[wc.agentID] == wc {
		delete(h.conns, wc.agentID)
		return true
	}
	return false
}

// ─── Outbound operations ──────────────────────────────────────────────────

// DeployMonitor installs or replaces a monitor on the agent. Idempotent:
// redeploying the same monitor id updates its interval.
func (h *Hub) DeployMonitor(agentID string, p DeployMonitorPayload) error {
	return h.send(agentID, frameDeployMonitor, p)
}

// UpdateMonitor changes a deployed monitor's interval.
func (h *Hub) UpdateMonitor(agentID string, p UpdateMonitorPayload) error {
	return h.send(agentID, frameUpdateMonitor, p)
}

// RemoveMonitor uninstalls a monitor from the agent.
func (h *Hub) RemoveMonitor(agentID, monitorID string) error {
	return h.send(agentID, frameRemoveMonitor, RemoveMonitorPayload{MonitorID: monitorID})
}

// DeployAction installs an action script on the agent.
func (h *Hub) DeployAction(agentID string, p DeployActionPayload) error {
	return h.send(agentID, frameDeployAction, p)
}

// TriggerAction signs and dispatches an action invocation. The returned
// job id correlates the eventual action_result event.
func (h *Hub) TriggerAction(agentID, actionID string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal action args: %w", err)
	}

	cmd := SignedCommand{
		JobID:    uuid.NewString(),
		AgentID:  agentID,
		ActionID: actionID,
		Args:     raw,
		IssuedAt: h.now().Format(time.RFC3339),
	}
	if h.keys != nil {
		h.keys.SignCommand(&cmd)
	}

	if err := h.send(agentID, frameTriggerAction, cmd); err != nil {
		return "", err
	}
	return cmd.JobID, nil
}

// send writes one frame to the agent's live connection.
func (h *Hub) send(agentID, frameType string, payload any) error {
	h.mu.Lock()
	wc, ok := h.conns[agentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentUnavailable, agentID)
	}
	return h.writeFrame(wc, frameType, payload)
}

func (h *Hub) writeFrame(wc *wsConn, frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wc.conn.WriteJSON(Frame{Type: frameType, Payload: raw}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, wc.agentID, err)
	}
	return nil
}

// CloseAll terminates all active agent connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, wc := range h.conns {
		close(wc.done)
		wc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		wc.conn.Close()
		delete(h.conns, id)
	}
}
