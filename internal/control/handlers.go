// Package control is the imperative HTTP surface for the parent UI. It is
// a thin adapter: requests decode into supervisor commands, results encode
// into an (error?, value?) envelope, and an SSE stream mirrors the named
// UI event channels.
package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/supervisor"
)

// Server wires HTTP routes to the supervisor.
type Server struct {
	sup    *supervisor.Supervisor
	bus    *events.Bus
	hub    *gateway.Hub
	logger *zap.Logger
}

// NewServer creates the control surface.
func NewServer(sup *supervisor.Supervisor, bus *events.Bus, hub *gateway.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sup: sup, bus: bus, hub: hub, logger: logger.Named("control")}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("POST /api/agents/link", s.handleLink)
	mux.HandleFunc("POST /api/agents/unlink", s.handleUnlink)
	mux.HandleFunc("POST /api/agents/usermapping", s.handleUserMapping)
	mux.HandleFunc("POST /api/agents/parents", s.handleParentAccounts)
	mux.HandleFunc("POST /api/agents/logout", s.handleForceLogout)
	mux.HandleFunc("POST /api/agents/lock", s.handleLock)
	mux.HandleFunc("POST /api/agents/focus", s.handleFocus)
	mux.HandleFunc("GET /api/children", s.handleChildren)
	mux.HandleFunc("POST /api/children/settings", s.handleChildSettings)
	mux.HandleFunc("GET /api/violations", s.handleViolations)
	mux.HandleFunc("POST /api/violations/clear", s.handleClearViolations)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	if s.hub != nil {
		mux.HandleFunc("/ws/agent", s.hub.HandleConnection)
	}
}

// ─── Envelope ─────────────────────────────────────────────────────────────

// envelope is the (error?, value?) pair contract of the UI IPC boundary.
type envelope struct {
	Error *string `json:"error,omitempty"`
	Value any     `json:"value,omitempty"`
}

func (s *Server) respondValue(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Value: value}); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, supervisor.ErrUnknownAgent):
		code = http.StatusNotFound
	case errors.Is(err, gateway.ErrAgentUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrPermissionDenied):
		code = http.StatusForbidden
	}

	msg := err.Error()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Error: &msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return supervisor.ErrInvalidConfig
	}
	return nil
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// ─── Handlers ─────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.respondValue(w, s.sup.GetStatus())
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	s.respondValue(w, s.sup.GetAgents())
}

func (s *Server) handleChildren(w http.ResponseWriter, _ *http.Request) {
	s.respondValue(w, s.sup.GetChildren())
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		ChildID string `json:"child_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.LinkAgent(req.AgentID, req.ChildID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.UnlinkAgent(req.AgentID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleUserMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string `json:"agent_id"`
		Username string `json:"username"`
		ChildID  string `json:"child_id"` // empty clears
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.SetUserMapping(req.AgentID, req.Username, req.ChildID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleParentAccounts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string   `json:"agent_id"`
		Usernames []string `json:"usernames"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.SetParentAccounts(req.AgentID, req.Usernames); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleChildSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChildID string                `json:"child_id"`
		Patch   supervisor.ChildPatch `json:"patch"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.UpdateChildSettings(req.ChildID, req.Patch); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, s.sup.GetViolations(limitParam(r, 50)))
}

func (s *Server) handleClearViolations(w http.ResponseWriter, _ *http.Request) {
	s.sup.ClearViolations()
	s.respondValue(w, "ok")
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, s.sup.GetActivityLog(limitParam(r, 100)))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.respondValue(w, s.sup.GetSettings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch supervisor.SettingsPatch
	if err := decodeBody(r, &patch); err != nil {
		s.respondError(w, err)
		return
	}
	updated, err := s.sup.UpdateSettings(patch)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, updated)
}

func (s *Server) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.ForceLogout(req.AgentID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.LockSession(req.AgentID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Enabled bool   `json:"enabled"`
		ChildID string `json:"child_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.sup.TriggerFocusMode(req.AgentID, req.Enabled, req.ChildID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondValue(w, "ok")
}
