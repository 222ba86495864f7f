package supervisor

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"warden/internal/events"
	"warden/internal/models"
	"warden/internal/telemetry"
)

// resolveChild maps an OS username on an agent to a child id via the
// agent's user mappings. Username comparison is case-insensitive; Windows
// reports usernames with inconsistent casing.
func (s *Supervisor) resolveChild(agentID, username string) string {
	mappings := s.state.UserMappings[agentID]
	if childID, ok := mappings[username]; ok {
		return childID
	}
	for u, childID := range mappings {
		if strings.EqualFold(u, username) {
			return childID
		}
	}
	return ""
}

// isParentAccount reports whether the username is listed as a parent on
// the agent.
func (s *Supervisor) isParentAccount(agentID, username string) bool {
	for _, u := range s.state.ParentAccounts[agentID] {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

// handleSessionTelemetry processes one session monitor report: it detects
// user switches (flushing usage to the old child), replaces the agent's
// current session snapshot, advances computer time, and re-plans.
func (s *Supervisor) handleSessionTelemetry(agentID string, payload json.RawMessage) {
	s.mu.Lock()
	settings := s.state.Settings
	s.mu.Unlock()

	sess, raw, err := telemetry.DecodeSession(payload, settings.IdleThresholdMs)
	if err != nil {
		s.logger.Warn("bad session telemetry", zap.String("agent", agentID), zap.Error(err))
		return
	}
	now := s.now()

	s.mu.Lock()
	agent, ok := s.state.Agents[agentID]
	if !ok {
		agent = &models.Agent{ID: agentID, Enabled: true}
		s.state.Agents[agentID] = agent
	}
	agent.Online = true
	agent.LastSeen = now
	if raw.Hostname != "" {
		agent.Hostname = raw.Hostname
	}
	if raw.Platform != "" && models.ValidPlatform(raw.Platform) {
		agent.Platform = raw.Platform
	}

	sess.Parental = s.isParentAccount(agentID, sess.Username)
	childID := s.resolveChild(agentID, sess.Username)

	prior := agent.CurrentSession
	userChanged := prior == nil || !strings.EqualFold(prior.Username, sess.Username)
	var priorChild string
	var priorParental bool
	if prior != nil && userChanged {
		priorChild = s.resolveChild(agentID, prior.Username)
		priorParental = prior.Parental
	}

	if userChanged {
		sess.StartedAt = now
	} else {
		sess.StartedAt = prior.StartedAt
	}
	agent.CurrentSession = sess
	hostname := agent.Hostname
	enabled := agent.Enabled
	s.mu.Unlock()

	// The outgoing user's usage is flushed to their child before the new
	// session starts accumulating.
	if prior != nil && userChanged && priorChild != "" && !priorParental {
		s.accountant.CloseSession(agentID, priorChild, now,
			!(prior.IsIdle && settings.PauseOnIdle), settings.ReportInterval())
		s.journal.AddActivity(models.ActivityEntry{
			AgentID: agentID, Kind: "session",
			Message: "session ended for " + prior.Username, Timestamp: now,
		})
	}
	if userChanged {
		s.journal.AddActivity(models.ActivityEntry{
			AgentID: agentID, Kind: "session",
			Message: "session started for " + sess.Username, Timestamp: now,
		})
	}

	if !sess.Parental && childID != "" {
		counting := !(sess.IsIdle && settings.PauseOnIdle)
		s.accountant.Advance(agentID, childID, models.ActivityComputer, now,
			counting, settings.ReportInterval())
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.OSSessionUpdate, AgentID: agentID, Hostname: hostname,
			ChildID: childID, Message: "session update for " + sess.Username,
			Metadata: map[string]string{
				"username": sess.Username,
				"idle":     boolStr(sess.IsIdle),
				"parental": boolStr(sess.Parental),
			},
			Timestamp: now,
		})
	}

	// Parent sessions are tracked but never produce intents.
	if sess.Parental || !enabled {
		return
	}
	s.evaluateAgent(agentID)
}

// handleProcessTelemetry processes one process monitor report: it replaces
// the agent's latest snapshot, advances internet time when a browser is
// open, and re-plans.
func (s *Supervisor) handleProcessTelemetry(agentID string, payload json.RawMessage) {
	snap, err := telemetry.DecodeProcess(payload)
	if err != nil {
		s.logger.Warn("bad process telemetry", zap.String("agent", agentID), zap.Error(err))
		return
	}
	now := s.now()

	s.mu.Lock()
	agent, ok := s.state.Agents[agentID]
	if !ok {
		agent = &models.Agent{ID: agentID, Enabled: true}
		s.state.Agents[agentID] = agent
	}
	agent.Online = true
	agent.LastSeen = now
	if snap.Hostname != "" {
		agent.Hostname = snap.Hostname
	}
	s.snapshots[agentID] = snap
	settings := s.state.Settings
	enabled := agent.Enabled

	var childID string
	parental := false
	if sess := agent.CurrentSession; sess != nil {
		childID = s.resolveChild(agentID, sess.Username)
		parental = sess.Parental
	}
	s.mu.Unlock()

	if parental || !enabled {
		return
	}
	if childID != "" {
		s.accountant.Advance(agentID, childID, models.ActivityInternet, now,
			snap.BrowsersPresent(), settings.ReportInterval())
	}
	s.evaluateAgent(agentID)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
