package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"warden/internal/gateway"
	"warden/internal/models"
	"warden/internal/telemetry"
)

// Status is the summary the UI polls.
type Status struct {
	AgentCount        int                `json:"agent_count"`
	ActiveAgents      int                `json:"active_agents"`
	MonitoredChildren int                `json:"monitored_children"`
	RecentViolations  []models.Violation `json:"recent_violations"`
	Settings          models.Settings    `json:"settings"`
	LastSync          time.Time          `json:"last_sync"`
}

// GetStatus returns the fleet summary.
func (s *Supervisor) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		AgentCount: len(s.state.Agents),
		Settings:   s.state.Settings,
		LastSync:   s.state.LastSync,
	}
	children := make(map[string]struct{})
	for id, a := range s.state.Agents {
		if a.Online {
			st.ActiveAgents++
		}
		if a.ChildID != "" {
			children[a.ChildID] = struct{}{}
		}
		for _, childID := range s.state.UserMappings[id] {
			if childID != "" {
				children[childID] = struct{}{}
			}
		}
	}
	st.MonitoredChildren = len(children)
	if s.journal != nil {
		st.RecentViolations = s.journal.Violations(10)
	}
	return st
}

// GetAgents returns a point-in-time snapshot of every registered agent,
// stable by id.
func (s *Supervisor) GetAgents() []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Agent, 0, len(s.state.Agents))
	for _, a := range s.state.Agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinkAgent binds the agent to a child. If the agent has a live session
// with no user mapping, the current username is implicitly mapped to the
// child.
func (s *Supervisor) LinkAgent(agentID, childID string) error {
	if childID == "" {
		return fmt.Errorf("%w: child id required", ErrInvalidConfig)
	}

	var err error
	s.runOnWait(agentID, func() {
		s.mu.Lock()
		agent, ok := s.state.Agents[agentID]
		if !ok {
			s.mu.Unlock()
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		agent.ChildID = childID
		if sess := agent.CurrentSession; sess != nil && !sess.Parental {
			if s.resolveChild(agentID, sess.Username) == "" {
				if s.state.UserMappings[agentID] == nil {
					s.state.UserMappings[agentID] = make(map[string]string)
				}
				s.state.UserMappings[agentID][sess.Username] = childID
			}
		}
		s.mu.Unlock()

		s.journal.AddActivity(models.ActivityEntry{
			AgentID: agentID, Kind: "link",
			Message: "agent linked to child " + childID, Timestamp: s.now(),
		})
		s.evaluateAgent(agentID)
	})
	if err != nil {
		return err
	}
	s.persist()
	return nil
}

// UnlinkAgent removes the binding and everything derived from it: pending
// logout and warning timers, usage cells, bedtime marks, dedup state. The
// agent keeps reporting but produces no intents until rebound.
func (s *Supervisor) UnlinkAgent(agentID string) error {
	var err error
	s.runOnWait(agentID, func() {
		s.mu.Lock()
		agent, ok := s.state.Agents[agentID]
		if !ok {
			s.mu.Unlock()
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		agent.ChildID = ""
		agent.FocusActive = false
		agent.FocusChildID = ""
		delete(s.state.UserMappings, agentID)
		s.phases[agentID] = PhaseIdle
		s.mu.Unlock()

		s.timers.CancelAgent(agentID)
		s.dispatcher.ForgetAgent(agentID)
		s.rules.Forget(agentID)
		s.accountant.DropAgent(agentID)

		s.journal.AddActivity(models.ActivityEntry{
			AgentID: agentID, Kind: "unlink",
			Message: "agent unlinked", Timestamp: s.now(),
		})
	})
	if err != nil {
		return err
	}
	s.persist()
	return nil
}

// SetUserMapping maps an OS username on the agent to a child; an empty
// child id clears the mapping.
func (s *Supervisor) SetUserMapping(agentID, username, childID string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username required", ErrInvalidConfig)
	}

	var err error
	s.runOnWait(agentID, func() {
		s.mu.Lock()
		if _, ok := s.state.Agents[agentID]; !ok {
			s.mu.Unlock()
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		if childID == "" {
			delete(s.state.UserMappings[agentID], username)
		} else {
			if s.state.UserMappings[agentID] == nil {
				s.state.UserMappings[agentID] = make(map[string]string)
			}
			s.state.UserMappings[agentID][username] = childID
		}
		s.mu.Unlock()
		s.evaluateAgent(agentID)
	})
	if err != nil {
		return err
	}
	s.persist()
	return nil
}

// SetParentAccounts replaces the agent's parent username list. Sessions
// for these usernames are tracked but never enforced against.
func (s *Supervisor) SetParentAccounts(agentID string, usernames []string) error {
	var err error
	s.runOnWait(agentID, func() {
		s.mu.Lock()
		agent, ok := s.state.Agents[agentID]
		if !ok {
			s.mu.Unlock()
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		cleaned := make([]string, 0, len(usernames))
		for _, u := range usernames {
			if u = strings.TrimSpace(u); u != "" {
				cleaned = append(cleaned, u)
			}
		}
		s.state.ParentAccounts[agentID] = cleaned
		if sess := agent.CurrentSession; sess != nil {
			sess.Parental = s.isParentAccount(agentID, sess.Username)
			if sess.Parental {
				s.phases[agentID] = PhaseIdle
			}
		}
		parental := agent.CurrentSession != nil && agent.CurrentSession.Parental
		s.mu.Unlock()

		// A session that just became parental must shed any armed
		// enforcement.
		if parental {
			s.timers.CancelAgent(agentID)
		}
	})
	if err != nil {
		return err
	}
	s.persist()
	return nil
}

// ─── Child settings ───────────────────────────────────────────────────────

// ChildPatch is a partial update of a child record. Nil fields are left
// unchanged; the Clear* flags reset nullable fields.
type ChildPatch struct {
	Name             *string              `json:"name,omitempty"`
	ComputerCapMin   *int                 `json:"computer_cap_min,omitempty"`
	ClearComputerCap bool                 `json:"clear_computer_cap,omitempty"`
	InternetCapMin   *int                 `json:"internet_cap_min,omitempty"`
	ClearInternetCap bool                 `json:"clear_internet_cap,omitempty"`
	BlockedProcesses *[]string            `json:"blocked_processes,omitempty"`
	Bedtime          *models.BedtimeRule  `json:"bedtime,omitempty"`
	Schedules        *[]models.Schedule   `json:"schedules,omitempty"`
	FocusMode        *models.FocusProfile `json:"focus_mode,omitempty"`
	ClearFocusMode   bool                 `json:"clear_focus_mode,omitempty"`
}

func (p *ChildPatch) validate() error {
	if p.Bedtime != nil && p.Bedtime.Enabled {
		if _, ok := models.ParseClock(p.Bedtime.Time); !ok {
			return fmt.Errorf("%w: bad bedtime time %q", ErrInvalidConfig, p.Bedtime.Time)
		}
	}
	if p.Schedules != nil {
		for _, sched := range *p.Schedules {
			if _, ok := models.ParseClock(sched.Start); !ok {
				return fmt.Errorf("%w: bad schedule start %q", ErrInvalidConfig, sched.Start)
			}
			if _, ok := models.ParseClock(sched.End); !ok {
				return fmt.Errorf("%w: bad schedule end %q", ErrInvalidConfig, sched.End)
			}
		}
	}
	if p.ComputerCapMin != nil && *p.ComputerCapMin < 0 {
		return fmt.Errorf("%w: negative computer cap", ErrInvalidConfig)
	}
	if p.InternetCapMin != nil && *p.InternetCapMin < 0 {
		return fmt.Errorf("%w: negative internet cap", ErrInvalidConfig)
	}
	return nil
}

// UpdateChildSettings applies a partial update, creating the child record
// on first reference. Invalid patches reject with state unmodified.
func (s *Supervisor) UpdateChildSettings(childID string, patch ChildPatch) error {
	if childID == "" {
		return fmt.Errorf("%w: child id required", ErrInvalidConfig)
	}
	if err := patch.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	child, ok := s.state.Children[childID]
	if !ok {
		child = &models.Child{ID: childID}
		s.state.Children[childID] = child
	}
	if patch.Name != nil {
		child.Name = *patch.Name
	}
	if patch.ClearComputerCap {
		child.ComputerCapMin = nil
	} else if patch.ComputerCapMin != nil {
		v := *patch.ComputerCapMin
		child.ComputerCapMin = &v
	}
	if patch.ClearInternetCap {
		child.InternetCapMin = nil
	} else if patch.InternetCapMin != nil {
		v := *patch.InternetCapMin
		child.InternetCapMin = &v
	}
	if patch.BlockedProcesses != nil {
		child.BlockedProcesses = append([]string(nil), *patch.BlockedProcesses...)
	}
	if patch.Bedtime != nil {
		child.Bedtime = *patch.Bedtime
	}
	if patch.Schedules != nil {
		child.Schedules = append([]models.Schedule(nil), *patch.Schedules...)
	}
	if patch.ClearFocusMode {
		child.FocusMode = nil
	} else if patch.FocusMode != nil {
		f := *patch.FocusMode
		child.FocusMode = &f
	}
	s.mu.Unlock()

	for _, agentID := range s.agentsForChild(childID) {
		id := agentID
		s.runOn(id, func() { s.evaluateAgent(id) })
	}
	s.persist()
	return nil
}

// agentsForChild lists agents bound to the child directly or through a
// user mapping.
func (s *Supervisor) agentsForChild(childID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, a := range s.state.Agents {
		if a.ChildID == childID {
			out = append(out, id)
			continue
		}
		for _, mapped := range s.state.UserMappings[id] {
			if mapped == childID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// GetChildren returns every child record, stable by id.
func (s *Supervisor) GetChildren() []*models.Child {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Child, 0, len(s.state.Children))
	for _, c := range s.state.Children {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ─── Settings ─────────────────────────────────────────────────────────────

// SettingsPatch is a partial update of the global settings.
type SettingsPatch struct {
	MonitorIntervalMs *int   `json:"monitor_interval_ms,omitempty"`
	WarningTimes      *[]int `json:"warning_times,omitempty"`
	GracePeriodSec    *int   `json:"grace_period_sec,omitempty"`
	PauseOnIdle       *bool  `json:"pause_on_idle,omitempty"`
	KillOnViolation   *bool  `json:"kill_on_violation,omitempty"`
	NotifyParent      *bool  `json:"notify_parent,omitempty"`
	IdleThresholdMs   *int64 `json:"idle_threshold_ms,omitempty"`
}

// GetSettings returns the global settings.
func (s *Supervisor) GetSettings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Settings
}

// UpdateSettings applies a partial settings update. A monitor interval
// change is pushed to every online agent's deployed monitors.
func (s *Supervisor) UpdateSettings(patch SettingsPatch) (models.Settings, error) {
	if patch.MonitorIntervalMs != nil && *patch.MonitorIntervalMs < 1000 {
		return models.Settings{}, fmt.Errorf("%w: monitor interval below 1s", ErrInvalidConfig)
	}
	if patch.GracePeriodSec != nil && *patch.GracePeriodSec < 0 {
		return models.Settings{}, fmt.Errorf("%w: negative grace period", ErrInvalidConfig)
	}
	if patch.WarningTimes != nil {
		for _, t := range *patch.WarningTimes {
			if t <= 0 {
				return models.Settings{}, fmt.Errorf("%w: warning threshold must be positive", ErrInvalidConfig)
			}
		}
	}

	s.mu.Lock()
	intervalChanged := false
	if patch.MonitorIntervalMs != nil && *patch.MonitorIntervalMs != s.state.Settings.MonitorIntervalMs {
		s.state.Settings.MonitorIntervalMs = *patch.MonitorIntervalMs
		intervalChanged = true
	}
	if patch.WarningTimes != nil {
		s.state.Settings.WarningTimes = append([]int(nil), *patch.WarningTimes...)
	}
	if patch.GracePeriodSec != nil {
		s.state.Settings.GracePeriodSec = *patch.GracePeriodSec
	}
	if patch.PauseOnIdle != nil {
		s.state.Settings.PauseOnIdle = *patch.PauseOnIdle
	}
	if patch.KillOnViolation != nil {
		s.state.Settings.KillOnViolation = *patch.KillOnViolation
	}
	if patch.NotifyParent != nil {
		s.state.Settings.NotifyParent = *patch.NotifyParent
	}
	if patch.IdleThresholdMs != nil {
		s.state.Settings.IdleThresholdMs = *patch.IdleThresholdMs
	}
	updated := s.state.Settings
	var online []string
	if intervalChanged {
		for id, a := range s.state.Agents {
			if a.Online {
				online = append(online, id)
			}
		}
	}
	s.mu.Unlock()

	for _, agentID := range online {
		for _, m := range gateway.Monitors() {
			if err := s.gw.UpdateMonitor(agentID, gateway.UpdateMonitorPayload{
				MonitorID:  m.MonitorID,
				IntervalMs: updated.MonitorIntervalMs,
			}); err != nil {
				s.logger.Warn("monitor interval update failed")
			}
		}
	}
	s.persist()
	return updated, nil
}

// ─── Journal passthrough ──────────────────────────────────────────────────

// GetViolations returns up to limit violations, newest first.
func (s *Supervisor) GetViolations(limit int) []models.Violation {
	return s.journal.Violations(limit)
}

// ClearViolations empties the violation ring.
func (s *Supervisor) ClearViolations() {
	s.journal.ClearViolations()
	s.persist()
}

// GetActivityLog returns up to limit activity entries, newest first.
func (s *Supervisor) GetActivityLog(limit int) []models.ActivityEntry {
	return s.journal.Activity(limit)
}

// ─── Manual overrides ─────────────────────────────────────────────────────

// ForceLogout enqueues a logout with the default grace period. A manual
// logout moves the agent to GracePending from any state.
func (s *Supervisor) ForceLogout(agentID string) error {
	s.mu.RLock()
	agent, ok := s.state.Agents[agentID]
	var hostname string
	var settings models.Settings
	if ok {
		hostname = agent.Hostname
		settings = s.state.Settings
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	s.runOnWait(agentID, func() {
		// Manual override replaces whatever was armed.
		s.dispatcher.CancelLogout(agentID)
		s.dispatcher.Dispatch([]Intent{{
			Kind: IntentLogout, AgentID: agentID,
			Reason: "parent requested logout", GraceSeconds: settings.GracePeriodSec,
		}}, hostname, settings, nil)
	})
	return nil
}

// LockSession dispatches an immediate lock.
func (s *Supervisor) LockSession(agentID string) error {
	s.mu.RLock()
	agent, ok := s.state.Agents[agentID]
	var hostname string
	var settings models.Settings
	if ok {
		hostname = agent.Hostname
		settings = s.state.Settings
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	s.runOnWait(agentID, func() {
		s.dispatcher.Dispatch([]Intent{{
			Kind: IntentLock, AgentID: agentID,
		}}, hostname, settings, nil)
	})
	return nil
}

// TriggerFocusMode toggles focus for the agent. While active the rule
// evaluator widens the child's blocklist with the focus profile; applying
// the same state twice is a no-op.
func (s *Supervisor) TriggerFocusMode(agentID string, enabled bool, childID string) error {
	s.mu.RLock()
	_, agentOK := s.state.Agents[agentID]
	child := s.state.Children[childID]
	hasProfile := child != nil && child.FocusMode != nil
	s.mu.RUnlock()

	if !agentOK {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if enabled && !hasProfile {
		return fmt.Errorf("%w: child %s has no focus profile", ErrInvalidConfig, childID)
	}

	s.runOnWait(agentID, func() {
		s.mu.Lock()
		agent := s.state.Agents[agentID]
		if agent.FocusActive == enabled && (!enabled || agent.FocusChildID == childID) {
			s.mu.Unlock()
			return
		}
		agent.FocusActive = enabled
		if enabled {
			agent.FocusChildID = childID
		} else {
			agent.FocusChildID = ""
		}
		s.mu.Unlock()

		msg := "focus mode cleared"
		if enabled {
			msg = "focus mode applied for child " + childID
		}
		s.journal.AddActivity(models.ActivityEntry{
			AgentID: agentID, Kind: "focus", Message: msg, Timestamp: s.now(),
		})
		s.evaluateAgent(agentID)
	})
	s.persist()
	return nil
}

// LatestSnapshot returns the agent's most recent process snapshot. Read
// surface for the UI.
func (s *Supervisor) LatestSnapshot(agentID string) *telemetry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[agentID]
}
