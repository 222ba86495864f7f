package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/internal/models"
	"warden/internal/telemetry"
)

// oracleTimeout bounds one verdict round-trip.
const oracleTimeout = 10 * time.Second

// evaluateAgent is the coherence point: it recomputes enforcement intents
// for the agent from the latest session, snapshot, rules, and oracle
// verdict, and hands the deduplicated result to the dispatcher. Runs only
// on the agent's queue.
func (s *Supervisor) evaluateAgent(agentID string) {
	s.mu.RLock()
	agent, ok := s.state.Agents[agentID]
	if !ok || !agent.Enabled || !agent.Online {
		s.mu.RUnlock()
		return
	}
	sess := agent.CurrentSession
	if sess == nil || sess.Parental {
		s.mu.RUnlock()
		return
	}
	childID := s.resolveChild(agentID, sess.Username)
	child := s.state.Children[childID].Clone()
	snap := s.snapshots[agentID]
	focusActive := agent.FocusActive
	settings := s.state.Settings
	hostname := agent.Hostname
	s.mu.RUnlock()

	// Telemetry for an unbound username counts toward online/hostname
	// tracking only.
	if childID == "" {
		s.logger.Debug("no intents for unbound session",
			zap.String("agent", agentID), zap.Error(ErrMissingBinding))
		return
	}

	now := s.now()
	s.armMidnightMarker(agentID, childID, now)

	var intents []Intent
	var browsers []telemetry.BrowserInfo
	if child != nil {
		if snap != nil {
			intents = append(intents, s.rules.EvaluateProcesses(agentID, child, snap, focusActive, now)...)
			browsers = snap.Browsers
		}
		intents = append(intents, s.rules.EvaluateBedtime(agentID, child, now, settings.GracePeriodSec)...)
	}

	quota, exclusive := s.evaluateQuota(agentID, childID, now, settings, snap)
	if exclusive {
		// The oracle says banned or not allowed; nothing may interleave
		// with the logout.
		intents = quota
	} else {
		intents = append(intents, quota...)
	}

	if len(intents) == 0 {
		return
	}
	s.dispatcher.Dispatch(intents, hostname, settings, browsers)

	s.mu.Lock()
	if s.phases[agentID] == PhaseIdle {
		for _, it := range intents {
			if it.Kind == IntentWarning {
				s.phases[agentID] = PhaseWarning
				break
			}
		}
	}
	s.mu.Unlock()
}

// evaluateQuota consults the oracle for the computer activity, emits
// ladder warnings and logouts, pre-arms timers from the remaining-time
// estimate, and checks internet permission when a browser is open.
// exclusive is set when the verdict forbids access outright.
func (s *Supervisor) evaluateQuota(agentID, childID string, now time.Time, settings models.Settings, snap *telemetry.Snapshot) (intents []Intent, exclusive bool) {
	if s.oracle == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), oracleTimeout)
	defer cancel()

	v, err := s.oracle.Check(ctx, childID, models.ActivityComputer)
	if err != nil {
		// Past the cache TTL enforcement defers: no new logout on stale
		// data. Already-armed timers still fire.
		s.logger.Warn("oracle unavailable, deferring enforcement",
			zap.String("agent", agentID), zap.String("child", childID), zap.Error(err))
		return nil, false
	}

	if v.Banned || !v.Allowed {
		return []Intent{{
			Kind: IntentLogout, AgentID: agentID,
			Reason: "access blocked", GraceSeconds: settings.GracePeriodSec,
		}}, true
	}

	for _, t := range settings.WarningTimes {
		lo, hi := (t-1)*60, t*60
		if v.RemainingSeconds > lo && v.RemainingSeconds <= hi {
			if !s.accountant.WarningFired(agentID, childID, models.ActivityComputer, t, true) {
				intents = append(intents, Intent{
					Kind: IntentWarning, AgentID: agentID,
					Activity: models.ActivityComputer, MinutesRemaining: t,
					Critical: t <= 1,
				})
			}
		}
	}

	switch {
	case v.RemainingSeconds <= 0:
		intents = append(intents, Intent{
			Kind: IntentLogout, AgentID: agentID,
			Reason: "computer time exhausted", GraceSeconds: settings.GracePeriodSec,
		})
	case v.RemainingSeconds <= 3600:
		s.armQuotaTimers(agentID, childID, v.RemainingSeconds, settings, now)
	}

	if snap != nil && snap.BrowsersPresent() {
		vi, ierr := s.oracle.Check(ctx, childID, models.ActivityInternet)
		if ierr == nil && (vi.Banned || !vi.Allowed) {
			intents = append(intents, Intent{Kind: IntentBlockBrowsers, AgentID: agentID})
		}
	}
	return intents, false
}

// armQuotaTimers derives one set of pre-logout warning timers plus the
// logout timer from the most recent remaining-time estimate. Each arm is
// cancel-then-arm, so a fresh estimate replaces the previous set.
func (s *Supervisor) armQuotaTimers(agentID, childID string, remainingSeconds int, settings models.Settings, now time.Time) {
	for _, t := range settings.WarningTimes {
		ahead := remainingSeconds - t*60
		if ahead <= 0 {
			s.timers.Cancel(agentID, fmt.Sprintf("%s%d", timerWarnPref, t))
			continue
		}
		threshold := t
		delay := time.Duration(ahead) * time.Second
		s.timers.Reschedule(agentID, fmt.Sprintf("%s%d", timerWarnPref, threshold),
			delay, now.Add(delay), func() {
				s.runOn(agentID, func() {
					s.fireQuotaWarning(agentID, childID, threshold, settings)
				})
			})
	}

	// The logout timer keeps the earlier deadline: a later estimate never
	// pushes an already-armed logout back.
	deadline := now.Add(time.Duration(remainingSeconds) * time.Second)
	if prev, ok := s.timers.Deadline(agentID, timerLogout); ok && !prev.After(deadline) {
		return
	}
	s.timers.Reschedule(agentID, timerLogout,
		time.Duration(remainingSeconds)*time.Second, deadline, func() {
			s.runOn(agentID, func() { s.evaluateAgent(agentID) })
		})
}

// fireQuotaWarning dispatches a pre-armed threshold warning, subject to
// the same once-per-day mark as telemetry-driven warnings.
func (s *Supervisor) fireQuotaWarning(agentID, childID string, threshold int, settings models.Settings) {
	s.mu.RLock()
	agent, ok := s.state.Agents[agentID]
	if !ok || !agent.Enabled || !agent.Online ||
		agent.CurrentSession == nil || agent.CurrentSession.Parental {
		s.mu.RUnlock()
		return
	}
	hostname := agent.Hostname
	s.mu.RUnlock()

	if s.accountant.WarningFired(agentID, childID, models.ActivityComputer, threshold, true) {
		return
	}
	s.dispatcher.Dispatch([]Intent{{
		Kind: IntentWarning, AgentID: agentID,
		Activity: models.ActivityComputer, MinutesRemaining: threshold,
		Critical: threshold <= 1,
	}}, hostname, settings, nil)

	s.mu.Lock()
	if s.phases[agentID] == PhaseIdle {
		s.phases[agentID] = PhaseWarning
	}
	s.mu.Unlock()
}

// armMidnightMarker keeps one timer per (agent, child) that wakes the
// planner just past local midnight so daily resets do not wait for the
// first telemetry of the day.
func (s *Supervisor) armMidnightMarker(agentID, childID string, now time.Time) {
	key := timerRollover + childID
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 1, 0, now.Location())
	if prev, ok := s.timers.Deadline(agentID, key); ok && prev.Equal(next) {
		return
	}
	s.timers.Reschedule(agentID, key, next.Sub(now), next, func() {
		s.runOn(agentID, func() { s.evaluateAgent(agentID) })
	})
}
