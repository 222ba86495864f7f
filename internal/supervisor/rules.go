package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/models"
	"warden/internal/telemetry"
)

// bedtimeThresholds are the minutes-before-bedtime marks at which warnings
// fire, highest first.
var bedtimeThresholds = []int{15, 5, 1}

// RuleEvaluator applies bedtime windows, time-of-day schedules, and
// process blocklists to incoming snapshots. It keeps only the per-day
// bedtime warning marks; everything else is derived per call.
type RuleEvaluator struct {
	mu      sync.Mutex
	bedtime map[string]*bedtimeState // agent id → today's fired marks
}

type bedtimeState struct {
	day   string
	fired map[int]bool
}

// NewRuleEvaluator creates an evaluator.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{bedtime: make(map[string]*bedtimeState)}
}

// matchesPattern reports whether the process name contains the pattern,
// case-insensitively. This is the single matching rule used for blocklists,
// schedules, and focus profiles.
func matchesPattern(processName, pattern string) bool {
	p := strings.TrimSpace(strings.ToLower(pattern))
	if p == "" {
		return false
	}
	return strings.Contains(strings.ToLower(processName), p)
}

// firstMatch returns the first pattern the process name matches.
func firstMatch(processName string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if matchesPattern(processName, p) {
			return p, true
		}
	}
	return "", false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// EvaluateProcesses runs the blocked-process and schedule passes over a
// snapshot. While focus mode is active the child's blocklist is widened by
// the focus profile's apps and categories.
func (r *RuleEvaluator) EvaluateProcesses(agentID string, child *models.Child, snap *telemetry.Snapshot, focusActive bool, now time.Time) []Intent {
	if child == nil || snap == nil {
		return nil
	}

	blocked := child.BlockedProcesses
	var focusCategories []string
	if focusActive && child.FocusMode != nil {
		blocked = append(append([]string(nil), blocked...), child.FocusMode.BlockedApps...)
		focusCategories = child.FocusMode.BlockedCategories
	}

	var intents []Intent
	for _, proc := range snap.Processes {
		if pattern, ok := firstMatch(proc.Name, blocked); ok {
			intents = append(intents,
				Intent{
					Kind: IntentBlockProcess, AgentID: agentID,
					PID: proc.PID, ProcessName: proc.Name,
					Reason: fmt.Sprintf("matches blocked pattern %q", pattern),
				},
				Intent{
					Kind: IntentWarning, AgentID: agentID,
					PID: proc.PID, ProcessName: proc.Name,
				})
			continue
		}
		if len(focusCategories) > 0 && containsFold(focusCategories, proc.Category) {
			intents = append(intents, Intent{
				Kind: IntentBlockProcess, AgentID: agentID,
				PID: proc.PID, ProcessName: proc.Name,
				Reason: fmt.Sprintf("category %q blocked during focus", proc.Category),
			})
			continue
		}

		for _, sched := range child.Schedules {
			if !scheduleActive(sched, now) {
				continue
			}
			if _, ok := firstMatch(proc.Name, sched.BlockedPatterns); !ok {
				continue
			}
			if proc.Category != "" && containsFold(sched.AllowedCategories, proc.Category) {
				continue
			}
			intents = append(intents, Intent{
				Kind: IntentBlockProcess, AgentID: agentID,
				PID: proc.PID, ProcessName: proc.Name,
				Reason: fmt.Sprintf("blocked by schedule %q", sched.Name),
			})
			break
		}
	}
	return intents
}

// scheduleActive reports whether the schedule window covers now.
func scheduleActive(s models.Schedule, now time.Time) bool {
	if !models.AnyDayMatches(s.Days, now) {
		return false
	}
	start, ok := models.ParseClock(s.Start)
	if !ok {
		return false
	}
	end, ok := models.ParseClock(s.End)
	if !ok {
		return false
	}
	m := models.MinuteOfDay(now)
	return start <= m && m < end
}

// EvaluateBedtime runs the bedtime pass: graduated warnings as the
// deadline approaches, a logout intent once it has passed. Warning marks
// reset with the local day.
func (r *RuleEvaluator) EvaluateBedtime(agentID string, child *models.Child, now time.Time, graceSeconds int) []Intent {
	if child == nil || !child.Bedtime.Enabled {
		return nil
	}
	if !models.AnyDayMatches(child.Bedtime.Days, now) {
		return nil
	}
	target, ok := models.ParseClock(child.Bedtime.Time)
	if !ok {
		return nil
	}

	delta := target - models.MinuteOfDay(now)
	if delta <= 0 {
		return []Intent{{
			Kind: IntentLogout, AgentID: agentID,
			Reason: "bedtime", GraceSeconds: graceSeconds,
		}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	day := now.Format("2006-01-02")
	st := r.bedtime[agentID]
	if st == nil || st.day != day {
		st = &bedtimeState{day: day, fired: make(map[int]bool)}
		r.bedtime[agentID] = st
	}

	// A late first tick (say at Δ=4) marks every threshold it has already
	// passed so only one warning fires for it.
	fire := false
	for _, t := range bedtimeThresholds {
		if delta <= t && !st.fired[t] {
			st.fired[t] = true
			fire = true
		}
	}
	if !fire {
		return nil
	}
	return []Intent{{
		Kind: IntentWarning, AgentID: agentID,
		Bedtime: true, MinutesRemaining: delta,
		Critical: delta <= 5,
	}}
}

// Forget drops the agent's bedtime marks. Called on unlink.
func (r *RuleEvaluator) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bedtime, agentID)
}
