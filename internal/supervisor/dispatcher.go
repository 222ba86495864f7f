package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/events"
	"warden/internal/journal"
	"warden/internal/models"
	"warden/internal/telemetry"
)

// killSuppression is how long a dispatched kill for a pid suppresses
// re-dispatch on re-observation.
const killSuppression = 30 * time.Second

// Action ids deployed to every agent.
const (
	actionWarn   = "warn"
	actionKill   = "kill"
	actionLock   = "lock"
	actionLogout = "logout"
)

// Dispatcher serializes intents into agent action invocations. It owns the
// warning message composition, the kill dedup window, the grace timer for
// logouts, and the correlation of action responses back to their intents.
type Dispatcher struct {
	gw      Gateway
	journal *journal.Journal
	bus     *events.Bus
	timers  *timerTable
	logger  *zap.Logger
	now     func() time.Time

	// onPhase lets the planner observe logout lifecycle transitions.
	onPhase func(agentID string, phase AgentPhase)

	mu          sync.Mutex
	recentKills map[string]map[int]time.Time // agent → pid → dispatch time
	jobs        map[string]jobContext        // job id → what it was for
}

type jobContext struct {
	agentID     string
	actionID    string
	processName string
	reason      string
	hostname    string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gw Gateway, jnl *journal.Journal, bus *events.Bus, timers *timerTable, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		gw:          gw,
		journal:     jnl,
		bus:         bus,
		timers:      timers,
		logger:      logger.Named("dispatcher"),
		now:         func() time.Time { return time.Now().UTC() },
		recentKills: make(map[string]map[int]time.Time),
		jobs:        make(map[string]jobContext),
	}
}

// warnArgs is the payload of the warn action.
type warnArgs struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency"` // normal, critical
}

// killArgs is the payload of the kill action.
type killArgs struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// logoutArgs is the payload of the logout action.
type logoutArgs struct {
	Reason string `json:"reason"`
}

// Dispatch converts one tick's intents into agent actions. Intents are
// processed highest priority first; at most one logout per tick survives.
func (d *Dispatcher) Dispatch(intents []Intent, hostname string, settings models.Settings, browsers []telemetry.BrowserInfo) {
	sortIntents(intents)

	logoutSeen := false
	suppressed := make(map[int]bool)
	for _, it := range intents {
		switch it.Kind {
		case IntentLogout:
			if logoutSeen {
				continue
			}
			logoutSeen = true
			d.dispatchLogout(it, hostname)

		case IntentBlockBrowsers:
			d.dispatchBlockBrowsers(it, hostname, settings, browsers)

		case IntentBlockProcess:
			if !d.dispatchBlockProcess(it, hostname, settings) {
				suppressed[it.PID] = true
			}

		case IntentWarning:
			// A warning that accompanied a suppressed kill is suppressed
			// with it.
			if it.PID != 0 && suppressed[it.PID] {
				continue
			}
			d.dispatchWarning(it, hostname)

		case IntentLock:
			d.dispatchLock(it, hostname)
		}
	}
}

// ─── Warnings ─────────────────────────────────────────────────────────────

func (d *Dispatcher) dispatchWarning(it Intent, hostname string) {
	args := composeWarning(it)
	if _, err := d.gw.TriggerAction(it.AgentID, actionWarn, args); err != nil {
		d.recordActionFailure(it.AgentID, hostname, actionWarn, err)
		return
	}

	evType := events.OSQuotaWarning
	if it.Bedtime {
		evType = events.OSBedtimeWarning
	}
	sev := events.SeverityWarning
	if it.Critical {
		sev = events.SeverityCritical
	}
	d.publish(events.Event{
		Type: evType, Severity: sev,
		AgentID: it.AgentID, Hostname: hostname,
		Message: args.Message,
		Metadata: map[string]string{
			"minutes":  fmt.Sprintf("%d", it.MinutesRemaining),
			"activity": string(it.Activity),
		},
	})
}

// composeWarning builds the user-visible warning text.
func composeWarning(it Intent) warnArgs {
	urgency := "normal"
	if it.Critical {
		urgency = "critical"
	}

	switch {
	case it.Bedtime:
		return warnArgs{
			Title:   "Bedtime Soon",
			Message: fmt.Sprintf("Bedtime in %d minutes. Time to wrap up.", it.MinutesRemaining),
			Urgency: urgency,
		}
	case it.ProcessName != "":
		return warnArgs{
			Title:   "Application Blocked",
			Message: fmt.Sprintf("%s is not allowed and has been closed.", it.ProcessName),
			Urgency: urgency,
		}
	case it.Activity == models.ActivityInternet:
		return warnArgs{
			Title:   "Internet Time Warning",
			Message: fmt.Sprintf("%d minutes of internet time remaining today.", it.MinutesRemaining),
			Urgency: urgency,
		}
	default:
		return warnArgs{
			Title:   "Computer Time Warning",
			Message: fmt.Sprintf("%d minutes of computer time remaining today.", it.MinutesRemaining),
			Urgency: urgency,
		}
	}
}

// ─── Process blocking ─────────────────────────────────────────────────────

// dispatchBlockProcess journals the violation and dispatches the kill.
// Returns false when the pid is inside the suppression window, in which
// case nothing is emitted at all.
func (d *Dispatcher) dispatchBlockProcess(it Intent, hostname string, settings models.Settings) bool {
	if !d.markKill(it.AgentID, it.PID) {
		return false
	}

	d.journal.AddViolation(models.Violation{
		Kind:        models.ViolationBlockedProcess,
		AgentID:     it.AgentID,
		Hostname:    hostname,
		ProcessName: it.ProcessName,
		Reason:      it.Reason,
		Timestamp:   d.now(),
	})
	d.publish(events.Event{
		Type: events.OSBlockedProcessDetected, Severity: events.SeverityWarning,
		AgentID: it.AgentID, Hostname: hostname,
		Message:  fmt.Sprintf("blocked process %s detected", it.ProcessName),
		Metadata: map[string]string{"process": it.ProcessName, "reason": it.Reason},
	})

	if settings.KillOnViolation {
		d.triggerKill(it.AgentID, hostname, it.PID, it.ProcessName, it.Reason)
	}
	return true
}

// markKill records a kill dispatch for the pid. Returns false when a kill
// for the same pid happened within the suppression window.
func (d *Dispatcher) markKill(agentID string, pid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := d.recentKills[agentID]
	if slot == nil {
		slot = make(map[int]time.Time)
		d.recentKills[agentID] = slot
	}
	if at, ok := slot[pid]; ok && d.now().Sub(at) < killSuppression {
		return false
	}
	slot[pid] = d.now()
	return true
}

func (d *Dispatcher) triggerKill(agentID, hostname string, pid int, name, reason string) {
	jobID, err := d.gw.TriggerAction(agentID, actionKill, killArgs{PID: pid, Name: name, Reason: reason})
	if err != nil {
		d.recordActionFailure(agentID, hostname, actionKill, err)
		return
	}
	d.trackJob(jobID, jobContext{
		agentID: agentID, actionID: actionKill,
		processName: name, reason: reason, hostname: hostname,
	})
}

func (d *Dispatcher) dispatchBlockBrowsers(it Intent, hostname string, settings models.Settings, browsers []telemetry.BrowserInfo) {
	for _, b := range browsers {
		if d.markKill(it.AgentID, b.PID) {
			d.triggerKill(it.AgentID, hostname, b.PID, b.Name, "internet access not allowed")
		}
	}
	args := warnArgs{
		Title:   "Internet Blocked",
		Message: "Internet time is used up or not allowed right now. Browsers have been closed.",
		Urgency: "critical",
	}
	if _, err := d.gw.TriggerAction(it.AgentID, actionWarn, args); err != nil {
		d.recordActionFailure(it.AgentID, hostname, actionWarn, err)
	}
	d.publish(events.Event{
		Type: events.OSQuotaExhausted, Severity: events.SeverityCritical,
		AgentID: it.AgentID, Hostname: hostname,
		Message:  "internet access blocked, browsers closed",
		Metadata: map[string]string{"activity": string(models.ActivityInternet)},
	})
}

// ─── Lock & logout ────────────────────────────────────────────────────────

func (d *Dispatcher) dispatchLock(it Intent, hostname string) {
	jobID, err := d.gw.TriggerAction(it.AgentID, actionLock, struct{}{})
	if err != nil {
		d.recordActionFailure(it.AgentID, hostname, actionLock, err)
		return
	}
	d.trackJob(jobID, jobContext{agentID: it.AgentID, actionID: actionLock, hostname: hostname})
	d.journal.AddActivity(models.ActivityEntry{
		AgentID: it.AgentID, Kind: "lock",
		Message: "session lock dispatched", Timestamp: d.now(),
	})
}

// dispatchLogout emits the critical warning immediately and arms the grace
// timer. At most one logout timer exists per agent; a new intent with a
// later deadline than the armed one is ignored (keep the earlier).
func (d *Dispatcher) dispatchLogout(it Intent, hostname string) {
	deadline := d.now().Add(time.Duration(it.GraceSeconds) * time.Second)
	if prev, ok := d.timers.Deadline(it.AgentID, timerLogout); ok && !prev.After(deadline) {
		return
	}

	warn := warnArgs{
		Title:   "Session Ending",
		Message: fmt.Sprintf("You will be logged out in %d seconds: %s. Save your work now.", it.GraceSeconds, it.Reason),
		Urgency: "critical",
	}
	if _, err := d.gw.TriggerAction(it.AgentID, actionWarn, warn); err != nil {
		d.recordActionFailure(it.AgentID, hostname, actionWarn, err)
	}

	d.publish(events.Event{
		Type: events.OSQuotaExhausted, Severity: events.SeverityCritical,
		AgentID: it.AgentID, Hostname: hostname,
		Message:  fmt.Sprintf("logout in %ds: %s", it.GraceSeconds, it.Reason),
		Metadata: map[string]string{"reason": it.Reason},
	})

	agentID, reason := it.AgentID, it.Reason
	d.timers.Reschedule(agentID, timerLogout,
		time.Duration(it.GraceSeconds)*time.Second, deadline,
		func() { d.fireLogout(agentID, hostname, reason) })
	d.setPhase(agentID, PhaseGracePending)

	kind := models.ViolationQuotaExceeded
	if reason == "bedtime" {
		kind = models.ViolationBedtime
	} else if reason == "access blocked" {
		kind = models.ViolationAccessBlocked
	}
	d.journal.AddViolation(models.Violation{
		Kind: kind, AgentID: agentID, Hostname: hostname,
		Reason: reason, Timestamp: d.now(),
	})
}

// fireLogout runs when the grace timer elapses.
func (d *Dispatcher) fireLogout(agentID, hostname, reason string) {
	jobID, err := d.gw.TriggerAction(agentID, actionLogout, logoutArgs{Reason: reason})
	if err != nil {
		d.recordActionFailure(agentID, hostname, actionLogout, err)
		d.setPhase(agentID, PhaseIdle)
		return
	}
	d.trackJob(jobID, jobContext{
		agentID: agentID, actionID: actionLogout,
		reason: reason, hostname: hostname,
	})
	d.setPhase(agentID, PhaseLoggingOut)
	d.journal.AddActivity(models.ActivityEntry{
		AgentID: agentID, Kind: "logout",
		Message: "logout dispatched: " + reason, Timestamp: d.now(),
	})
}

// CancelLogout disarms any pending logout timer for the agent. Idempotent.
func (d *Dispatcher) CancelLogout(agentID string) bool {
	return d.timers.Cancel(agentID, timerLogout)
}

// ─── Action responses ─────────────────────────────────────────────────────

func (d *Dispatcher) trackJob(jobID string, ctx jobContext) {
	d.mu.Lock()
	d.jobs[jobID] = ctx
	d.mu.Unlock()
}

// HandleActionResult correlates an agent's action response with the job
// that produced it. Failures are recorded and never retried; the planner
// recovers on the next telemetry arrival.
func (d *Dispatcher) HandleActionResult(jobID string, success bool, errMsg string) {
	d.mu.Lock()
	ctx, ok := d.jobs[jobID]
	if ok {
		delete(d.jobs, jobID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if !success {
		d.journal.AddViolation(models.Violation{
			Kind: models.ViolationActionFailed, AgentID: ctx.agentID,
			Hostname: ctx.hostname, ProcessName: ctx.processName,
			Reason:    fmt.Sprintf("action %s failed: %s", ctx.actionID, errMsg),
			Timestamp: d.now(),
		})
		if ctx.actionID == actionLogout {
			d.setPhase(ctx.agentID, PhaseIdle)
		}
		return
	}

	switch ctx.actionID {
	case actionKill:
		d.journal.AddViolation(models.Violation{
			Kind: models.ViolationProcessKilled, AgentID: ctx.agentID,
			Hostname: ctx.hostname, ProcessName: ctx.processName,
			Reason: ctx.reason, Timestamp: d.now(),
		})
	case actionLogout:
		d.setPhase(ctx.agentID, PhaseIdle)
		d.journal.AddActivity(models.ActivityEntry{
			AgentID: ctx.agentID, Kind: "logout",
			Message: "agent confirmed logout", Timestamp: d.now(),
		})
	}
}

// ForgetAgent drops dedup and job state for an agent. Called on unlink.
func (d *Dispatcher) ForgetAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.recentKills, agentID)
	for id, ctx := range d.jobs {
		if ctx.agentID == agentID {
			delete(d.jobs, id)
		}
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────

func (d *Dispatcher) recordActionFailure(agentID, hostname, actionID string, err error) {
	d.logger.Warn("action dispatch failed",
		zap.String("agent", agentID), zap.String("action", actionID), zap.Error(err))

	reason := fmt.Sprintf("action %s undeliverable: %v", actionID, err)
	if errors.Is(err, ErrPermissionDenied) {
		reason = fmt.Sprintf("action %s denied by agent", actionID)
	}
	d.journal.AddViolation(models.Violation{
		Kind: models.ViolationActionFailed, AgentID: agentID,
		Hostname: hostname, Reason: reason, Timestamp: d.now(),
	})
	d.publish(events.Event{
		Type: events.ActionFailed, Severity: events.SeverityWarning,
		AgentID: agentID, Hostname: hostname, Message: reason,
	})
}

func (d *Dispatcher) publish(e events.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

func (d *Dispatcher) setPhase(agentID string, phase AgentPhase) {
	if d.onPhase != nil {
		d.onPhase(agentID, phase)
	}
}
