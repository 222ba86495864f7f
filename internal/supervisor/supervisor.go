package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/journal"
	"warden/internal/models"
	"warden/internal/oracle"
	"warden/internal/telemetry"
)

// Error kinds surfaced by commands and dispatch.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMissingBinding   = errors.New("agent has no bound child")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownAgent     = errors.New("unknown agent")
)

// AgentPhase is the per-agent enforcement state machine.
type AgentPhase int

const (
	PhaseIdle AgentPhase = iota
	PhaseWarning
	PhaseGracePending
	PhaseLoggingOut
)

func (p AgentPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarning:
		return "warning"
	case PhaseGracePending:
		return "grace_pending"
	case PhaseLoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// Gateway is the slice of the agent transport the supervisor drives.
type Gateway interface {
	DeployMonitor(agentID string, p gateway.DeployMonitorPayload) error
	UpdateMonitor(agentID string, p gateway.UpdateMonitorPayload) error
	RemoveMonitor(agentID, monitorID string) error
	DeployAction(agentID string, p gateway.DeployActionPayload) error
	TriggerAction(agentID, actionID string, args any) (string, error)
	Connected(agentID string) bool
}

// Oracle is the verdict source for (child, activity) pairs.
type Oracle interface {
	Check(ctx context.Context, childID string, activity models.Activity) (oracle.Verdict, error)
	Invalidate(childID string)
}

// Persister writes the configuration blob.
type Persister interface {
	Save(state *models.State) error
}

// Supervisor coordinates the whole fleet. All per-agent work is serialized
// through that agent's queue; different agents advance in parallel.
type Supervisor struct {
	gw      Gateway
	oracle  Oracle
	store   Persister
	journal *journal.Journal
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	timers     *timerTable
	accountant *Accountant
	rules      *RuleEvaluator
	dispatcher *Dispatcher

	mu        sync.RWMutex
	state     *models.State
	snapshots map[string]*telemetry.Snapshot // last process snapshot per agent
	phases    map[string]AgentPhase

	qmu     sync.Mutex
	queues  map[string]*agentQueue
	stopped bool
	inline  bool // run per-agent work synchronously; tests only

	changes <-chan string // oracle stateChange pushes, may be nil
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor over a loaded state. The gateway is mandatory:
// without it the core cannot enter the monitoring state.
func New(gw Gateway, orc Oracle, store Persister, jnl *journal.Journal, bus *events.Bus, state *models.State, logger *zap.Logger) (*Supervisor, error) {
	if gw == nil {
		return nil, errors.New("agent gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = models.NewState()
	}
	if jnl == nil {
		jnl = journal.New(bus)
	}

	timers := newTimerTable()
	s := &Supervisor{
		gw:         gw,
		oracle:     orc,
		store:      store,
		journal:    jnl,
		bus:        bus,
		logger:     logger.Named("supervisor"),
		now:        func() time.Time { return time.Now() },
		timers:     timers,
		accountant: NewAccountant(),
		rules:      NewRuleEvaluator(),
		state:      state,
		snapshots:  make(map[string]*telemetry.Snapshot),
		phases:     make(map[string]AgentPhase),
		queues:     make(map[string]*agentQueue),
		stop:       make(chan struct{}),
	}
	s.dispatcher = NewDispatcher(gw, jnl, bus, timers, logger)
	s.dispatcher.onPhase = s.setPhase

	// Sessions and online flags do not survive a restart; they are rebuilt
	// from telemetry.
	for _, a := range state.Agents {
		a.Online = false
		a.CurrentSession = nil
	}
	jnl.Restore(state.Violations, state.ActivityLog)
	return s, nil
}

// SetClock overrides the supervisor's clock, including the dispatcher's.
// Test hook.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
	s.dispatcher.now = now
}

// Run consumes gateway events and oracle pushes until Stop. gatewayEvents
// is the hub's event stream; changes may be nil when the oracle has no
// push endpoint.
func (s *Supervisor) Run(gatewayEvents <-chan gateway.Event, changes <-chan string) {
	s.changes = changes
	s.wg.Add(1)
	go s.pump(gatewayEvents)
}

func (s *Supervisor) pump(gatewayEvents <-chan gateway.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-gatewayEvents:
			if !ok {
				return
			}
			s.route(ev)
		case childID := <-s.changes:
			s.handleOracleChange(childID)
		}
	}
}

// Stop cancels every timer and halts all workers. Best-effort monitor
// removal mirrors plugin unload.
func (s *Supervisor) Stop() {
	close(s.stop)

	s.qmu.Lock()
	s.stopped = true
	queues := make([]*agentQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.qmu.Unlock()
	for _, q := range queues {
		q.close()
	}

	s.wg.Wait()
	s.timers.CancelAll()

	s.mu.RLock()
	ids := make([]string, 0, len(s.state.Agents))
	for id := range s.state.Agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if !s.gw.Connected(id) {
			continue
		}
		for _, m := range gateway.Monitors() {
			if err := s.gw.RemoveMonitor(id, m.MonitorID); err != nil {
				s.logger.Debug("monitor removal on shutdown failed",
					zap.String("agent", id), zap.String("monitor", m.MonitorID), zap.Error(err))
			}
		}
	}
}

// ─── Per-agent queues ─────────────────────────────────────────────────────

func (s *Supervisor) queue(agentID string) *agentQueue {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.stopped {
		return nil
	}
	q, ok := s.queues[agentID]
	if !ok {
		q = newAgentQueue()
		s.queues[agentID] = q
		s.wg.Add(1)
		go s.worker(q)
	}
	return q
}

func (s *Supervisor) worker(q *agentQueue) {
	defer s.wg.Done()
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		s.handleItem(it)
	}
}

func (s *Supervisor) handleItem(it queueItem) {
	defer func() {
		if it.done != nil {
			close(it.done)
		}
	}()

	switch it.kind {
	case itemSession:
		s.handleSessionTelemetry(it.agentID, it.payload)
	case itemProcess:
		s.handleProcessTelemetry(it.agentID, it.payload)
	case itemFn:
		it.fn()
	}
}

// runOn serializes fn with the agent's other work. Asynchronous.
func (s *Supervisor) runOn(agentID string, fn func()) {
	if s.inline {
		fn()
		return
	}
	if q := s.queue(agentID); q != nil {
		q.push(queueItem{kind: itemFn, agentID: agentID, fn: fn})
	}
}

// runOnWait serializes fn with the agent's other work and waits for it.
// Commands use this so their effects are ordered with telemetry.
func (s *Supervisor) runOnWait(agentID string, fn func()) {
	if s.inline {
		fn()
		return
	}
	q := s.queue(agentID)
	if q == nil {
		fn()
		return
	}
	done := make(chan struct{})
	q.push(queueItem{kind: itemFn, agentID: agentID, fn: fn, done: done})
	<-done
}

// ─── Gateway event routing ────────────────────────────────────────────────

func (s *Supervisor) route(ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventDiscovered:
		s.runOn(ev.AgentID, func() { s.handleDiscovered(ev) })
	case gateway.EventOnline:
		s.runOn(ev.AgentID, func() { s.handleOnline(ev) })
	case gateway.EventOffline:
		s.runOn(ev.AgentID, func() { s.handleOffline(ev.AgentID) })
	case gateway.EventActionResponse:
		s.runOn(ev.AgentID, func() {
			s.dispatcher.HandleActionResult(ev.JobID, ev.Success, ev.Error)
		})
	case gateway.EventTelemetry:
		q := s.queue(ev.AgentID)
		if q == nil {
			return
		}
		switch ev.MonitorID {
		case telemetry.MonitorSession:
			q.push(queueItem{kind: itemSession, agentID: ev.AgentID, payload: ev.Payload})
		case telemetry.MonitorProcess:
			q.push(queueItem{
				kind: itemProcess, agentID: ev.AgentID, payload: ev.Payload,
				marks: s.blockedMarks(ev.AgentID, ev.Payload),
			})
		default:
			s.logger.Debug("telemetry for unknown monitor",
				zap.String("agent", ev.AgentID), zap.String("monitor", ev.MonitorID))
		}
	}
}

// blockedMarks fingerprints the quota-relevant content of a process
// payload: every process that would match a blocked rule of a child the
// agent could be enforcing for. The queue refuses to coalesce away a
// snapshot whose marks the replacement lacks, so the first detection of a
// blocked process always reaches the rule evaluator even under
// backpressure. The pattern set is a deliberate superset (bound child,
// every mapped child, schedules, focus apps) — matching too much only
// costs a skipped coalesce.
func (s *Supervisor) blockedMarks(agentID string, payload json.RawMessage) []string {
	snap, err := telemetry.DecodeProcess(payload)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	var patterns []string
	addChild := func(childID string) {
		child := s.state.Children[childID]
		if child == nil {
			return
		}
		patterns = append(patterns, child.BlockedProcesses...)
		for _, sched := range child.Schedules {
			patterns = append(patterns, sched.BlockedPatterns...)
		}
		if child.FocusMode != nil {
			patterns = append(patterns, child.FocusMode.BlockedApps...)
		}
	}
	if agent, ok := s.state.Agents[agentID]; ok && agent.ChildID != "" {
		addChild(agent.ChildID)
	}
	for _, childID := range s.state.UserMappings[agentID] {
		addChild(childID)
	}
	s.mu.RUnlock()

	if len(patterns) == 0 {
		return nil
	}
	var marks []string
	for _, proc := range snap.Processes {
		if _, ok := firstMatch(proc.Name, patterns); ok {
			marks = append(marks, fmt.Sprintf("%d:%s", proc.PID, strings.ToLower(proc.Name)))
		}
	}
	return marks
}

func (s *Supervisor) handleDiscovered(ev gateway.Event) {
	s.mu.Lock()
	if _, ok := s.state.Agents[ev.AgentID]; !ok {
		s.state.Agents[ev.AgentID] = &models.Agent{
			ID:       ev.AgentID,
			Hostname: ev.Hostname,
			Platform: ev.Platform,
			Enabled:  true,
			LastSeen: s.now(),
		}
	}
	s.mu.Unlock()

	s.journal.AddActivity(models.ActivityEntry{
		AgentID: ev.AgentID, Kind: "discovered",
		Message: "agent discovered: " + ev.Hostname, Timestamp: s.now(),
	})
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.AgentDiscovered, AgentID: ev.AgentID,
			Hostname: ev.Hostname, Message: "agent discovered",
		})
	}
	s.persist()
}

func (s *Supervisor) handleOnline(ev gateway.Event) {
	s.mu.Lock()
	a, ok := s.state.Agents[ev.AgentID]
	if !ok {
		a = &models.Agent{ID: ev.AgentID, Hostname: ev.Hostname, Platform: ev.Platform, Enabled: true}
		s.state.Agents[ev.AgentID] = a
	}
	a.Online = true
	a.LastSeen = s.now()
	if ev.Hostname != "" {
		a.Hostname = ev.Hostname
	}
	if ev.Platform != "" {
		a.Platform = ev.Platform
	}
	platform := a.Platform
	enabled := a.Enabled
	interval := s.state.Settings.MonitorIntervalMs
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.AgentOnline, AgentID: ev.AgentID,
			Hostname: ev.Hostname, Message: "agent online",
		})
	}
	if enabled {
		s.deployAll(ev.AgentID, platform, interval)
	}
	s.evaluateAgent(ev.AgentID)
}

// handleOffline flags the agent and cancels every timer it holds; the
// planner starts over from a fresh verdict when the agent returns.
func (s *Supervisor) handleOffline(agentID string) {
	s.mu.Lock()
	if a, ok := s.state.Agents[agentID]; ok {
		a.Online = false
	}
	s.phases[agentID] = PhaseIdle
	s.mu.Unlock()

	s.timers.CancelAgent(agentID)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.AgentOffline, AgentID: agentID, Message: "agent offline",
		})
	}
	s.journal.AddActivity(models.ActivityEntry{
		AgentID: agentID, Kind: "offline",
		Message: "agent went offline", Timestamp: s.now(),
	})
}

// handleOracleChange reacts to a stateChange push: drop cached verdicts,
// cancel every timer held by each agent bound to the child, reset warning
// marks, and re-evaluate from a fresh verdict.
func (s *Supervisor) handleOracleChange(childID string) {
	if s.oracle != nil {
		s.oracle.Invalidate(childID)
	}

	s.mu.RLock()
	var affected []string
	for id, a := range s.state.Agents {
		if a.ChildID == childID {
			affected = append(affected, id)
			continue
		}
		for _, mapped := range s.state.UserMappings[id] {
			if mapped == childID {
				affected = append(affected, id)
				break
			}
		}
	}
	s.mu.RUnlock()

	for _, agentID := range affected {
		id := agentID
		s.runOn(id, func() {
			s.timers.CancelAgent(id)
			s.accountant.ClearWarnings(id, childID)
			s.mu.Lock()
			if s.phases[id] == PhaseGracePending || s.phases[id] == PhaseWarning {
				s.phases[id] = PhaseIdle
			}
			s.mu.Unlock()
			s.evaluateAgent(id)
		})
	}
}

// ─── Deployment ───────────────────────────────────────────────────────────

// deployAll installs the two required monitors and four actions on the
// agent. Deployment is idempotent; redeploying updates intervals.
func (s *Supervisor) deployAll(agentID, platform string, intervalMs int) {
	deployed := make(map[string]int)
	for _, m := range gateway.Monitors() {
		err := s.gw.DeployMonitor(agentID, gateway.DeployMonitorPayload{
			MonitorID:  m.MonitorID,
			Script:     m.Scripts.ScriptFor(platform),
			IntervalMs: intervalMs,
		})
		if err != nil {
			s.logger.Warn("monitor deployment failed",
				zap.String("agent", agentID), zap.String("monitor", m.MonitorID), zap.Error(err))
			continue
		}
		deployed[m.MonitorID] = intervalMs
	}
	for _, a := range gateway.Actions() {
		err := s.gw.DeployAction(agentID, gateway.DeployActionPayload{
			ActionID: a.ActionID,
			Script:   a.Scripts.ScriptFor(platform),
		})
		if err != nil {
			s.logger.Warn("action deployment failed",
				zap.String("agent", agentID), zap.String("action", a.ActionID), zap.Error(err))
			continue
		}
		deployed[a.ActionID] = 0
	}

	s.mu.Lock()
	if agent, ok := s.state.Agents[agentID]; ok {
		agent.Deployed = deployed
	}
	s.mu.Unlock()
}

// ─── Shared helpers ───────────────────────────────────────────────────────

func (s *Supervisor) setPhase(agentID string, phase AgentPhase) {
	s.mu.Lock()
	s.phases[agentID] = phase
	s.mu.Unlock()
}

// Phase returns the agent's enforcement phase.
func (s *Supervisor) Phase(agentID string) AgentPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phases[agentID]
}

// LogoutPending reports whether the agent holds an armed logout timer.
func (s *Supervisor) LogoutPending(agentID string) bool {
	return s.timers.Has(agentID, timerLogout)
}

// persist writes the configuration blob after a state-affecting change.
func (s *Supervisor) persist() {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	s.state.Violations = s.journal.SnapshotViolations()
	s.state.ActivityLog = s.journal.SnapshotActivity()
	blob, err := json.Marshal(s.state)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("state marshal failed", zap.Error(err))
		return
	}

	// Re-decode outside the lock so Save works on a stable copy.
	var copyState models.State
	if err := json.Unmarshal(blob, &copyState); err != nil {
		s.logger.Error("state clone failed", zap.Error(err))
		return
	}
	if err := s.store.Save(&copyState); err != nil {
		s.logger.Error("state persist failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.state.LastSync = copyState.LastSync
	s.mu.Unlock()
}
