package supervisor

import (
	"sync"
	"time"

	"warden/internal/models"
)

// cellKey identifies one usage accumulator.
type cellKey struct {
	agentID  string
	childID  string
	activity models.Activity
}

// UsageCell accumulates seconds of an activity for one (agent, child)
// pair. Forward motion is entirely event-driven; the accountant owns no
// timers.
type UsageCell struct {
	AccumulatedSeconds int64
	LastAdvanceAt      time.Time
	WarningsFired      map[int]bool // threshold minutes fired today
}

// Accountant holds every usage cell.
type Accountant struct {
	mu    sync.Mutex
	cells map[cellKey]*UsageCell
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{cells: make(map[cellKey]*UsageCell)}
}

func (a *Accountant) cell(key cellKey) *UsageCell {
	c, ok := a.cells[key]
	if !ok {
		c = &UsageCell{WarningsFired: make(map[int]bool)}
		a.cells[key] = c
	}
	return c
}

// Advance moves the cell forward to now. Elapsed time is clamped to twice
// the report interval so late or lost telemetry never over-credits. When
// now falls on a new local day the cell is zeroed and its fired warnings
// cleared before advancing.
func (a *Accountant) Advance(agentID, childID string, activity models.Activity, now time.Time, counting bool, reportInterval time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.cell(cellKey{agentID: agentID, childID: childID, activity: activity})

	if c.LastAdvanceAt.IsZero() {
		c.LastAdvanceAt = now
		return
	}
	if !models.SameLocalDay(c.LastAdvanceAt, now) {
		c.AccumulatedSeconds = 0
		c.WarningsFired = make(map[int]bool)
	}

	elapsed := now.Sub(c.LastAdvanceAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if max := 2 * reportInterval; elapsed > max {
		elapsed = max
	}
	if counting {
		c.AccumulatedSeconds += int64(elapsed / time.Second)
	}
	c.LastAdvanceAt = now
}

// Seconds returns the accumulated seconds for the cell, zero if absent.
func (a *Accountant) Seconds(agentID, childID string, activity models.Activity) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cells[cellKey{agentID: agentID, childID: childID, activity: activity}]; ok {
		return c.AccumulatedSeconds
	}
	return 0
}

// WarningFired reports whether the threshold already fired today for the
// cell, and marks it fired when mark is set. The check-and-mark is atomic
// so a threshold fires at most once per (agent, activity, day).
func (a *Accountant) WarningFired(agentID, childID string, activity models.Activity, threshold int, mark bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.cell(cellKey{agentID: agentID, childID: childID, activity: activity})
	if c.WarningsFired[threshold] {
		return true
	}
	if mark {
		c.WarningsFired[threshold] = true
	}
	return false
}

// ClearWarnings forgets fired warnings for every cell of the (agent,
// child) pair. Called when the oracle grants new time so the ladder can
// recross its thresholds.
func (a *Accountant) ClearWarnings(agentID, childID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, c := range a.cells {
		if key.agentID == agentID && key.childID == childID {
			c.WarningsFired = make(map[int]bool)
		}
	}
}

// CloseSession performs a final advance for both activities of the pair
// and drops the cells' advance marker, flushing usage to the child whose
// session just ended.
func (a *Accountant) CloseSession(agentID, childID string, now time.Time, counting bool, reportInterval time.Duration) {
	a.Advance(agentID, childID, models.ActivityComputer, now, counting, reportInterval)
	a.Advance(agentID, childID, models.ActivityInternet, now, false, reportInterval)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, activity := range []models.Activity{models.ActivityComputer, models.ActivityInternet} {
		if c, ok := a.cells[cellKey{agentID: agentID, childID: childID, activity: activity}]; ok {
			c.LastAdvanceAt = time.Time{}
		}
	}
}

// DropAgent forgets every cell belonging to the agent. Called on unlink.
func (a *Accountant) DropAgent(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.cells {
		if key.agentID == agentID {
			delete(a.cells, key)
		}
	}
}
