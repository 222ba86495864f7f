// Package journal keeps bounded in-memory rings of violations and activity
// entries. Entries are appended at the head and evicted at the tail; reads
// return newest-first. Violation appends are published on the event bus as
// osViolation events so UI subscribers see them as they land; activity
// appends are not published.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/events"
	"warden/internal/models"
)

const (
	ViolationCap = 200
	ActivityCap  = 500
)

// Journal holds both rings.
type Journal struct {
	bus *events.Bus
	now func() time.Time

	mu         sync.RWMutex
	violations []models.Violation     // index 0 = newest
	activity   []models.ActivityEntry // index 0 = newest
}

// New creates an empty journal publishing to bus.
func New(bus *events.Bus) *Journal {
	return &Journal{bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the journal's clock. Test hook.
func (j *Journal) SetClock(now func() time.Time) { j.now = now }

// AddViolation appends a violation at the head of the ring and publishes
// an osViolation event.
func (j *Journal) AddViolation(v models.Violation) models.Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = j.now()
	}

	j.mu.Lock()
	j.violations = append([]models.Violation{v}, j.violations...)
	if len(j.violations) > ViolationCap {
		j.violations = j.violations[:ViolationCap]
	}
	j.mu.Unlock()

	if j.bus != nil {
		sev := events.SeverityWarning
		if v.Kind == models.ViolationAccessBlocked || v.Kind == models.ViolationQuotaExceeded {
			sev = events.SeverityCritical
		}
		j.bus.Publish(events.Event{
			Type:     events.OSViolation,
			Severity: sev,
			AgentID:  v.AgentID,
			Hostname: v.Hostname,
			Message:  v.Reason,
			Metadata: map[string]string{
				"kind":    string(v.Kind),
				"process": v.ProcessName,
			},
			Timestamp: v.Timestamp,
		})
	}
	return v
}

// AddActivity appends an activity entry at the head of the ring.
func (j *Journal) AddActivity(a models.ActivityEntry) models.ActivityEntry {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = j.now()
	}

	j.mu.Lock()
	j.activity = append([]models.ActivityEntry{a}, j.activity...)
	if len(j.activity) > ActivityCap {
		j.activity = j.activity[:ActivityCap]
	}
	j.mu.Unlock()
	return a
}

// Violations returns up to limit entries, newest first. limit <= 0 returns
// the full ring.
func (j *Journal) Violations(limit int) []models.Violation {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.violations)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Violation, n)
	copy(out, j.violations[:n])
	return out
}

// Activity returns up to limit entries, newest first.
func (j *Journal) Activity(limit int) []models.ActivityEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.activity)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.ActivityEntry, n)
	copy(out, j.activity[:n])
	return out
}

// ClearViolations empties the violation ring.
func (j *Journal) ClearViolations() {
	j.mu.Lock()
	j.violations = nil
	j.mu.Unlock()
}

// Restore seeds both rings from a loaded state blob (newest-first order is
// preserved as stored).
func (j *Journal) Restore(violations []models.Violation, activity []models.ActivityEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.violations = append([]models.Violation(nil), violations...)
	if len(j.violations) > ViolationCap {
		j.violations = j.violations[:ViolationCap]
	}
	j.activity = append([]models.ActivityEntry(nil), activity...)
	if len(j.activity) > ActivityCap {
		j.activity = j.activity[:ActivityCap]
	}
}

// SnapshotViolations returns the full violation ring for persistence.
func (j *Journal) SnapshotViolations() []models.Violation {
	return j.Violations(0)
}

// SnapshotActivity returns the full activity ring for persistence.
func (j *Journal) SnapshotActivity() []models.ActivityEntry {
	return j.Activity(0)
}
