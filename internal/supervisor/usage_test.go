package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"warden/internal/models"
)

const reportInterval = 30 * time.Second

func TestAdvanceAccumulates(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	assert.Zero(t, a.Seconds("a1", "c1", models.ActivityComputer), "first advance only sets the marker")

	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(30*time.Second), true, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(60*time.Second), true, reportInterval)
	assert.Equal(t, int64(60), a.Seconds("a1", "c1", models.ActivityComputer))
}

func TestAdvanceNotCountingStillMovesMarker(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(30*time.Second), false, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(60*time.Second), true, reportInterval)

	assert.Equal(t, int64(30), a.Seconds("a1", "c1", models.ActivityComputer),
		"idle interval skipped, marker advanced")
}

func TestAdvanceClampsLateTelemetry(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	// A ten-minute gap credits at most two report intervals.
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(10*time.Minute), true, reportInterval)
	assert.Equal(t, int64(60), a.Seconds("a1", "c1", models.ActivityComputer))
}

func TestAdvanceIgnoresBackwardsClock(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(-time.Minute), true, reportInterval)
	assert.Zero(t, a.Seconds("a1", "c1", models.ActivityComputer))
}

func TestDailyRolloverResetsCellAndWarnings(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(30*time.Second), true, reportInterval)
	a.WarningFired("a1", "c1", models.ActivityComputer, 15, true)

	// First telemetry past midnight zeroes the cell and clears marks
	// before advancing.
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(90*time.Second), true, reportInterval)
	assert.Equal(t, int64(60), a.Seconds("a1", "c1", models.ActivityComputer),
		"only the interval ending after midnight survives")
	assert.False(t, a.WarningFired("a1", "c1", models.ActivityComputer, 15, false))
}

func TestMonotoneWithinDay(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	prev := int64(0)
	for i := 1; i <= 50; i++ {
		counting := i%3 != 0
		a.Advance("a1", "c1", models.ActivityComputer, t0.Add(time.Duration(i)*30*time.Second), counting, reportInterval)
		cur := a.Seconds("a1", "c1", models.ActivityComputer)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestWarningFiredAtomicMark(t *testing.T) {
	a := NewAccountant()

	assert.False(t, a.WarningFired("a1", "c1", models.ActivityComputer, 15, true))
	assert.True(t, a.WarningFired("a1", "c1", models.ActivityComputer, 15, true))
	assert.False(t, a.WarningFired("a1", "c1", models.ActivityInternet, 15, false),
		"marks are per activity")

	a.ClearWarnings("a1", "c1")
	assert.False(t, a.WarningFired("a1", "c1", models.ActivityComputer, 15, false))
}

func TestCloseSessionFlushesAndResetsMarker(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	a.CloseSession("a1", "c1", t0.Add(30*time.Second), true, reportInterval)
	assert.Equal(t, int64(30), a.Seconds("a1", "c1", models.ActivityComputer))

	// The next advance after a close starts a fresh interval.
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(2*time.Hour), true, reportInterval)
	assert.Equal(t, int64(30), a.Seconds("a1", "c1", models.ActivityComputer))
}

func TestDropAgent(t *testing.T) {
	a := NewAccountant()
	t0 := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)

	a.Advance("a1", "c1", models.ActivityComputer, t0, true, reportInterval)
	a.Advance("a1", "c1", models.ActivityComputer, t0.Add(30*time.Second), true, reportInterval)
	a.DropAgent("a1")
	assert.Zero(t, a.Seconds("a1", "c1", models.ActivityComputer))
}
