package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescheduleReplacesArmedTimer(t *testing.T) {
	tt := newTimerTable()
	defer tt.CancelAll()

	var fired int32
	deadline := time.Now().Add(time.Hour)
	tt.Reschedule("a1", timerLogout, time.Hour, deadline, func() { atomic.AddInt32(&fired, 1) })
	tt.Reschedule("a1", timerLogout, time.Hour, deadline.Add(time.Minute), func() { atomic.AddInt32(&fired, 1) })

	assert.Equal(t, 1, tt.Count("a1"), "cancel-then-arm keeps one timer per key")
	got, ok := tt.Deadline("a1", timerLogout)
	require.True(t, ok)
	assert.Equal(t, deadline.Add(time.Minute), got)
}

func TestCancelIsIdempotent(t *testing.T) {
	tt := newTimerTable()

	tt.Reschedule("a1", timerLogout, time.Hour, time.Now().Add(time.Hour), func() {})
	assert.True(t, tt.Cancel("a1", timerLogout))
	assert.False(t, tt.Cancel("a1", timerLogout))
	assert.False(t, tt.Has("a1", timerLogout))
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	tt := newTimerTable()

	var fired int32
	tt.Reschedule("a1", timerLogout, 20*time.Millisecond, time.Now(), func() { atomic.AddInt32(&fired, 1) })
	tt.Cancel("a1", timerLogout)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestFiredTimerRemovesItself(t *testing.T) {
	tt := newTimerTable()

	done := make(chan struct{})
	tt.Reschedule("a1", timerLogout, 5*time.Millisecond, time.Now(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.Eventually(t, func() bool { return !tt.Has("a1", timerLogout) },
		time.Second, 5*time.Millisecond)
}

func TestCancelAgentDropsEveryKey(t *testing.T) {
	tt := newTimerTable()

	tt.Reschedule("a1", timerLogout, time.Hour, time.Now(), func() {})
	tt.Reschedule("a1", timerWarnPref+"15", time.Hour, time.Now(), func() {})
	tt.Reschedule("a2", timerLogout, time.Hour, time.Now(), func() {})

	tt.CancelAgent("a1")
	assert.Zero(t, tt.Count("a1"))
	assert.Equal(t, 1, tt.Count("a2"))
	tt.CancelAll()
	assert.Zero(t, tt.Count("a2"))
}

func TestManualFireRunsCallbackOnce(t *testing.T) {
	tt := newTimerTable()

	var fired int32
	tt.Reschedule("a1", timerLogout, time.Hour, time.Now().Add(time.Hour),
		func() { atomic.AddInt32(&fired, 1) })

	require.True(t, tt.fire("a1", timerLogout))
	assert.False(t, tt.fire("a1", timerLogout))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
