package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCoalescesTelemetryKeepsNewest(t *testing.T) {
	q := newAgentQueue()
	defer q.close()

	q.push(queueItem{kind: itemSession, payload: json.RawMessage(`{"n":1}`)})
	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{"p":1}`)})
	q.push(queueItem{kind: itemSession, payload: json.RawMessage(`{"n":2}`)})
	q.push(queueItem{kind: itemSession, payload: json.RawMessage(`{"n":3}`)})

	it, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, itemSession, it.kind)
	assert.JSONEq(t, `{"n":3}`, string(it.payload), "consecutive sessions coalesce to the newest")

	it, ok = q.next()
	require.True(t, ok)
	assert.Equal(t, itemProcess, it.kind)
}

func TestQueueKeepsSnapshotWithUniqueDetection(t *testing.T) {
	q := newAgentQueue()
	defer q.close()

	// The pending snapshot saw a blocked process; a later one without the
	// detection must not replace it.
	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{"p":1}`),
		marks: []string{"42:minecraft.exe"}})
	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{"p":2}`)})

	it, ok := q.next()
	require.True(t, ok)
	assert.JSONEq(t, `{"p":1}`, string(it.payload), "detection snapshot survives")
	assert.Equal(t, []string{"42:minecraft.exe"}, it.marks)

	it, ok = q.next()
	require.True(t, ok)
	assert.JSONEq(t, `{"p":2}`, string(it.payload), "newer snapshot queued behind it")
}

func TestQueueCoalescesWhenDetectionsCarryOver(t *testing.T) {
	q := newAgentQueue()
	defer q.close()

	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{"p":1}`),
		marks: []string{"42:minecraft.exe"}})
	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{"p":2}`),
		marks: []string{"42:minecraft.exe", "7:steam"}})

	it, ok := q.next()
	require.True(t, ok)
	assert.JSONEq(t, `{"p":2}`, string(it.payload),
		"a snapshot carrying every pending detection replaces it")

	q.mu.Lock()
	pending := len(q.items)
	q.mu.Unlock()
	assert.Zero(t, pending, "coalesced to a single item")
}

func TestQueueNeverCoalescesCommands(t *testing.T) {
	q := newAgentQueue()
	defer q.close()

	ran := 0
	for i := 0; i < 3; i++ {
		q.push(queueItem{kind: itemFn, fn: func() { ran++ }})
	}
	for i := 0; i < 3; i++ {
		it, ok := q.next()
		require.True(t, ok)
		it.fn()
	}
	assert.Equal(t, 3, ran)
}

func TestQueuePreservesArrivalOrder(t *testing.T) {
	q := newAgentQueue()
	defer q.close()

	q.push(queueItem{kind: itemSession, payload: json.RawMessage(`{}`)})
	q.push(queueItem{kind: itemFn, fn: func() {}})
	q.push(queueItem{kind: itemProcess, payload: json.RawMessage(`{}`)})

	var kinds []itemKind
	for i := 0; i < 3; i++ {
		it, ok := q.next()
		require.True(t, ok)
		kinds = append(kinds, it.kind)
	}
	assert.Equal(t, []itemKind{itemSession, itemFn, itemProcess}, kinds)
}

func TestQueueCloseReleasesWaiters(t *testing.T) {
	q := newAgentQueue()

	got := make(chan bool, 1)
	go func() {
		_, ok := q.next()
		got <- ok
	}()
	q.close()
	assert.False(t, <-got)
}

func TestQueueCloseCompletesPendingDone(t *testing.T) {
	q := newAgentQueue()

	done := make(chan struct{})
	q.push(queueItem{kind: itemFn, fn: func() {}, done: done})
	q.close()

	select {
	case <-done:
	default:
		t.Fatal("pending done channel not released on close")
	}
}
