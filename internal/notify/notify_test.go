package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/events"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(_, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func testClock() (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	sender := &fakeSender{}
	n := New("discord://token@channel", nil, sender, nil)
	now, advance := testClock()
	n.SetClock(now)

	e := events.Event{
		Type: events.OSBlockedProcessDetected, AgentID: "a1", Hostname: "kid-pc",
		Metadata: map[string]string{"process": "Minecraft.exe"},
	}
	n.handle(e)
	n.handle(e)
	require.Len(t, sender.messages(), 1, "second event inside cooldown suppressed")

	advance(6 * time.Minute)
	n.handle(e)
	assert.Len(t, sender.messages(), 2)
}

func TestCooldownIsPerAgentAndKind(t *testing.T) {
	sender := &fakeSender{}
	n := New("discord://token@channel", nil, sender, nil)

	n.handle(events.Event{Type: events.OSQuotaExhausted, AgentID: "a1", Message: "time up"})
	n.handle(events.Event{Type: events.OSQuotaExhausted, AgentID: "a2", Message: "time up"})
	n.handle(events.Event{Type: events.AgentOffline, AgentID: "a1"})

	assert.Len(t, sender.messages(), 3)
}

func TestDisabledSwitchDropsEverything(t *testing.T) {
	sender := &fakeSender{}
	n := New("discord://token@channel", func() bool { return false }, sender, nil)

	n.handle(events.Event{Type: events.OSQuotaExhausted, AgentID: "a1"})
	assert.Empty(t, sender.messages())
}

func TestMessageFormatting(t *testing.T) {
	sender := &fakeSender{}
	n := New("discord://token@channel", nil, sender, nil)

	n.handle(events.Event{
		Type: events.OSBlockedProcessDetected, AgentID: "a1", Hostname: "kid-pc",
		Metadata: map[string]string{"process": "Minecraft.exe"},
	})
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "kid-pc")
	assert.Contains(t, msgs[0], "Minecraft.exe")
}

func TestStartStopDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	n := New("discord://token@channel", nil, sender, nil)
	bus := events.NewBus(nil)

	n.Start(bus)
	bus.Publish(events.Event{Type: events.OSQuotaExhausted, AgentID: "a1", Message: "time up"})
	n.Stop()

	assert.Len(t, sender.messages(), 1, "events queued before stop are delivered")
}
