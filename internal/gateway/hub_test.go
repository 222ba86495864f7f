package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()

	keys, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	h := NewHub(keys, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(srv.Close)
	t.Cleanup(h.CloseAll)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects a fake agent and completes the hello/welcome handshake.
func dial(t *testing.T, url string, hello HelloPayload) (*websocket.Conn, WelcomePayload) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	raw, _ := json.Marshal(hello)
	require.NoError(t, conn.WriteJSON(Frame{Type: frameHello, Payload: raw}))

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, frameWelcome, frame.Type)

	var welcome WelcomePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &welcome))
	return conn, welcome
}

func collectEvents(h *Hub, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-h.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestHandshakeAssignsIDAndEmitsDiscovered(t *testing.T) {
	h, url := newTestHub(t)

	_, welcome := dial(t, url, HelloPayload{Hostname: "kid-pc", Platform: "linux"})
	require.NotEmpty(t, welcome.AgentID, "first contact gets an assigned id")
	assert.NotEmpty(t, welcome.ServerPublicKey)

	evs := collectEvents(h, 2, 2*time.Second)
	require.Len(t, evs, 2)
	assert.Equal(t, EventDiscovered, evs[0].Kind)
	assert.Equal(t, welcome.AgentID, evs[0].AgentID)
	assert.Equal(t, "kid-pc", evs[0].Hostname)
	assert.Equal(t, EventOnline, evs[1].Kind)

	assert.True(t, h.Connected(welcome.AgentID))
	assert.Equal(t, 1, h.ActiveConnections())
}

func TestKnownAgentReconnectsWithoutDiscovered(t *testing.T) {
	h, url := newTestHub(t)

	_, welcome := dial(t, url, HelloPayload{AgentID: "a1", Hostname: "kid-pc", Platform: "win32"})
	assert.Equal(t, "a1", welcome.AgentID)

	evs := collectEvents(h, 1, 2*time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, EventOnline, evs[0].Kind)
}

func TestHandshakeRejectsUnknownPlatform(t *testing.T) {
	_, url := newTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	raw, _ := json.Marshal(HelloPayload{Hostname: "kid-pc", Platform: "beos"})
	require.NoError(t, conn.WriteJSON(Frame{Type: frameHello, Payload: raw}))

	var frame Frame
	assert.Error(t, conn.ReadJSON(&frame), "connection closed without welcome")
}

func TestTelemetryFrameRouted(t *testing.T) {
	h, url := newTestHub(t)

	conn, welcome := dial(t, url, HelloPayload{AgentID: "a1", Hostname: "kid-pc", Platform: "linux"})
	collectEvents(h, 1, 2*time.Second) // drain online

	payload, _ := json.Marshal(TelemetryPayload{
		MonitorID: "session",
		Data:      json.RawMessage(`{"username":"timmy"}`),
	})
	require.NoError(t, conn.WriteJSON(Frame{Type: frameTelemetry, Payload: payload}))

	evs := collectEvents(h, 1, 2*time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTelemetry, evs[0].Kind)
	assert.Equal(t, welcome.AgentID, evs[0].AgentID)
	assert.Equal(t, "session", evs[0].MonitorID)
	assert.JSONEq(t, `{"username":"timmy"}`, string(evs[0].Payload))
}

func TestTriggerActionDeliversSignedCommand(t *testing.T) {
	h, url := newTestHub(t)

	conn, welcome := dial(t, url, HelloPayload{AgentID: "a1", Hostname: "kid-pc", Platform: "linux"})
	collectEvents(h, 1, 2*time.Second)

	jobID, err := h.TriggerAction("a1", "kill", map[string]any{"pid": 42})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, frameTriggerAction, frame.Type)

	var cmd SignedCommand
	require.NoError(t, json.Unmarshal(frame.Payload, &cmd))
	assert.Equal(t, jobID, cmd.JobID)
	assert.Equal(t, "kill", cmd.ActionID)
	assert.True(t, VerifyCommandSignature(welcome.ServerPublicKey, &cmd),
		"agents can verify provenance with the welcome key")
}

func TestTriggerActionWithoutConnection(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.TriggerAction("ghost", "warn", nil)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestActionResultRouted(t *testing.T) {
	h, url := newTestHub(t)

	conn, _ := dial(t, url, HelloPayload{AgentID: "a1", Hostname: "kid-pc", Platform: "linux"})
	collectEvents(h, 1, 2*time.Second)

	payload, _ := json.Marshal(ActionResultPayload{
		JobID: "j1", ActionID: "kill", Success: true,
	})
	require.NoError(t, conn.WriteJSON(Frame{Type: frameActionResult, Payload: payload}))

	evs := collectEvents(h, 1, 2*time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, EventActionResponse, evs[0].Kind)
	assert.Equal(t, "j1", evs[0].JobID)
	assert.True(t, evs[0].Success)
}

func TestDisconnectEmitsOffline(t *testing.T) {
	h, url := newTestHub(t)

	conn, welcome := dial(t, url, HelloPayload{AgentID: "a1", Hostname: "kid-pc", Platform: "linux"})
	collectEvents(h, 1, 2*time.Second)

	conn.Close()
	evs := collectEvents(h, 1, 2*time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, EventOffline, evs[0].Kind)
	assert.Equal(t, welcome.AgentID, evs[0].AgentID)
	assert.False(t, h.Connected("a1"))
}
