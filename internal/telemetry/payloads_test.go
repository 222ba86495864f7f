package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSessionDerivesIdle(t *testing.T) {
	raw := json.RawMessage(`{
		"timestamp": 1754300000000,
		"hostname": "kids-pc",
		"platform": "win32",
		"username": "timmy",
		"sessionId": "2",
		"idleTime": 600000,
		"isIdle": false
	}`)

	sess, payload, err := DecodeSession(raw, 300000)
	require.NoError(t, err)

	assert.Equal(t, "timmy", sess.Username)
	assert.True(t, sess.IsIdle, "600s idle exceeds the 300s threshold")
	assert.Equal(t, "win32", payload.Platform)
}

func TestDecodeSessionRespectsScriptIdleFlag(t *testing.T) {
	raw := json.RawMessage(`{"username":"timmy","idleTime":1000,"isIdle":true}`)

	sess, _, err := DecodeSession(raw, 300000)
	require.NoError(t, err)
	assert.True(t, sess.IsIdle)
}

func TestDecodeSessionRejectsMissingUsername(t *testing.T) {
	_, _, err := DecodeSession(json.RawMessage(`{"idleTime":0}`), 300000)
	assert.Error(t, err)
}

func TestDecodeProcessFillsBrowsersFromPatternTable(t *testing.T) {
	raw := json.RawMessage(`{
		"timestamp": 1754300000000,
		"hostname": "kids-pc",
		"platform": "darwin",
		"processCount": 3,
		"processes": [
			{"pid": 10, "name": "Google Chrome Helper", "category": "internet"},
			{"pid": 42, "name": "Minecraft.exe", "category": "games"},
			{"pid": 77, "name": "Preview", "category": "other"}
		]
	}`)

	snap, err := DecodeProcess(raw)
	require.NoError(t, err)

	require.Len(t, snap.Browsers, 1)
	assert.Equal(t, "Chrome", snap.Browsers[0].BrowserName)
	assert.Equal(t, 10, snap.Browsers[0].PID)
	assert.True(t, snap.BrowsersPresent())
}

func TestDecodeProcessRecomputesSummary(t *testing.T) {
	raw := json.RawMessage(`{
		"processes": [
			{"pid": 1, "name": "a", "category": "games"},
			{"pid": 2, "name": "b", "category": "games"},
			{"pid": 3, "name": "c", "category": "education"},
			{"pid": 4, "name": "d"}
		]
	}`)

	snap, err := DecodeProcess(raw)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Summary.Games)
	assert.Equal(t, 1, snap.Summary.Education)
	assert.Equal(t, 1, snap.Summary.Other)
}

func TestDecodeProcessKeepsScriptBrowserList(t *testing.T) {
	raw := json.RawMessage(`{
		"browsers": [{"pid": 5, "name": "firefox.exe", "browserName": "Firefox"}],
		"processes": [{"pid": 5, "name": "firefox.exe", "category": "internet"}]
	}`)

	snap, err := DecodeProcess(raw)
	require.NoError(t, err)
	require.Len(t, snap.Browsers, 1)
	assert.Equal(t, "Firefox", snap.Browsers[0].BrowserName)
}

func TestMatchBrowser(t *testing.T) {
	cases := []struct {
		name    string
		want    string
		matched bool
	}{
		{"Google Chrome", "Chrome", true},
		{"firefox.exe", "Firefox", true},
		{"MSEDGE.EXE", "Edge", true},
		{"Brave Browser", "Brave", true},
		{"notepad.exe", "", false},
	}
	for _, tc := range cases {
		got, ok := MatchBrowser(tc.name)
		assert.Equal(t, tc.matched, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
