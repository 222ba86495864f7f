// Package telemetry decodes the payload objects produced by the monitor
// scripts running on agents. Payload shapes are part of the agent contract;
// unknown fields are ignored rather than rejected.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"warden/internal/models"
)

// Monitor ids the supervisor deploys to every agent.
const (
	MonitorSession = "session"
	MonitorProcess = "process"
)

// SessionPayload is the output of the session monitor script.
type SessionPayload struct {
	Timestamp   int64  `json:"timestamp"` // unix millis
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	Username    string `json:"username"`
	SessionID   string `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	LoginTime   int64  `json:"loginTime,omitempty"` // unix millis
	IdleTime    int64  `json:"idleTime"`            // millis
	IsIdle      bool   `json:"isIdle"`
	Uptime      int64  `json:"uptime,omitempty"`
	SystemUser  bool   `json:"systemUser,omitempty"`
}

// ProcessInfo is one running process in a snapshot.
type ProcessInfo struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	Type        string `json:"type,omitempty"`
	Category    string `json:"category,omitempty"`
	BrowserName string `json:"browserName,omitempty"`
}

// BrowserInfo is one detected browser process.
type BrowserInfo struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	BrowserName string `json:"browserName"`
}

// CategorySummary counts processes per category.
type CategorySummary struct {
	Games        int `json:"games"`
	Education    int `json:"education"`
	Productivity int `json:"productivity"`
	Internet     int `json:"internet"`
	Other        int `json:"other"`
}

// ProcessPayload is the output of the process monitor script.
type ProcessPayload struct {
	Timestamp     int64           `json:"timestamp"` // unix millis
	Hostname      string          `json:"hostname"`
	Platform      string          `json:"platform"`
	ProcessCount  int             `json:"processCount"`
	Browsers      []BrowserInfo   `json:"browsers,omitempty"`
	BrowserActive bool            `json:"browserActive"`
	Processes     []ProcessInfo   `json:"processes"`
	Summary       CategorySummary `json:"summary"`
}

// Snapshot is the decoded, categorization-complete view of a process
// payload the rule evaluator and planner work from.
type Snapshot struct {
	Timestamp time.Time
	Hostname  string
	Platform  string
	Processes []ProcessInfo
	Browsers  []BrowserInfo
	Summary   CategorySummary
}

// BrowsersPresent reports whether any browser process was observed.
func (s *Snapshot) BrowsersPresent() bool {
	return len(s.Browsers) > 0
}

// DecodeSession parses a session monitor payload into a Session. IsIdle is
// true when the script flags the session idle or when its idle time reaches
// idleThreshold (millis), even if the script sent isIdle=false.
func DecodeSession(raw json.RawMessage, idleThresholdMs int64) (*models.Session, *SessionPayload, error) {
	var p SessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode session payload: %w", err)
	}
	if p.Username == "" {
		return nil, nil, fmt.Errorf("session payload missing username")
	}

	sess := &models.Session{
		Username:   p.Username,
		SessionID:  p.SessionID,
		IdleMillis: p.IdleTime,
		IsIdle:     p.IsIdle || (idleThresholdMs > 0 && p.IdleTime >= idleThresholdMs),
	}
	if p.LoginTime > 0 {
		sess.LoginAt = time.UnixMilli(p.LoginTime).UTC()
	}
	return sess, &p, nil
}

// DecodeProcess parses a process monitor payload into a Snapshot. The
// script's browser list is kept as sent; when it is empty, browsers are
// classified server-side from the pattern table.
func DecodeProcess(raw json.RawMessage) (*Snapshot, error) {
	var p ProcessPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode process payload: %w", err)
	}

	snap := &Snapshot{
		Hostname:  p.Hostname,
		Platform:  p.Platform,
		Processes: p.Processes,
		Browsers:  p.Browsers,
		Summary:   p.Summary,
	}
	if p.Timestamp > 0 {
		snap.Timestamp = time.UnixMilli(p.Timestamp).UTC()
	} else {
		snap.Timestamp = time.Now().UTC()
	}

	// Scripts on some platforms cannot classify browsers; fill from the
	// pattern table whenever the script reported none.
	if len(snap.Browsers) == 0 {
		for _, proc := range p.Processes {
			if bn, ok := MatchBrowser(proc.Name); ok {
				snap.Browsers = append(snap.Browsers, BrowserInfo{
					PID: proc.PID, Name: proc.Name, BrowserName: bn,
				})
			}
		}
	}

	// Recompute the summary if the script left it empty.
	if snap.Summary == (CategorySummary{}) && len(p.Processes) > 0 {
		snap.Summary = Summarize(p.Processes)
	}
	return snap, nil
}

// Summarize counts processes per category.
func Summarize(procs []ProcessInfo) CategorySummary {
	var s CategorySummary
	for _, p := range procs {
		switch p.Category {
		case "games":
			s.Games++
		case "education":
			s.Education++
		case "productivity":
			s.Productivity++
		case "internet":
			s.Internet++
		default:
			s.Other++
		}
	}
	return s
}
