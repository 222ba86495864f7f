package telemetry

import "strings"

// browserPatterns maps a lowercase process-name substring to the canonical
// browser name. Matching is case-insensitive substring, same as the
// blocked-process matcher, so "Google Chrome Helper" still counts.
var browserPatterns = []struct {
	pattern string
	name    string
}{
	{"chrome", "Chrome"},
	{"chromium", "Chromium"},
	{"firefox", "Firefox"},
	{"msedge", "Edge"},
	{"microsoftedge", "Edge"},
	{"safari", "Safari"},
	{"opera", "Opera"},
	{"brave", "Brave"},
	{"vivaldi", "Vivaldi"},
	{"iexplore", "Internet Explorer"},
}

// MatchBrowser reports the canonical browser name for a process name, if
// the name matches the browser pattern table.
func MatchBrowser(processName string) (string, bool) {
	lower := strings.ToLower(processName)
	for _, bp := range browserPatterns {
		if strings.Contains(lower, bp.pattern) {
			return bp.name, true
		}
	}
	return "", false
}
