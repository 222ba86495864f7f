package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"warden/internal/events"
)

// streamedTypes are the named channels mirrored to UI subscribers.
var streamedTypes = []events.EventType{
	events.OSViolation,
	events.OSSessionUpdate,
	events.OSQuotaWarning,
	events.OSQuotaExhausted,
	events.OSBedtimeWarning,
	events.OSBlockedProcessDetected,
	events.AgentDiscovered,
	events.AgentOnline,
	events.AgentOffline,
}

// handleEventStream serves the SSE feed of UI channels. Events for a slow
// consumer are dropped rather than allowed to back-pressure the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan events.Event, 64)
	s.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	}, streamedTypes...)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("event encode failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
