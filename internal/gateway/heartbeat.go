package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// OfflineDetector watches connection liveness and flags agents that have
// sent no frame of any kind for more than missed report intervals, even when
// the socket itself is still open. Agents that resume sending are flagged
// back online.
type OfflineDetector struct {
	hub      *Hub
	logger   *zap.Logger
	interval func() time.Duration // current report interval
	missed   int

	mu      sync.Mutex
	running bool
	silent  map[string]bool // agent id → currently flagged offline
	stop    chan struct{}
}

// NewOfflineDetector creates a detector. interval returns the current
// report interval (it tracks settings changes); missed is how many
// consecutive intervals without a frame flags the agent offline
// (the supervisor contract uses 3).
func NewOfflineDetector(hub *Hub, interval func() time.Duration, missed int, logger *zap.Logger) *OfflineDetector {
	if missed <= 0 {
		missed = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineDetector{
		hub:      hub,
		logger:   logger.Named("offline"),
		interval: interval,
		missed:   missed,
		silent:   make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic liveness check loop.
func (d *OfflineDetector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	go d.loop()
	d.logger.Info("offline detector started", zap.Int("missed", d.missed))
}

// Stop halts the detector.
func (d *OfflineDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stop)
}

func (d *OfflineDetector) loop() {
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Check()
			ticker.Reset(d.interval())
		}
	}
}

// Check inspects every live connection once. Exported for tests.
func (d *OfflineDetector) Check() {
	deadline := d.hub.now().Add(-d.interval() * time.Duration(d.missed))

	d.hub.mu.Lock()
	type probe struct {
		agentID string
		quiet   bool
	}
	probes := make([]probe, 0, len(d.hub.conns))
	for id, wc := range d.hub.conns {
		probes = append(probes, probe{agentID: id, quiet: wc.lastSeen.Before(deadline)})
	}
	d.hub.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range probes {
		switch {
		case p.quiet && !d.silent[p.agentID]:
			d.silent[p.agentID] = true
			d.logger.Warn("agent went silent", zap.String("agent", p.agentID))
			d.hub.events <- Event{Kind: EventOffline, AgentID: p.agentID}

		case !p.quiet && d.silent[p.agentID]:
			delete(d.silent, p.agentID)
			d.logger.Info("agent resumed telemetry", zap.String("agent", p.agentID))
			d.hub.events <- Event{Kind: EventOnline, AgentID: p.agentID}
		}
	}

	// Forget silent flags for agents whose connection is gone; the hub
	// already emitted offline on disconnect.
	for id := range d.silent {
		alive := false
		for _, p := range probes {
			if p.agentID == id {
				alive = true
				break
			}
		}
		if !alive {
			delete(d.silent, id)
		}
	}
}
