// Package notify pushes parent-facing notifications for enforcement
// events. It subscribes to the event bus, applies a per-(event, agent)
// cooldown so a noisy agent cannot flood the parent's channel, and
// delivers through Shoutrrr.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"go.uber.org/zap"

	"warden/internal/events"
)

// cooldown is the minimum spacing between notifications of the same kind
// for the same agent.
const cooldown = 5 * time.Minute

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier forwards selected bus events to the parent's channel.
type Notifier struct {
	url     string
	enabled func() bool // settings.notifyParent at send time
	sender  Sender
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	last map[string]time.Time // (event type, agent) → last send

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a notifier. enabled is consulted per event so settings
// changes take effect without a restart; a nil enabled means always on.
func New(url string, enabled func() bool, sender Sender, logger *zap.Logger) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Notifier{
		url:     url,
		enabled: enabled,
		sender:  sender,
		logger:  logger.Named("notify"),
		now:     func() time.Time { return time.Now().UTC() },
		last:    make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// SetClock overrides the notifier's clock. Test hook.
func (n *Notifier) SetClock(now func() time.Time) { n.now = now }

// notifiedTypes are the channels parents hear about.
var notifiedTypes = []events.EventType{
	events.OSViolation,
	events.OSQuotaExhausted,
	events.OSBedtimeWarning,
	events.OSBlockedProcessDetected,
	events.AgentOffline,
}

// Start subscribes to the bus and begins dispatching.
func (n *Notifier) Start(bus *events.Bus) {
	if n.url == "" {
		n.logger.Info("no shoutrrr url configured, parent notifications off")
		return
	}

	ch := make(chan events.Event, 256)
	bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			n.logger.Warn("notification queue full, dropping", zap.String("event", string(e.Type)))
		}
	}, notifiedTypes...)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case e := <-ch:
				n.handle(e)
			case <-n.stopCh:
				for {
					select {
					case e := <-ch:
						n.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatch goroutine to finish and waits for it.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// handle sends one event, subject to the enabled switch and cooldown.
func (n *Notifier) handle(e events.Event) {
	if !n.enabled() {
		return
	}

	key := string(e.Type) + "|" + e.AgentID
	n.mu.Lock()
	if at, ok := n.last[key]; ok && n.now().Sub(at) < cooldown {
		n.mu.Unlock()
		return
	}
	n.last[key] = n.now()
	n.mu.Unlock()

	msg := format(e)
	if err := n.sender.Send(n.url, msg); err != nil {
		n.logger.Warn("notification send failed", zap.Error(err))
		return
	}
	n.logger.Debug("notification sent", zap.String("event", string(e.Type)), zap.String("agent", e.AgentID))
}

// format builds the parent-facing message text.
func format(e events.Event) string {
	host := e.Hostname
	if host == "" {
		host = e.AgentID
	}

	switch e.Type {
	case events.OSBlockedProcessDetected:
		return fmt.Sprintf("[warden] %s: blocked app %s detected", host, e.Metadata["process"])
	case events.OSQuotaExhausted:
		return fmt.Sprintf("[warden] %s: %s", host, e.Message)
	case events.OSBedtimeWarning:
		return fmt.Sprintf("[warden] %s: bedtime approaching (%s min left)", host, e.Metadata["minutes"])
	case events.AgentOffline:
		return fmt.Sprintf("[warden] %s went offline", host)
	default:
		return fmt.Sprintf("[warden] %s: %s", host, e.Message)
	}
}
