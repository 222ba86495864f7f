package oracle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream subscribes to the oracle's push channel and surfaces stateChange
// notifications. A stateChange for a child invalidates cached verdicts and
// triggers re-evaluation of every agent bound to that child.
type Stream struct {
	url    string
	logger *zap.Logger

	changes chan string // child ids

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// stateChangeFrame is the oracle's push message.
type stateChangeFrame struct {
	Type    string `json:"type"`
	ChildID string `json:"child_id"`
}

// NewStream creates a stream for the websocket endpoint at url. An empty
// url yields a stream that never produces events (the oracle is then
// polled only through Check).
func NewStream(url string, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		url:     url,
		logger:  logger.Named("oracle-stream"),
		changes: make(chan string, 64),
	}
}

// Changes is the stream of child ids whose oracle state changed.
func (s *Stream) Changes() <-chan string { return s.changes }

// Start begins the connect/read/reconnect loop.
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.url == "" {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop terminates the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Stream) loop(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		s.logger.Info("connected to oracle stream")
		backoff = time.Second

		s.readConn(ctx, conn)
		conn.Close()
	}
}

func (s *Stream) readConn(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the stream is stopped.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream read error", zap.Error(err))
			}
			return
		}

		var frame stateChangeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("invalid stream frame", zap.Error(err))
			continue
		}
		if frame.Type != "state_change" || frame.ChildID == "" {
			continue
		}

		select {
		case s.changes <- frame.ChildID:
		default:
			s.logger.Warn("change queue full, dropping", zap.String("child", frame.ChildID))
		}
	}
}
