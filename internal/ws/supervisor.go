package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kiwi-bridge/internal/observability"
	"kiwi-bridge/internal/wire"
)

// ErrRetriesExhausted means the reconnect budget is spent; the bridge is
// non-functional for push events until externally restarted.
var ErrRetriesExhausted = errors.New("ws: retry limit reached")

const (
	defaultHeartbeat  = 30 * time.Second
	defaultBaseDelay  = 5 * time.Second
	defaultMaxRetries = 5
	writeTimeout      = 5 * time.Second
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "disconnected"
	}
}

// TokenSource yields a valid access token before each connection attempt. A
// stale token must never be used to open a new socket.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Dispatcher receives normalized events read off the socket, strictly in
// arrival order.
type Dispatcher interface {
	UpdateDeviceState(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) error
}

// Supervisor owns the connect/reconnect loop. Per connection it runs three
// workers as one unit: heartbeat sender, inbound dispatcher, and outbound
// queue drainer. Any worker failure cancels and awaits the siblings before
// the next attempt.
type Supervisor struct {
	endpoint   string
	tokens     TokenSource
	queue      *Queue
	dispatch   Dispatcher
	dialer     *websocket.Dialer
	heartbeat  time.Duration
	baseDelay  time.Duration
	maxRetries int

	mu      sync.Mutex
	state   State
	pending map[string]chan wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

type Options struct {
	Heartbeat  time.Duration
	BaseDelay  time.Duration
	MaxRetries int
}

func NewSupervisor(endpoint string, tokens TokenSource, queue *Queue, dispatch Dispatcher, opts Options) *Supervisor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Supervisor{
		endpoint:   endpoint,
		tokens:     tokens,
		queue:      queue,
		dispatch:   dispatch,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat:  opts.Heartbeat,
		baseDelay:  opts.BaseDelay,
		maxRetries: opts.MaxRetries,
		pending:    map[string]chan wire.Message{},
		closed:     make(chan struct{}),
	}
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close tells the supervisor to stop without further retries. Safe to call
// more than once.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Await registers interest in the CtrlResponse for a messageId. The channel
// receives at most one frame; it is closed unresolved when the connection
// carrying the request goes away.
func (s *Supervisor) Await(messageID string) <-chan wire.Message {
	ch := make(chan wire.Message, 1)
	s.mu.Lock()
	s.pending[messageID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) resolve(messageID string, msg wire.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.mu.Unlock()
	if ok {
		ch <- msg
		close(ch)
	}
	return ok
}

func (s *Supervisor) failPending() {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// RetryDelay is the backoff before retry attempt (1-based): base * 2^attempt.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	return base * (1 << attempt)
}

// Run drives the connection loop until the context ends, Close is called, or
// the retry budget is exhausted. It always leaves the state at Disconnected
// or Terminated.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		if s.State() != StateTerminated {
			s.setState(StateDisconnected)
		}
	}()

	retries := 0
	for {
		if s.shouldStop(ctx) {
			return nil
		}
		s.setState(StateConnecting)

		err := s.connectOnce(ctx)
		if err == nil || s.shouldStop(ctx) {
			// Clean shutdown requested by the owner.
			return nil
		}
		slog.Error("websocket session ended", "error", err, "retries", retries)

		retries++
		if retries > s.maxRetries {
			s.setState(StateTerminated)
			slog.Error("websocket retry limit reached", "max_retries", s.maxRetries)
			return ErrRetriesExhausted
		}
		observability.Reconnects.Inc()
		delay := RetryDelay(s.baseDelay, retries)
		slog.Warn("websocket reconnecting", "attempt", retries, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) shouldStop(ctx context.Context) bool {
	select {
	case <-s.closed:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// connectOnce obtains a fresh token, dials, and runs one connection to
// completion. Returns nil only when the owner requested shutdown.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("ws: token for connect: %w", err)
	}

	wsURL := s.endpoint + "/?access_token=" + url.QueryEscape(token)
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}
	s.setState(StateConnected)
	slog.Info("websocket connected", "endpoint", s.endpoint)
	defer s.setState(StateDisconnected)

	return s.runWorkers(ctx, conn)
}

// runWorkers runs the heartbeat, inbound dispatcher, and outbound drainer as
// a single supervision unit. The first worker error cancels the siblings,
// which are awaited before returning; no frame send outlives the socket.
func (s *Supervisor) runWorkers(ctx context.Context, conn *websocket.Conn) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// gorilla allows one concurrent writer; heartbeat and drainer share it.
	var writeMu sync.Mutex

	errc := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); errc <- s.heartbeatLoop(cctx, conn, &writeMu) }()
	go func() { defer wg.Done(); errc <- s.readLoop(cctx, conn) }()
	go func() { defer wg.Done(); errc <- s.drainLoop(cctx, conn, &writeMu) }()

	// The reader blocks in ReadMessage; closing the socket is the only way
	// to unblock it on cancellation.
	go func() {
		select {
		case <-cctx.Done():
		case <-s.closed:
		}
		conn.Close()
	}()

	err := <-errc
	cancel()
	wg.Wait()
	s.failPending()
	return err
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ping := wire.NewPing()
			if err := writeJSON(conn, writeMu, ping); err != nil {
				return fmt.Errorf("ws: heartbeat send: %w", err)
			}
			slog.Debug("heartbeat sent", "message_id", ping.Header.MessageID)
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws: read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("frame decode failed", "error", err)
			continue
		}
		s.routeFrame(ctx, msg)
	}
}

// routeFrame dispatches one inbound frame by header. Unknown namespaces and
// names are logged and dropped, never fatal.
func (s *Supervisor) routeFrame(ctx context.Context, msg wire.Message) {
	if msg.Header.Name == wire.NameCtrlResponse {
		if !s.resolve(msg.Header.MessageID, msg) {
			slog.Debug("untracked ctrl response", "message_id", msg.Header.MessageID)
		}
		return
	}
	if msg.Header.Namespace == wire.NamespaceDevice && msg.Header.Name == wire.NameEventNotify {
		observability.EventsReceived.Inc()
		var payload wire.EventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Warn("event payload decode failed", "error", err)
			return
		}
		ev, ok := wire.Normalize(payload)
		if !ok {
			observability.EventsSkipped.Inc()
			slog.Warn("event not normalizable", "name", payload.Name, "level", payload.Level, "did", payload.DID)
			return
		}
		if err := s.dispatch.UpdateDeviceState(ctx, ev.DeviceID, ev); err != nil {
			slog.Error("device state update failed", "device_id", ev.DeviceID, "error", err)
		}
		return
	}
	slog.Debug("frame dropped", "namespace", msg.Header.Namespace, "name", msg.Header.Name)
}

func (s *Supervisor) drainLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) error {
	for {
		msg, err := s.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		if err := writeJSON(conn, writeMu, msg); err != nil {
			// The queue does not guarantee delivery across connection
			// boundaries: a command pulled against a dead socket is dropped.
			observability.CommandsDropped.Inc()
			slog.Warn("command dropped", "message_id", msg.Header.MessageID, "error", err)
			return fmt.Errorf("ws: command send: %w", err)
		}
		observability.CommandsSent.Inc()
		slog.Info("command sent", "name", msg.Header.Name, "message_id", msg.Header.MessageID)
	}
}

func writeJSON(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
