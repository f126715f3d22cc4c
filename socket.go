package meowchat

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format & event names
// ============================================================================

// SocketEvent is the wire envelope for every realtime event.
type SocketEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Server-pushed event names. Some backend versions emit the alias forms;
// Subscribe normalizes both onto the canonical name.
const (
	EventMessageReceived = "message_received"
	EventNewMessage      = "new_message" // alias of message_received
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventMessageRead     = "message_read"
	EventUsersOnline     = "users_online"
	EventUserOnline      = "user_online"
	EventUserJoined      = "user_joined" // alias of user_online
	EventUserOffline     = "user_offline"
	EventUserLeft        = "user_left" // alias of user_offline
)

// Meta-events emitted by the manager itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

func canonicalEvent(name string) string {
	switch name {
	case EventNewMessage:
		return EventMessageReceived
	case EventUserJoined:
		return EventUserOnline
	case EventUserLeft:
		return EventUserOffline
	}
	return name
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the socket connection state. Unavailable is distinct from
// Connecting: the bounded connect window elapsed with neither success nor
// failure, so the UI should offer a manual retry instead of spinning.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateUnavailable  ConnState = "unavailable"
)

// ============================================================================
// Subscriptions
// ============================================================================

// EventHandler receives the raw payload of one event occurrence.
type EventHandler func(data json.RawMessage)

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
type Unsubscribe func()

type subscriptionSet struct {
	mu       sync.RWMutex
	seq      int
	handlers map[string]map[int]EventHandler
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{handlers: make(map[string]map[int]EventHandler)}
}

func (s *subscriptionSet) add(event string, h EventHandler) Unsubscribe {
	event = canonicalEvent(event)
	s.mu.Lock()
	s.seq++
	id := s.seq
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]EventHandler)
	}
	s.handlers[event][id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers[event], id)
		s.mu.Unlock()
	}
}

// dispatch delivers synchronously, in arrival order. The read loop is the
// only producer, which preserves per-connection event ordering for the
// reconciler.
func (s *subscriptionSet) dispatch(event string, data json.RawMessage) {
	event = canonicalEvent(event)
	s.mu.RLock()
	snapshot := make([]EventHandler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		snapshot = append(snapshot, h)
	}
	s.mu.RUnlock()
	for _, h := range snapshot {
		h(data)
	}
}

func (s *subscriptionSet) clear() {
	s.mu.Lock()
	s.handlers = make(map[string]map[int]EventHandler)
	s.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ErrNotConnected is returned by operations that need a live socket.
var ErrNotConnected = errors.New("meowchat: socket not connected")

// ConnectionManager owns the single live socket connection for a session.
// The session token is carried as connection-time auth on the handshake URL.
// Listener registrations survive reconnects; Disconnect drops them all so a
// closed view can never receive another event.
type ConnectionManager struct {
	baseURL        string
	tokens         TokenStore
	logger         *zap.Logger
	connectTimeout time.Duration

	autoReconnect bool
	recon         *reconnector
	subs          *subscriptionSet

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	cancelFn    context.CancelFunc
	intentional bool
}

// ConnOption configures a ConnectionManager.
type ConnOption func(*ConnectionManager)

// WithConnectTimeout bounds how long a connect attempt may hang before it is
// surfaced as Unavailable.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(cm *ConnectionManager) { cm.connectTimeout = d }
}

// WithAutoReconnect toggles transport-level reconnection with backoff.
func WithAutoReconnect(on bool) ConnOption {
	return func(cm *ConnectionManager) { cm.autoReconnect = on }
}

// NewConnectionManager creates the socket manager for a client's session.
func NewConnectionManager(client *Client, opts ...ConnOption) *ConnectionManager {
	cm := &ConnectionManager{
		baseURL:        client.baseURL,
		tokens:         client.tokens,
		logger:         client.logger,
		connectTimeout: 6 * time.Second,
		autoReconnect:  true,
		recon: &reconnector{
			baseDelay:   time.Second,
			maxDelay:    30 * time.Second,
			maxAttempts: 10,
		},
		subs:  newSubscriptionSet(),
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Subscribe registers a handler for a named event and returns its
// unsubscribe. Multiple handlers per event are supported; registrations
// survive reconnection without caller action.
func (cm *ConnectionManager) Subscribe(event string, h EventHandler) Unsubscribe {
	return cm.subs.add(event, h)
}

// Connect opens the socket with the stored session token. A dial that
// neither succeeds nor fails within the connect timeout transitions to
// Unavailable and returns a server-fault error, distinct from an immediate
// network failure.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.intentional = false
	cm.mu.Unlock()

	wsURL := strings.Replace(cm.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?token=" + cm.tokens.Token()

	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		timedOut := dialCtx.Err() != nil && ctx.Err() == nil
		cm.mu.Lock()
		if timedOut {
			cm.state = StateUnavailable
		} else {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()

		cm.subs.dispatch(EventConnectError, nil)
		if timedOut {
			return newError(KindServerFault, wsURL, "chat server unavailable", err)
		}
		return newError(KindNetwork, wsURL, "socket connect failed", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateConnected
	cm.cancelFn = connCancel
	cm.mu.Unlock()
	cm.recon.markConnected()

	cm.logger.Debug("socket connected", zap.String("url", cm.baseURL))
	cm.subs.dispatch(EventConnect, nil)

	go cm.readLoop(connCtx, conn)
	return nil
}

// Disconnect tears the socket down and unregisters every listener.
// Idempotent.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.intentional = true
	if cm.cancelFn != nil {
		cm.cancelFn()
		cm.cancelFn = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	cm.subs.dispatch(EventDisconnect, nil)
	cm.subs.clear()
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			intentional := cm.intentional
			if !intentional {
				cm.state = StateDisconnected
				cm.conn = nil
			}
			cm.mu.Unlock()
			if intentional {
				return
			}

			cm.logger.Warn("socket read failed", zap.Error(err))
			cm.subs.dispatch(EventDisconnect, nil)

			if cm.autoReconnect && cm.recon.shouldReconnect() {
				cm.scheduleReconnect()
			}
			return
		}

		var env SocketEvent
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		cm.subs.dispatch(env.Event, env.Data)
	}
}

// scheduleReconnect re-dials after a backoff delay. Registered listeners are
// untouched, so a successful reconnect resumes delivery transparently.
func (cm *ConnectionManager) scheduleReconnect() {
	delay := cm.recon.nextDelay()
	cm.mu.Lock()
	cm.state = StateReconnecting
	cm.mu.Unlock()

	cm.logger.Debug("socket reconnecting",
		zap.Int("attempt", cm.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	cm.mu.Lock()
	if cm.intentional {
		cm.mu.Unlock()
		return
	}
	cm.state = StateDisconnected
	cm.mu.Unlock()

	if err := cm.Connect(context.Background()); err != nil {
		if cm.autoReconnect && cm.recon.shouldReconnect() {
			cm.scheduleReconnect()
			return
		}
		cm.mu.Lock()
		cm.state = StateDisconnected
		cm.mu.Unlock()
	}
}
