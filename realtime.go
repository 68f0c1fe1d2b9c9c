package harbor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Push event names.
const (
	EventPrivateMessage = "new_private_message"
	EventMessageSent    = "private_message_sent"
	EventNotification   = "new_notification"
	EventTyping         = "typing"
	eventPong           = "pong"
)

// Envelope is the wire format for all push events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server message on the push channel.
type Command struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// TypingPayload signals that a counterpart started or stopped typing. Typing
// events are presentation-only and never reach the reconciler.
type TypingPayload struct {
	From     PeerID `json:"from" validate:"required"`
	To       PeerID `json:"to"`
	IsTyping bool   `json:"is_typing"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Payload decoding
// ============================================================================

var payloadValidator = validator.New()

// decodePayload validates a push payload at the transport boundary. An
// unparseable or invalid payload is logged and dropped; malformed shapes
// never reach the reconciler.
func decodePayload[T any](raw json.RawMessage, event string, log *slog.Logger) (T, bool) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn("dropping malformed push payload", "event", event, "err", err)
		return p, false
	}
	if err := payloadValidator.Struct(&p); err != nil {
		log.Warn("dropping invalid push payload", "event", event, "err", err)
		return p, false
	}
	return p, true
}

// ============================================================================
// Event dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(event string, payload json.RawMessage)

type eventDispatcher struct {
	mu               sync.RWMutex
	log              *slog.Logger
	generic          map[string][]RealtimeEventHandler
	onPrivateMessage []func(MessagePayload)
	onMessageSent    []func(MessagePayload)
	onNotification   []func(NotificationPayload)
	onTyping         []func(TypingPayload)
	onConnected      []func()
	onDisconnected   []func(int, string)
	onReconnecting   []func(int, time.Duration)
}

func newEventDispatcher(log *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:     log,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch runs handlers inline on the read loop: events from the push
// channel reach the engine in arrival order.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case EventPrivateMessage:
		if p, ok := decodePayload[MessagePayload](env.Payload, env.Event, d.log); ok {
			for _, h := range d.onPrivateMessage {
				h(p)
			}
		}
	case EventMessageSent:
		if p, ok := decodePayload[MessagePayload](env.Payload, env.Event, d.log); ok {
			for _, h := range d.onMessageSent {
				h(p)
			}
		}
	case EventNotification:
		if p, ok := decodePayload[NotificationPayload](env.Payload, env.Event, d.log); ok {
			for _, h := range d.onNotification {
				h(p)
			}
		}
	case EventTyping:
		if p, ok := decodePayload[TypingPayload](env.Payload, env.Event, d.log); ok {
			for _, h := range d.onTyping {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Event] {
		h(env.Event, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
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

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
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

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the persistent push channel: a WebSocket connection with
// auto-reconnect, heartbeat and typed event dispatch. Reconnection is
// surfaced through OnConnected so the engine can resync after a gap.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// OnPrivateMessage registers a handler for incoming direct messages.
func (rt *RealtimeClient) OnPrivateMessage(h func(MessagePayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onPrivateMessage = append(rt.dispatcher.onPrivateMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageSent registers a handler for sent confirmations.
func (rt *RealtimeClient) OnMessageSent(h func(MessagePayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageSent = append(rt.dispatcher.onMessageSent, h)
	rt.dispatcher.mu.Unlock()
}

// OnNotification registers a handler for generic notifications.
func (rt *RealtimeClient) OnNotification(h func(NotificationPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onNotification = append(rt.dispatcher.onNotification, h)
	rt.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (rt *RealtimeClient) OnTyping(h func(TypingPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTyping = append(rt.dispatcher.onTyping, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connect lifecycle event. It fires
// on every successful (re)connection.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(event string, h RealtimeEventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[event] = append(rt.dispatcher.generic[event], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the push channel.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"harbor-go"}},
	})
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the channel.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// SendTyping tells the counterpart whether the local user is typing.
func (rt *RealtimeClient) SendTyping(ctx context.Context, peerKey string, typing bool) error {
	return rt.Send(ctx, &Command{
		Event:   EventTyping,
		Payload: map[string]any{"to": peerKey, "is_typing": typing},
	})
}

// Send sends a raw command over the push channel.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.mu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	rt.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.Send(ctx, &Command{
		Event:     "ping",
		RequestID: requestID,
	})
	if err != nil {
		rt.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.dropPendingPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

// readLoop owns its connection for the lifetime of the loop; Disconnect may
// nil out rt.conn concurrently.
func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			rt.log.Warn("dropping unparseable push frame")
			continue
		}

		if env.Event == eventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)
	rt.log.Info("push channel reconnecting", "attempt", rt.recon.attempt, "delay", delay)

	time.Sleep(delay)

	if err := rt.Connect(ctx); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}

func (rt *RealtimeClient) dropPendingPing(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingPings, requestID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
