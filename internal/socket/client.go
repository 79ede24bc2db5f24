// Package socket maintains the realtime connection to the TaskFolk
// gateway: typed pub/sub dispatch of inbound messages, an ordered outbound
// buffer that survives disconnects, and capped exponential reconnection.
//
// Architecture: a reader goroutine feeds raw frames into a channel; a
// single event-loop goroutine per connection owns every write (outbound
// messages and heartbeat pings), so no write mutex is needed. Lifecycle
// transitions are guarded by a generation counter so a stale connection's
// goroutines can never disturb the one that replaced it.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/taskfolk/syncline/internal/errs"
)

const (
	// inboundChanSize is the buffer size for the channel carrying frames
	// from the reader goroutine to the event loop.
	inboundChanSize = 64

	// socketReadLimit caps inbound frame size. Gateway messages are small
	// JSON envelopes.
	socketReadLimit = 1024 * 1024

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// dialTimeout bounds a reconnect dial attempt, which runs without a
	// caller context.
	dialTimeout = 15 * time.Second

	// maxReconnectShift caps the doubling exponent so the shifted delay
	// cannot overflow time.Duration.
	maxReconnectShift = 10
)

// Defaults applied by New for zero Config fields.
const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 5
)

// inboundMsg wraps a frame read from the socket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real gateway. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context) (wsConn, error)

// Config holds the connection settings.
type Config struct {
	// URL is the gateway WebSocket endpoint.
	URL string

	// Token is the bearer credential sent in the handshake request.
	Token string

	// DeviceID identifies this device to the gateway.
	DeviceID string

	// HeartbeatInterval is the ping cadence while authenticated.
	HeartbeatInterval time.Duration

	// ReconnectBaseDelay is the delay before the first reconnect attempt.
	// Each further attempt doubles it, capped at ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the reconnect delay.
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts stops automatic reconnection once reached; the
	// client then stays disconnected until Connect is called again.
	MaxReconnectAttempts int
}

type subscription struct {
	id int
	fn func(Message)
}

type stateSubscription struct {
	id int
	fn func(StateEvent)
}

// Client is the resilient socket client. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	// wake nudges the event loop to flush the outbound buffer.
	wake chan struct{}

	mu         sync.Mutex
	state      State
	conn       wsConn
	connCancel context.CancelFunc
	outbound   []Message
	attempts   int
	retry      *time.Timer
	gen        int

	subsMu    sync.RWMutex
	subs      map[Kind][]subscription
	stateSubs []stateSubscription
	nextSubID int
}

// New creates a client. Nothing is dialed until Connect. Zero durations
// and attempt budgets in cfg fall back to the package defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		subs:   make(map[Kind][]subscription),
	}
	c.dial = func(ctx context.Context) (wsConn, error) {
		return dialGateway(ctx, cfg)
	}

	return c
}

// dialGateway opens the WebSocket with the device identity and bearer
// credential in the handshake headers. A rejected handshake maps its HTTP
// status through errs, so a 401 surfaces as an auth failure rather than a
// generic dial error.
func dialGateway(ctx context.Context, cfg Config) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
			"X-Device-ID":   []string{cfg.DeviceID},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, errs.FromStatus("socket dial", resp.StatusCode, "handshake rejected")
		}

		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	return conn, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Buffered returns how many outbound messages are waiting for a
// connection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.outbound)
}

// Connect dials the gateway and brings the session up. The credential
// rides the handshake, so a successful dial moves Connecting, Connected,
// Authenticated with no further round trip. Calling Connect while not
// disconnected is a no-op. A dial failure leaves the client Disconnected
// and does not schedule a reconnect; only losing an established
// connection does.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		c.logger.Debug("connect ignored", slog.String("state", st.String()))

		return nil
	}

	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	c.emit(StateEvent{Old: StateDisconnected, New: StateConnecting})

	return c.establish(ctx, gen)
}

// establish runs one dial for the given connection generation, assuming
// the state is already Connecting, and starts the per-connection
// goroutines on success.
func (c *Client) establish(ctx context.Context, gen int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		wrapped := fmt.Errorf("connecting socket: %w", err)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return wrapped
		}

		c.state = StateDisconnected
		c.mu.Unlock()

		c.emit(StateEvent{Old: StateConnecting, New: StateDisconnected, Err: wrapped})

		return wrapped
	}

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")

		return nil
	}

	c.conn = conn
	c.connCancel = cancel
	c.attempts = 0
	c.state = StateConnected
	c.mu.Unlock()

	conn.SetReadLimit(socketReadLimit)

	c.emit(StateEvent{Old: StateConnecting, New: StateConnected})

	c.mu.Lock()
	authed := c.gen == gen
	if authed {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()

	if !authed {
		// A listener tore the connection down during the Connected edge.
		return nil
	}

	c.emit(StateEvent{Old: StateConnected, New: StateAuthenticated})
	c.logger.Info("socket authenticated", slog.String("url", c.cfg.URL))

	inbound := startReader(connCtx, conn)
	go c.runConnection(connCtx, cancel, conn, inbound, gen)

	return nil
}

// startReader launches a goroutine that reads from the socket and feeds
// the returned channel. It exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. Both conn and the
// channel are captured here, so a reader from a previous connection can
// never feed the current one.
func startReader(connCtx context.Context, conn wsConn) chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// runConnection waits out one connection's event loop, then records the
// drop and schedules a reconnect, unless a newer generation owns the
// client by the time the loop exits.
func (c *Client) runConnection(ctx context.Context, cancel context.CancelFunc, conn wsConn, inbound chan inboundMsg, gen int) {
	err := c.eventLoop(ctx, conn, inbound)
	cancel()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}

	old := c.state
	c.state = StateDisconnected
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "connection lost")

	c.emit(StateEvent{Old: old, New: StateDisconnected, Err: err})
	c.scheduleReconnect(gen, err)
}

// eventLoop is the single writer for one connection. It selects on inbound
// frames, outbound wakeups, and heartbeat ticks until the connection dies
// or connCtx is cancelled.
func (c *Client) eventLoop(ctx context.Context, conn wsConn, inbound chan inboundMsg) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// Messages buffered while disconnected go out first, oldest first.
	if err := c.flushOutbound(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.dispatch(msg.data)

		case <-c.wake:
			if err := c.flushOutbound(ctx, conn); err != nil {
				return err
			}

		case <-ticker.C:
			// Fire-and-forget ping. Replies are not tracked: transport
			// close is the sole disconnect signal.
			ping := Message{Kind: KindPing, SentAt: time.Now().UnixMilli()}
			if err := writeMessage(ctx, conn, ping); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushOutbound writes buffered messages oldest first. Each message leaves
// the buffer only after its write succeeds, so a mid-flush drop re-sends
// the failed message on the next connection instead of losing it.
func (c *Client) flushOutbound(ctx context.Context, conn wsConn) error {
	for {
		c.mu.Lock()
		if len(c.outbound) == 0 || c.state != StateAuthenticated {
			c.mu.Unlock()
			return nil
		}

		msg := c.outbound[0]
		c.mu.Unlock()

		if err := writeMessage(ctx, conn, msg); err != nil {
			return fmt.Errorf("sending %s: %w", msg.Kind, err)
		}

		c.mu.Lock()
		if len(c.outbound) > 0 {
			c.outbound = c.outbound[1:]
		}
		c.mu.Unlock()
	}
}

func writeMessage(ctx context.Context, conn wsConn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Kind, err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}

// Send hands a message to the connection's writer. When the client is not
// authenticated the message joins the outbound buffer instead and is
// flushed, in submission order, once a connection is established. Send
// never blocks.
func (c *Client) Send(kind Kind, payload json.RawMessage) error {
	if kind == "" {
		return errors.New("message kind required")
	}

	msg := Message{Kind: kind, Payload: payload, SentAt: time.Now().UnixMilli()}

	c.mu.Lock()
	c.outbound = append(c.outbound, msg)
	pending := len(c.outbound)
	ready := c.state == StateAuthenticated
	c.mu.Unlock()

	if ready {
		select {
		case c.wake <- struct{}{}:
		default:
		}

		return nil
	}

	c.logger.Debug("message buffered until connect",
		slog.String("kind", string(kind)),
		slog.Int("pending", pending),
	)

	return nil
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnect. Buffered messages are discarded: an explicit disconnect ends
// the session rather than pausing it.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.stopRetryLocked()
	c.gen++
	c.attempts = 0
	c.outbound = nil

	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	old := c.state
	c.state = StateClosing
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	c.emit(StateEvent{Old: old, New: StateClosing})

	if cancel != nil {
		cancel()
	}

	var closeErr error
	if conn != nil {
		closeErr = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.emit(StateEvent{Old: StateClosing, New: StateDisconnected})
	c.logger.Info("socket disconnected")

	return closeErr
}

// scheduleReconnect arms the next reconnect attempt after a drop or a
// failed attempt, doubling the delay each time up to the cap. Once the
// attempt budget is spent the client stays disconnected until an explicit
// Connect.
func (c *Client) scheduleReconnect(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted, staying disconnected",
			slog.Int("attempts", c.cfg.MaxReconnectAttempts),
			slog.String("error", cause.Error()),
		)

		return
	}

	delay := c.reconnectDelayLocked()
	c.attempts++
	attempt := c.attempts
	c.retry = time.AfterFunc(delay, func() { c.retryConnect(gen) })
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
}

// reconnectDelayLocked computes the delay for the next attempt: the base
// doubled once per attempt already made, capped at the configured max.
func (c *Client) reconnectDelayLocked() time.Duration {
	shift := c.attempts
	if shift > maxReconnectShift {
		shift = maxReconnectShift
	}

	delay := c.cfg.ReconnectBaseDelay << shift
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}

	return delay
}

// retryConnect is the timer callback for one scheduled attempt.
func (c *Client) retryConnect(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}

	attempt := c.attempts
	c.state = StateConnecting
	c.mu.Unlock()

	c.emit(StateEvent{Old: StateDisconnected, New: StateConnecting})
	c.logger.Info("reconnecting", slog.Int("attempt", attempt))

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := c.establish(ctx, gen); err != nil {
		c.scheduleReconnect(gen, err)
	}
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// Subscribe registers fn for messages of the given kind. Dispatch is
// synchronous and in arrival order. The returned cancel removes the
// registration.
func (c *Client) Subscribe(kind Kind, fn func(Message)) func() {
	c.subsMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[kind] = append(c.subs[kind], subscription{id: id, fn: fn})
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()

		list := c.subs[kind]
		for i, sub := range list {
			if sub.id == id {
				c.subs[kind] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for lifecycle transitions.
func (c *Client) OnStateChange(fn func(StateEvent)) func() {
	c.subsMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs = append(c.stateSubs, stateSubscription{id: id, fn: fn})
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()

		for i, sub := range c.stateSubs {
			if sub.id == id {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) emit(ev StateEvent) {
	c.subsMu.RLock()
	subs := append([]stateSubscription(nil), c.stateSubs...)
	c.subsMu.RUnlock()

	for _, sub := range subs {
		c.deliverStateEvent(sub, ev)
	}
}

func (c *Client) deliverStateEvent(sub stateSubscription, ev StateEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state listener panicked",
				slog.String("state", ev.New.String()),
				slog.Any("panic", r),
			)
		}
	}()

	sub.fn(ev)
}

// dispatch routes one inbound frame to the listeners registered for its
// kind. The kind is probed before a full decode so junk frames cost one
// gjson scan, not an unmarshal.
func (c *Client) dispatch(data []byte) {
	kind := Kind(gjson.GetBytes(data, "kind").Str)
	if kind == "" {
		c.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("failed to decode frame",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)

		return
	}

	c.subsMu.RLock()
	subs := append([]subscription(nil), c.subs[kind]...)
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		c.logger.Debug("no listeners for kind", slog.String("kind", string(kind)))
		return
	}

	for _, sub := range subs {
		c.deliver(sub, msg)
	}
}

// deliver runs one listener with panic isolation, so a broken listener
// cannot take down the event loop or starve the listeners after it.
func (c *Client) deliver(sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message listener panicked",
				slog.String("kind", string(msg.Kind)),
				slog.Any("panic", r),
			)
		}
	}()

	sub.fn(msg)
}
