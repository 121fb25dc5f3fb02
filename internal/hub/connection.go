// Package hub implements the client side of a SignalR-style realtime hub:
// a single websocket transport, named server-pushed events, guarded method
// invocations and an automatic reconnect policy.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bellecare/streamclient/internal/errs"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 15 * time.Second
	PongWait     = 60 * time.Second

	writeWait = 10 * time.Second
)

// reconnectDelays is the automatic reconnect schedule. After the last delay
// the connection gives up and closes for good.
var reconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Handler receives the raw JSON arguments of a server-pushed event.
type Handler func(args []json.RawMessage)

type pendingInvocation struct {
	done chan hubMessage
	err  chan error
}

// Connection owns exactly one logical hub connection for the lifetime of a
// screen. Closed is terminal: create a new Connection to reconnect after an
// explicit Disconnect.
type Connection struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      int // socket generation; stale pump callbacks check it and bail
	handlers map[string]Handler
	pending  map[string]*pendingInvocation
	nextID   uint64
	onState  func(State)

	wmu sync.Mutex // serializes writes to the current socket
}

// NewConnection builds a connection manager for the given hub URL. Query
// parameters (userId, type) are expected to already be part of url. The
// http/https scheme is converted to ws/wss at dial time.
func NewConnection(url string, log *zap.Logger) *Connection {
	return &Connection{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		log:      log,
		state:    Disconnected,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*pendingInvocation),
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback invoked on every state transition.
// The callback runs outside the connection lock and may call back in.
func (c *Connection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// On registers the handler for a named server-pushed event, replacing any
// previous one. Registration survives reconnects; the registry belongs to the
// Connection, not to any one socket.
func (c *Connection) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Off removes the handler for a named event.
func (c *Connection) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// ClearHandlers removes every registered event handler.
func (c *Connection) ClearHandlers() {
	c.mu.Lock()
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()
}

// Connect dials the hub, performs the JSON protocol handshake and starts the
// read and heartbeat loops. No event subscription is active until Connect
// returns nil. On handshake failure the state returns to Disconnected and a
// ConnectionError is returned so the caller can surface it and retry.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return &errs.ConnectionError{URL: c.url, Err: errs.ErrClosed}
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return &errs.ConnectionError{URL: c.url, Err: fmt.Errorf("already started")}
	}
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()
	notify()

	conn, err := c.dialAndHandshake(ctx)
	if err != nil {
		c.mu.Lock()
		var back func()
		if c.state == Connecting {
			back = c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		if back != nil {
			back()
		}
		return &errs.ConnectionError{URL: c.url, Err: err}
	}

	c.mu.Lock()
	if c.state == Closed {
		// Disconnect raced the dial; honor it.
		c.mu.Unlock()
		_ = conn.Close()
		return &errs.ConnectionError{URL: c.url, Err: errs.ErrClosed}
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	notify = c.setStateLocked(Connected)
	c.mu.Unlock()
	notify()

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
	return nil
}

// Invoke calls a server hub method and waits for its completion. It is
// guarded: when the connection is not Connected it fails fast with an
// InvocationError wrapping ErrNotConnected instead of writing to a dead
// socket.
func (c *Connection) Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nil, &errs.InvocationError{Method: method, Err: errs.ErrNotConnected}
	}
	conn := c.conn
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	p := &pendingInvocation{done: make(chan hubMessage, 1), err: make(chan error, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	rawArgs, err := marshalArgs(args)
	if err != nil {
		c.dropPending(id)
		return nil, &errs.InvocationError{Method: method, Err: err}
	}
	frame, err := encodeFrame(hubMessage{
		Type:         msgInvocation,
		InvocationID: id,
		Target:       method,
		Arguments:    rawArgs,
	})
	if err != nil {
		c.dropPending(id)
		return nil, &errs.InvocationError{Method: method, Err: err}
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.dropPending(id)
		return nil, &errs.InvocationError{Method: method, Err: err}
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, &errs.InvocationError{Method: method, Err: ctx.Err()}
	case e := <-p.err:
		return nil, &errs.InvocationError{Method: method, Err: e}
	case msg := <-p.done:
		if msg.Error != "" {
			return nil, &errs.InvocationError{Method: method, Err: fmt.Errorf("%s", msg.Error)}
		}
		return msg.Result, nil
	}
}

// Disconnect performs the scoped teardown: handlers unregistered, pending
// invocations failed, socket closed, state Closed. Idempotent; safe to call
// twice and safe to call while Connect is still in flight.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	notify := c.setStateLocked(Closed)
	c.gen++ // invalidate running pumps
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[string]Handler)
	c.failPendingLocked(errs.ErrClosed)
	c.mu.Unlock()
	notify()

	if conn != nil {
		c.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		_ = conn.Close()
	}
	return nil
}

// setStateLocked changes the state and returns the notification to run after
// the lock is released. Caller must hold c.mu.
func (c *Connection) setStateLocked(s State) func() {
	c.state = s
	fn := c.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}

func (c *Connection) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked rejects every in-flight invocation. Caller must hold c.mu.
func (c *Connection) failPendingLocked(err error) {
	for id, p := range c.pending {
		select {
		case p.err <- err:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Connection) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// dialAndHandshake opens the websocket and performs the JSON hub handshake.
func (c *Connection) dialAndHandshake(ctx context.Context) (*websocket.Conn, error) {
	wsURL := c.url
	if strings.HasPrefix(wsURL, "https://") {
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	} else if strings.HasPrefix(wsURL, "http://") {
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	var hs handshakeResponse
	trimmed := strings.TrimRight(string(payload), string(rune(recordSeparator)))
	if err := json.Unmarshal([]byte(trimmed), &hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("parse handshake response: %w", err)
	}
	if hs.Error != "" {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", hs.Error)
	}

	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	return conn, nil
}

func (c *Connection) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportLoss(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(PongWait))

		msgs, err := decodeFrames(payload)
		if err != nil {
			// Unknown payload shape: log and drop, never crash the pump.
			c.log.Warn("dropping undecodable hub frame", zap.Error(err))
		}
		for _, msg := range msgs {
			switch msg.Type {
			case msgInvocation:
				c.dispatch(msg)
			case msgCompletion:
				c.complete(msg)
			case msgPing:
				// heartbeat, nothing to do
			case msgClose:
				if msg.AllowReconnect {
					c.handleTransportLoss(gen, fmt.Errorf("server close: %s", msg.Error))
				} else {
					c.terminalClose(gen, msg.Error)
				}
				return
			default:
				c.log.Debug("ignoring hub message", zap.Int("type", msg.Type))
			}
		}
	}
}

func (c *Connection) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	frame, _ := encodeFrame(hubMessage{Type: msgPing})
	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen || c.state != Connected
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.writeFrame(conn, frame); err != nil {
			return
		}
	}
}

// dispatch runs the registered handler for a server-pushed event. Events with
// no handler are dropped silently; that is the unsubscribed case, not an error.
func (c *Connection) dispatch(msg hubMessage) {
	c.mu.Lock()
	h := c.handlers[msg.Target]
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(msg.Arguments)
}

func (c *Connection) complete(msg hubMessage) {
	c.mu.Lock()
	p := c.pending[msg.InvocationID]
	delete(c.pending, msg.InvocationID)
	c.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.done <- msg:
	default:
	}
}

// handleTransportLoss moves the connection to Reconnecting and starts the
// reconnect schedule. Stale generations (already superseded by a reconnect or
// an explicit Disconnect) are ignored.
func (c *Connection) handleTransportLoss(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(errs.ErrNotConnected)
	notify := c.setStateLocked(Reconnecting)
	c.mu.Unlock()
	notify()

	c.log.Warn("hub transport lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	for _, delay := range reconnectDelays {
		if delay > 0 {
			time.Sleep(delay)
		}
		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.dialer.HandshakeTimeout)
		conn, err := c.dialAndHandshake(ctx)
		cancel()
		if err != nil {
			c.log.Warn("hub reconnect attempt failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.gen++
		gen := c.gen
		notify := c.setStateLocked(Connected)
		c.mu.Unlock()
		notify()

		c.log.Info("hub reconnected")
		go c.readLoop(conn, gen)
		go c.pingLoop(conn, gen)
		return
	}

	// Out of attempts: terminal.
	c.mu.Lock()
	if c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.failPendingLocked(errs.ErrClosed)
	notify := c.setStateLocked(Closed)
	c.mu.Unlock()
	notify()
	c.log.Error("hub reconnect gave up")
}

// terminalClose handles a server close that forbids reconnecting.
func (c *Connection) terminalClose(gen int, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(errs.ErrClosed)
	notify := c.setStateLocked(Closed)
	c.mu.Unlock()
	notify()
	if reason != "" {
		c.log.Warn("hub closed by server", zap.String("reason", reason))
	}
}

// BuildHubURL composes a hub endpoint from a base URL, hub name and query
// parameters, matching the backend's connect URL contract.
func BuildHubURL(base, hubName string, query map[string]string) string {
	u := strings.TrimRight(base, "/") + "/" + hubName
	if len(query) == 0 {
		return u
	}
	vals := url.Values{}
	for k, v := range query {
		vals.Set(k, v)
	}
	return u + "?" + vals.Encode()
}
