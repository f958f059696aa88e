// Package cdpconn implements the three CdpLikeConnection variants: a direct
// WebSocket connection to a Chrome --remote-debugging-port target, and the
// extension/native variants that route through a shared gateway or broker
// instead of owning a socket themselves (see package gateway / nativebroker).
//
// Grounded on original_source/mcp_servers/browser/session_cdp.py.
package cdpconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a CDP event: {method, params}, no id.
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EventSink receives every event as it is observed, in addition to it being
// enqueued. Sinks must never block or panic; Conn treats sink errors as
// best-effort.
type EventSink func(Event)

// Conn is the capability interface shared by all three backends. Every tool
// step talks to this interface, not to a concrete transport.
type Conn interface {
	Send(method string, params any) (json.RawMessage, error)
	SendMany(commands []Command, stopOnError bool) ([]Result, error)
	WaitForEvent(name string, timeout time.Duration) (json.RawMessage, bool)
	PopEvent(name string) (json.RawMessage, bool)
	DrainEvents(max int) int
	SetEventSink(sink EventSink)
	Abort()
	Close() error
}

// Command is one CDP command in a batch.
type Command struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Result is one CDP result in a batch; Err is set instead of Value on
// failure when stopOnError is false.
type Result struct {
	Value json.RawMessage
	Err   error
}

// ErrTimeout is returned (wrapped) when a CDP command does not receive a
// matching response within its deadline. Callers check errors.Is(err,
// ErrTimeout) to distinguish it from transport failures.
var ErrTimeout = errors.New("cdp response timed out")

// ErrClosed is returned from Send/SendMany once the connection has been
// aborted or closed.
var ErrClosed = errors.New("cdp connection closed")

const defaultEventQueueCap = 2000

// DirectConn owns one WebSocket to a CDP target: one outstanding command at
// a time per caller goroutine (concurrent Send calls are serialized by the
// write mutex; responses are matched by id).
type DirectConn struct {
	wsURL   string
	timeout time.Duration

	mu        sync.Mutex // protects everything below
	conn      *websocket.Conn
	nextID    int64
	pending   map[int64]chan rpcReply
	events    []Event // bounded FIFO, oldest first
	sink      EventSink
	closed    bool
	readErr   error
	readDone  chan struct{}
}

type rpcReply struct {
	result json.RawMessage
	errMsg string
}

// Open dials wsURL and starts the background read loop.
func Open(wsURL string, timeout time.Duration) (*DirectConn, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(wsURL, nil) // #nosec G704 -- wsURL comes from a trusted CDP discovery endpoint on localhost
	if err != nil {
		return nil, fmt.Errorf("cdpconn: dial %s: %w", wsURL, err)
	}

	c := &DirectConn{
		wsURL:    wsURL,
		timeout:  timeout,
		conn:     conn,
		pending:  make(map[int64]chan rpcReply),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WSURL returns the URL this connection was opened against (used by
// session-manager bookkeeping to detect when a tab's target changed).
func (c *DirectConn) WSURL() string { return c.wsURL }

func (c *DirectConn) readLoop() {
	defer close(c.readDone)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			pending := c.pending
			c.pending = nil
			c.mu.Unlock()
			for _, ch := range pending {
				ch <- rpcReply{errMsg: err.Error()}
			}
			return
		}

		var envelope struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		if envelope.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*envelope.ID]
			if ok {
				delete(c.pending, *envelope.ID)
			}
			c.mu.Unlock()
			if ok {
				reply := rpcReply{result: envelope.Result}
				if envelope.Error != nil {
					reply.errMsg = envelope.Error.Message
				}
				ch <- reply
			}
			continue
		}

		if envelope.Method != "" {
			ev := Event{Method: envelope.Method, Params: envelope.Params}
			c.mu.Lock()
			sink := c.sink
			c.events = append(c.events, ev)
			if len(c.events) > defaultEventQueueCap {
				c.events = c.events[len(c.events)-defaultEventQueueCap:]
			}
			c.mu.Unlock()
			if sink != nil {
				func() {
					defer func() { recover() }()
					sink(ev)
				}()
			}
		}
	}
}

// Send serializes {id, method, params}, writes it, and blocks until the
// matching response (or timeout). Events observed meanwhile are preserved in
// the FIFO, never dropped to make room for the response.
func (c *DirectConn) Send(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcReply, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	msg := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}
	data, err := json.Marshal(msg)
	if err != nil {
		c.forgetPending(id)
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.forgetPending(id)
		return nil, fmt.Errorf("cdpconn: write %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.errMsg != "" {
			return nil, fmt.Errorf("cdpconn: %s: %s", method, reply.errMsg)
		}
		return reply.result, nil
	case <-time.After(c.timeout):
		c.forgetPending(id)
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	}
}

func (c *DirectConn) forgetPending(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// SendMany sends commands sequentially (direct connections never negotiate a
// batch capability — only the gateway/broker backends can collapse this into
// one round-trip).
func (c *DirectConn) SendMany(commands []Command, stopOnError bool) ([]Result, error) {
	out := make([]Result, 0, len(commands))
	for _, cmd := range commands {
		val, err := c.Send(cmd.Method, cmd.Params)
		if err != nil {
			out = append(out, Result{Err: err})
			if stopOnError {
				return out, err
			}
			continue
		}
		out = append(out, Result{Value: val})
	}
	return out, nil
}

// WaitForEvent drains the queue for a matching event first; otherwise blocks
// (bounded by timeout), enqueueing any non-matching events it observes along
// the way so later callers still see them.
func (c *DirectConn) WaitForEvent(name string, timeout time.Duration) (json.RawMessage, bool) {
	if v, ok := c.PopEvent(name); ok {
		return v, true
	}

	deadline := time.Now().Add(timeout)
	poll := 20 * time.Millisecond
	for time.Now().Before(deadline) {
		if v, ok := c.PopEvent(name); ok {
			return v, true
		}
		time.Sleep(poll)
	}
	return nil, false
}

// PopEvent dequeues the oldest matching event without blocking.
func (c *DirectConn) PopEvent(name string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ev := range c.events {
		if ev.Method == name {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev.Params, true
		}
	}
	return nil, false
}

// DrainEvents pumps up to max pending events into the sink without blocking.
// It is a best-effort flush, used between tool calls; it never touches a
// pending command response.
func (c *DirectConn) DrainEvents(max int) int {
	c.mu.Lock()
	n := len(c.events)
	if max > 0 && n > max {
		n = max
	}
	drained := c.events[:n]
	c.events = c.events[n:]
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		for _, ev := range drained {
			func() {
				defer func() { recover() }()
				sink(ev)
			}()
		}
	}
	return n
}

// SetEventSink installs (or clears, with nil) the event sink.
func (c *DirectConn) SetEventSink(sink EventSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Abort breaks the connection by shutting down the raw underlying socket
// (SHUT_RDWR-equivalent) instead of performing a graceful WebSocket close
// handshake. This is the only reliable breaker when the renderer's JS thread
// is blocked by a dialog and the WS stack itself is stuck inside Write/Read.
// Do not replace this with conn.Close() — see SPEC_FULL.md DESIGN NOTES.
func (c *DirectConn) Abort() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcReply{errMsg: "connection aborted"}
	}

	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tcp.SetLinger(0) // RST instead of FIN, skips the close handshake entirely
		_ = tcp.Close()
		return
	}
	// Fallback transport (e.g. in-memory pipe in tests): best-effort close.
	_ = conn.Close()
}

// Close delegates to Abort, per spec: "close() is implemented by delegating
// to abort."
func (c *DirectConn) Close() error {
	c.Abort()
	return nil
}
