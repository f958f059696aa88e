package cdpconn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Router is the capability a gateway leader/peer or native broker exposes to
// a routed connection: send one CDP command to a specific tab and get its
// result, with no socket of its own. RoutedConn adapts this into the full
// Conn interface (event queue, WaitForEvent, Abort) the same way DirectConn
// does, so tool code never has to branch on which backend is in play.
//
// Both internal/gateway and internal/nativebroker implement Router; cdpconn
// depends on neither to avoid an import cycle (each of those packages will
// import cdpconn for the Event/Command/Result types).
type Router interface {
	// RouteSend forwards one CDP command for tabID and returns its result.
	RouteSend(tabID string, method string, params any, timeout time.Duration) (json.RawMessage, error)
	// CallRPC forwards a top-level extension RPC method (tabs.list,
	// tabs.get, tabs.create, tabs.activate, tabs.close, state.get, ...)
	// directly, unwrapped by cdp.send — distinct from RouteSend, which is
	// reserved for actual CDP commands dispatched against a tab.
	CallRPC(method string, params any, timeout time.Duration) (json.RawMessage, error)
	// RouteSendMany forwards a batch in one round-trip when the backend
	// supports it (extension cdp.sendMany / native broker rpc.batch);
	// backends that don't negotiate batching fall back to sequential sends.
	RouteSendMany(tabID string, commands []Command, stopOnError bool, timeout time.Duration) ([]Result, error)
	// Subscribe registers a sink that receives every CDP event the router
	// observes for tabID until the returned func is called to unsubscribe.
	Subscribe(tabID string, sink EventSink) (unsubscribe func())
	// RouteAbort asks the router to tear down its underlying transport for
	// tabID (closing the extension's CDP attachment or the native peer's
	// socket), mirroring DirectConn.Abort's raw-teardown semantics.
	RouteAbort(tabID string)
}

// kind distinguishes the two routed backends only for error messages and
// logging; behavior is identical.
type kind string

const (
	kindExtension kind = "extension"
	kindNative    kind = "native"
)

// RoutedConn is the Conn implementation shared by the extension-gateway and
// native-broker backends: it owns no socket, only a Router reference and tab
// id, plus the same bounded local event queue DirectConn keeps so
// WaitForEvent/PopEvent/DrainEvents behave identically across backends.
type RoutedConn struct {
	kind    kind
	router  Router
	tabID   string
	timeout time.Duration

	mu          sync.Mutex
	events      []Event
	sink        EventSink
	closed      bool
	unsubscribe func()
}

// NewExtensionConn builds a Conn routed through an extension gateway leader
// or peer for the given tab id.
func NewExtensionConn(router Router, tabID string, timeout time.Duration) *RoutedConn {
	return newRoutedConn(kindExtension, router, tabID, timeout)
}

// NewNativeConn builds a Conn routed through the native broker for the given
// tab id.
func NewNativeConn(router Router, tabID string, timeout time.Duration) *RoutedConn {
	return newRoutedConn(kindNative, router, tabID, timeout)
}

func newRoutedConn(k kind, router Router, tabID string, timeout time.Duration) *RoutedConn {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &RoutedConn{kind: k, router: router, tabID: tabID, timeout: timeout}
	c.unsubscribe = router.Subscribe(tabID, c.observe)
	return c
}

func (c *RoutedConn) observe(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
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

func (c *RoutedConn) Send(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	val, err := c.router.RouteSend(c.tabID, method, params, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("cdpconn(%s): %s: %w", c.kind, method, err)
	}
	return val, nil
}

func (c *RoutedConn) SendMany(commands []Command, stopOnError bool) ([]Result, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		out := make([]Result, len(commands))
		for i := range out {
			out[i] = Result{Err: ErrClosed}
		}
		return out, ErrClosed
	}
	return c.router.RouteSendMany(c.tabID, commands, stopOnError, c.timeout)
}

func (c *RoutedConn) WaitForEvent(name string, timeout time.Duration) (json.RawMessage, bool) {
	if v, ok := c.PopEvent(name); ok {
		return v, true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := c.PopEvent(name); ok {
			return v, true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, false
}

func (c *RoutedConn) PopEvent(name string) (json.RawMessage, bool) {
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

func (c *RoutedConn) DrainEvents(max int) int {
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

func (c *RoutedConn) SetEventSink(sink EventSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Abort asks the router to tear down the underlying transport for this tab
// (closing the extension's debugger attachment or the native peer socket)
// and marks this handle closed. Unlike DirectConn, there is no local raw
// socket to shut down — teardown is the router's responsibility, since the
// same transport may be multiplexing other tabs.
func (c *RoutedConn) Abort() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsubscribe
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.router.RouteAbort(c.tabID)
}

func (c *RoutedConn) Close() error {
	c.Abort()
	return nil
}
