package cdpconn

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeRouter is a minimal in-memory Router for exercising RoutedConn without
// a real gateway or native broker behind it.
type fakeRouter struct {
	mu        sync.Mutex
	sinks     map[string][]EventSink
	aborted   []string
	sendCount int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{sinks: make(map[string][]EventSink)}
}

func (r *fakeRouter) RouteSend(tabID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	r.sendCount++
	r.mu.Unlock()
	return json.Marshal(map[string]any{"tab": tabID, "method": method})
}

func (r *fakeRouter) CallRPC(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"method": method})
}

func (r *fakeRouter) RouteSendMany(tabID string, commands []Command, stopOnError bool, timeout time.Duration) ([]Result, error) {
	out := make([]Result, len(commands))
	for i, cmd := range commands {
		v, err := r.RouteSend(tabID, cmd.Method, cmd.Params, timeout)
		out[i] = Result{Value: v, Err: err}
	}
	return out, nil
}

func (r *fakeRouter) Subscribe(tabID string, sink EventSink) func() {
	r.mu.Lock()
	r.sinks[tabID] = append(r.sinks[tabID], sink)
	idx := len(r.sinks[tabID]) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.sinks[tabID][idx] = nil
		r.mu.Unlock()
	}
}

func (r *fakeRouter) RouteAbort(tabID string) {
	r.mu.Lock()
	r.aborted = append(r.aborted, tabID)
	r.mu.Unlock()
}

func (r *fakeRouter) emit(tabID string, ev Event) {
	r.mu.Lock()
	sinks := append([]EventSink(nil), r.sinks[tabID]...)
	r.mu.Unlock()
	for _, s := range sinks {
		if s != nil {
			s(ev)
		}
	}
}

func TestRoutedConnSendDelegatesToRouter(t *testing.T) {
	router := newFakeRouter()
	conn := NewExtensionConn(router, "tab-1", time.Second)
	defer conn.Close()

	val, err := conn.Send("Page.navigate", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got map[string]string
	_ = json.Unmarshal(val, &got)
	if got["tab"] != "tab-1" {
		t.Fatalf("got %v", got)
	}
}

func TestRoutedConnEventDelivery(t *testing.T) {
	router := newFakeRouter()
	conn := NewNativeConn(router, "tab-2", time.Second)
	defer conn.Close()

	router.emit("tab-2", Event{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)})

	if _, ok := conn.WaitForEvent("Page.loadEventFired", 200*time.Millisecond); !ok {
		t.Fatalf("expected event delivered through router")
	}
}

func TestRoutedConnAbortUnsubscribesAndNotifiesRouter(t *testing.T) {
	router := newFakeRouter()
	conn := NewExtensionConn(router, "tab-3", time.Second)
	conn.Abort()

	router.mu.Lock()
	aborted := append([]string(nil), router.aborted...)
	router.mu.Unlock()
	if len(aborted) != 1 || aborted[0] != "tab-3" {
		t.Fatalf("expected RouteAbort(tab-3), got %v", aborted)
	}

	if _, err := conn.Send("Page.navigate", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after abort, got %v", err)
	}

	// Event emitted after abort must not reach the (unsubscribed) conn.
	router.emit("tab-3", Event{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)})
	if _, ok := conn.PopEvent("Page.loadEventFired"); ok {
		t.Fatalf("expected no events after unsubscribe")
	}
}
