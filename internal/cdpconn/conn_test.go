package cdpconn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTarget is a minimal CDP target: it echoes back {id, result: params} for
// every command it receives, and can be told to emit an out-of-band event.
func fakeTarget(t *testing.T) (*httptest.Server, chan<- Event) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	emit := make(chan Event, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case ev, ok := <-emit:
					if !ok {
						return
					}
					data, _ := json.Marshal(ev)
					if conn.WriteMessage(websocket.TextMessage, data) != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			if req.Method == "Hang.forever" {
				continue // simulate a command that never replies
			}
			reply := struct {
				ID     int64           `json:"id"`
				Result json.RawMessage `json:"result"`
			}{ID: req.ID, Result: req.Params}
			data, _ := json.Marshal(reply)
			if conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		}
	}))
	return srv, emit
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDirectConnSendRoundTrip(t *testing.T) {
	srv, _ := fakeTarget(t)
	defer srv.Close()

	conn, err := Open(wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	result, err := conn.Send("Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["url"] != "https://example.com" {
		t.Fatalf("got %v", got)
	}
}

func TestDirectConnTimeout(t *testing.T) {
	srv, _ := fakeTarget(t)
	defer srv.Close()

	conn, err := Open(wsURL(srv), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	_, err = conn.Send("Hang.forever", nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestDirectConnEventQueueAndSink(t *testing.T) {
	srv, emit := fakeTarget(t)
	defer srv.Close()

	conn, err := Open(wsURL(srv), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	var sunk []string
	conn.SetEventSink(func(ev Event) {
		mu.Lock()
		sunk = append(sunk, ev.Method)
		mu.Unlock()
	})

	emit <- Event{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)}
	emit <- Event{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{}`)}

	if _, ok := conn.WaitForEvent("Page.loadEventFired", 500*time.Millisecond); !ok {
		t.Fatalf("expected Page.loadEventFired")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		mu.Lock()
		n := len(sunk)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) < 2 {
		t.Fatalf("expected both events observed by sink, got %v", sunk)
	}
}

func TestDirectConnAbortUnblocksPendingSend(t *testing.T) {
	srv, _ := fakeTarget(t)
	defer srv.Close()

	conn, err := Open(wsURL(srv), 5*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, sendErr := conn.Send("Hang.forever", nil)
		errCh <- sendErr
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Abort()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error after abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not unblock after Abort")
	}

	if _, err := conn.Send("Page.navigate", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after abort, got %v", err)
	}
}
