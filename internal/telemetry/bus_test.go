package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

var errDialFailed = errors.New("dial failed")

// fakeConn is a minimal in-memory cdpconn.Conn for exercising Bus without a
// real CDP target.
type fakeConn struct {
	mu       sync.Mutex
	sink     cdpconn.EventSink
	sendErr  error
	sendHits int32
}

func (f *fakeConn) Send(method string, params any) (json.RawMessage, error) {
	atomic.AddInt32(&f.sendHits, 1)
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}
func (f *fakeConn) SendMany(cmds []cdpconn.Command, stopOnError bool) ([]cdpconn.Result, error) {
	return nil, nil
}
func (f *fakeConn) WaitForEvent(string, time.Duration) (json.RawMessage, bool) { return nil, false }
func (f *fakeConn) PopEvent(string) (json.RawMessage, bool)                   { return nil, false }
func (f *fakeConn) DrainEvents(int) int                                       { return 0 }
func (f *fakeConn) SetEventSink(sink cdpconn.EventSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}
func (f *fakeConn) Abort()      {}
func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) emit(ev cdpconn.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func TestBusForwardsEventsIntoTelemetry(t *testing.T) {
	tel := New("tab-1")
	conn := &fakeConn{}

	bus := newBusWithDialer("tab-1", "ws://fake", tel, func(string, time.Duration) (cdpconn.Conn, error) {
		return conn, nil
	})
	defer bus.Stop()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&conn.sendHits) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&conn.sendHits) == 0 {
		t.Fatalf("expected Bus to enable domains on the connection")
	}

	conn.emit(cdpconn.Event{Method: "Page.navigatedWithinDocument", Params: json.RawMessage(`{"url":"https://example.com/x"}`)})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tel.Snapshot(SnapshotOptions{}).Navigation) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected navigation event to reach telemetry")
}

func TestBusRetriesOnDialFailure(t *testing.T) {
	tel := New("tab-1")
	var attempts int32

	bus := newBusWithDialer("tab-1", "ws://fake", tel, func(string, time.Duration) (cdpconn.Conn, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errDialFailed
		}
		return &fakeConn{}, nil
	})
	defer bus.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&attempts) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 dial attempts with backoff, got %d", attempts)
	}
}
