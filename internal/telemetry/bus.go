package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// Bus is the Tier-0 background reader for one (tabID, wsURL) pair: it opens
// a direct CDP connection, enables Page/Runtime/Network (Log is
// best-effort), and forwards every observed event into a Tier0Telemetry via
// Ingest. Used only in direct/launch/attach mode — in extension mode events
// arrive from the gateway instead and no Bus is created.
type Bus struct {
	tabID string
	wsURL string
	tel   *Tier0Telemetry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// dialFunc is overridable in tests so a Bus can be driven against a fake
// CDP target without a real Chrome instance.
type dialFunc func(wsURL string, timeout time.Duration) (cdpconn.Conn, error)

var defaultDial dialFunc = func(wsURL string, timeout time.Duration) (cdpconn.Conn, error) {
	return cdpconn.Open(wsURL, timeout)
}

// NewBus starts a background reader for tabID/wsURL against tel. The
// returned Bus is already running; call Stop to tear it down.
func NewBus(tabID, wsURL string, tel *Tier0Telemetry) *Bus {
	return newBusWithDialer(tabID, wsURL, tel, defaultDial)
}

func newBusWithDialer(tabID, wsURL string, tel *Tier0Telemetry, dial dialFunc) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{tabID: tabID, wsURL: wsURL, tel: tel, cancel: cancel, done: make(chan struct{})}
	go b.run(ctx, dial)
	return b
}

// Stop signals the background reader to exit; it does not block for the
// reader to actually terminate (the reader may be mid-reconnect-backoff).
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WSURL reports the target URL this bus was opened against, so the owner
// (session manager) can detect a changed target and replace the bus.
func (b *Bus) WSURL() string { return b.wsURL }

const (
	busMinBackoff = 200 * time.Millisecond
	busMaxBackoff = 10 * time.Second
)

func (b *Bus) run(ctx context.Context, dial dialFunc) {
	defer close(b.done)
	backoff := busMinBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := dial(b.wsURL, 5*time.Second)
		if err != nil {
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = busMinBackoff
		b.enableDomains(conn)
		conn.SetEventSink(func(ev cdpconn.Event) {
			b.tel.Ingest(ev.Method, ev.Params)
		})

		// Block until the context is cancelled or the connection dies; either
		// way we fall through to reconnect-with-backoff unless we were told
		// to stop.
		<-waitForDisconnect(ctx, conn)
		conn.Abort()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *Bus) enableDomains(conn cdpconn.Conn) {
	for _, domain := range []string{"Page.enable", "Runtime.enable", "Network.enable"} {
		_, _ = conn.Send(domain, nil)
	}
	_, _ = conn.Send("Log.enable", nil) // best-effort, absent in some targets
}

// waitForDisconnect blocks until ctx is cancelled, polling the connection
// with a cheap no-op-ish probe so a dead underlying socket is noticed within
// one polling interval rather than only on the next outbound command.
func waitForDisconnect(ctx context.Context, conn cdpconn.Conn) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := conn.Send("Runtime.evaluate", map[string]any{"expression": "1", "returnByValue": true}); err != nil {
					return
				}
			}
		}
	}()
	return out
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > busMaxBackoff {
		return busMaxBackoff
	}
	return d
}
