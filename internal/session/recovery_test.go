package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/browsermcp/gateway/internal/artifacts"
	"github.com/browsermcp/gateway/internal/cdpconn"
	"github.com/browsermcp/gateway/internal/config"
)

// fakeConn is a minimal cdpconn.Conn whose Send behavior is supplied by the
// caller, letting each direct-mode "connection" in a test stand in for a
// distinct tab without a real Chrome instance.
type fakeConn struct {
	mu     sync.Mutex
	onSend func(method string, params any) (json.RawMessage, error)
}

func (f *fakeConn) Send(method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.onSend
	f.mu.Unlock()
	return fn(method, params)
}
func (f *fakeConn) SendMany(commands []cdpconn.Command, stopOnError bool) ([]cdpconn.Result, error) {
	return nil, nil
}
func (f *fakeConn) WaitForEvent(name string, timeout time.Duration) (json.RawMessage, bool) {
	return nil, false
}
func (f *fakeConn) PopEvent(name string) (json.RawMessage, bool) { return nil, false }
func (f *fakeConn) DrainEvents(max int) int                      { return 0 }
func (f *fakeConn) SetEventSink(sink cdpconn.EventSink)          {}
func (f *fakeConn) Abort()                                       {}
func (f *fakeConn) Close() error                                 { return nil }

func okResult(v any) (json.RawMessage, error) {
	data, _ := json.Marshal(v)
	return data, nil
}

// TestAttemptSoftHealIgnoresNonTimeoutErrors covers the gating half of
// §4.11's single recovery hook: anything that isn't a CDP timeout must be
// surfaced as-is, never triggering a heal it can't fix.
func TestAttemptSoftHealIgnoresNonTimeoutErrors(t *testing.T) {
	mgr := New(config.BrowserConfig{Mode: config.ModeAttach}, artifacts.New(t.TempDir()), nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := NewBrowserSession(&fakeConn{onSend: func(string, any) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}}, "tab1", "")

	handled, _ := mgr.AttemptSoftHeal(sess, fmt.Errorf("transport refused"))
	if handled {
		t.Fatalf("expected a non-timeout error not to trigger a heal")
	}
}

// TestSoftHealRecoversBrickedDialogTab covers §8 scenario 6: a JS dialog has
// bricked the session tab (Runtime.evaluate never returns), and
// AttemptSoftHeal must reset in-memory state, open a fresh tab, close the
// bricked one, and restore the last known URL into the replacement.
func TestSoftHealRecoversBrickedDialogTab(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": "ws://fake-browser"})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "new-tab", "type": "page", "url": "about:blank", "webSocketDebuggerUrl": "ws://fake-new-tab"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	origOpenDirect := openDirect
	defer func() { openDirect = origOpenDirect }()
	openDirect = func(wsURL string, timeout time.Duration) (cdpconn.Conn, error) {
		switch wsURL {
		case "ws://fake-browser":
			return &fakeConn{onSend: func(method string, params any) (json.RawMessage, error) {
				if method != "Target.createTarget" {
					return nil, fmt.Errorf("unexpected browser-level call %s", method)
				}
				return okResult(map[string]any{"targetId": "new-tab"})
			}}, nil
		case "ws://fake-new-tab":
			return &fakeConn{onSend: func(method string, params any) (json.RawMessage, error) {
				return okResult(map[string]any{})
			}}, nil
		default:
			return nil, fmt.Errorf("unexpected openDirect(%s)", wsURL)
		}
	}

	mgr := New(config.BrowserConfig{
		Mode:                config.ModeAttach,
		ExtensionHost:       host,
		CDPPort:             port,
		HTTPTimeout:         5000,
		ExtensionRPCTimeout: 2000,
	}, artifacts.New(t.TempDir()), nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bricked := &fakeConn{onSend: func(method string, params any) (json.RawMessage, error) {
		if method == "Runtime.evaluate" {
			time.Sleep(softHealProbeTimeout + 500*time.Millisecond)
			return nil, fmt.Errorf("never reached")
		}
		return okResult(map[string]any{})
	}}
	sess := NewBrowserSession(bricked, "old-tab", "ws://fake-old-tab")
	sess.SetLastURL("https://example.com/form")

	mgr.tabMu.Lock()
	mgr.sessionTabID = "old-tab"
	mgr.conns["old-tab"] = sess
	mgr.tabMu.Unlock()

	handled, recovered := mgr.AttemptSoftHeal(sess, cdpconn.ErrTimeout)
	if !handled {
		t.Fatalf("expected a CDP timeout to trigger a heal")
	}
	if recovered.Mode != "soft" || !recovered.OK {
		t.Fatalf("expected a successful soft recovery, got %+v", recovered)
	}
	if recovered.SessionTabID != "new-tab" {
		t.Fatalf("expected recovery to adopt new-tab, got %q", recovered.SessionTabID)
	}
	if recovered.RestoredURL != "https://example.com/form" {
		t.Fatalf("expected the last URL to be restored, got %q", recovered.RestoredURL)
	}

	// RecoverReset discards every cached connection without issuing a CDP
	// call on it (the bricked tab may never respond to one); the old tab is
	// simply abandoned rather than explicitly closed.
	mgr.tabMu.Lock()
	_, oldStillCached := mgr.conns["old-tab"]
	mgr.tabMu.Unlock()
	if oldStillCached {
		t.Fatalf("expected the bricked tab's connection to be dropped from the cache")
	}
}
