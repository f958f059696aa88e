package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// domainFlags tracks which CDP domains have been enabled on a connection,
// so repeated EnableDomains calls are idempotent (§3 BrowserSession
// invariant a).
type domainFlags struct {
	mu          sync.Mutex
	page        bool
	runtime     bool
	dom         bool
	network     bool
	log         bool
	performance bool
}

// BrowserSession is a handle to one tab: a CdpLikeConnection, the tab's
// identity, last known URL, and cached domain-enable state.
type BrowserSession struct {
	Conn    cdpconn.Conn
	TabID   string
	WSURL   string // empty for extension/native-routed sessions

	urlMu   sync.Mutex
	lastURL string

	flags domainFlags
}

// NewBrowserSession wraps conn for tabID.
func NewBrowserSession(conn cdpconn.Conn, tabID, wsURL string) *BrowserSession {
	return &BrowserSession{Conn: conn, TabID: tabID, WSURL: wsURL}
}

// LastURL returns the most recently observed URL for this tab.
func (s *BrowserSession) LastURL() string {
	s.urlMu.Lock()
	defer s.urlMu.Unlock()
	return s.lastURL
}

// SetLastURL records the most recently observed URL for this tab.
func (s *BrowserSession) SetLastURL(url string) {
	s.urlMu.Lock()
	s.lastURL = url
	s.urlMu.Unlock()
}

// EnableDomains enables the requested CDP domains, skipping any already
// cached as enabled. Safe to call repeatedly — that's the whole point.
func (s *BrowserSession) EnableDomains(page, runtime, dom, network, log, performance bool) error {
	s.flags.mu.Lock()
	defer s.flags.mu.Unlock()

	type want struct {
		enabled *bool
		cdp     string
	}
	plan := []want{
		{&s.flags.page, "Page.enable"},
		{&s.flags.runtime, "Runtime.enable"},
		{&s.flags.dom, "DOM.enable"},
		{&s.flags.network, "Network.enable"},
		{&s.flags.log, "Log.enable"},
		{&s.flags.performance, "Performance.enable"},
	}
	requested := []bool{page, runtime, dom, network, log, performance}

	for i, w := range plan {
		if !requested[i] || *w.enabled {
			continue
		}
		if _, err := s.Conn.Send(w.cdp, nil); err != nil {
			return fmt.Errorf("session: %s: %w", w.cdp, err)
		}
		*w.enabled = true
	}
	return nil
}

// Navigate issues Page.navigate and updates LastURL on success.
func (s *BrowserSession) Navigate(url string) error {
	if err := s.EnableDomains(true, false, false, false, false, false); err != nil {
		return err
	}
	if _, err := s.Conn.Send("Page.navigate", map[string]any{"url": url}); err != nil {
		return err
	}
	s.SetLastURL(url)
	return nil
}

// EvalJS evaluates expr via Runtime.evaluate. Callers that need a strict
// boolean result should use EvalJSBoolTrue instead (see §9 DESIGN NOTES:
// "strict boolean checks").
func (s *BrowserSession) EvalJS(expr string, awaitPromise bool) (json.RawMessage, error) {
	if err := s.EnableDomains(false, true, false, false, false, false); err != nil {
		return nil, err
	}
	return s.Conn.Send("Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  awaitPromise,
	})
}

// EvalJSBoolTrue evaluates expr and returns true only when the in-page
// result is the JSON literal `true` — never a truthy coercion. Multiple
// sites in the original implementation rely on this exact-equals check
// (diagnostics availability, readiness probes); encoding it here keeps
// every caller correct by construction.
func (s *BrowserSession) EvalJSBoolTrue(expr string) (bool, error) {
	raw, err := s.EvalJS(expr, false)
	if err != nil {
		return false, err
	}
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, nil
	}
	return string(result.Result.Value) == "true", nil
}

// Screenshot captures the current viewport via Page.captureScreenshot.
func (s *BrowserSession) Screenshot(format string) (string, error) {
	if format == "" {
		format = "png"
	}
	if err := s.EnableDomains(true, false, false, false, false, false); err != nil {
		return "", err
	}
	raw, err := s.Conn.Send("Page.captureScreenshot", map[string]any{"format": format})
	if err != nil {
		return "", err
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out.Data, nil
}

// Close releases the underlying connection. It must never hang on a
// bricked page: Conn.Close() delegates to the raw-socket abort semantics
// mandated by §4.11/§9, not a graceful CDP teardown.
func (s *BrowserSession) Close() error {
	return s.Conn.Close()
}

// DialogFailFast wraps a blocking call with a short smoke probe so JS
// dialogs don't hang the caller — used by EvalJS callers in the original
// implementation's browser_session.py that need fail-fast semantics ahead
// of a full timeout. timeout bounds the probe only, not op itself.
func DialogFailFast(s *BrowserSession, probeTimeout time.Duration, op func() (json.RawMessage, error)) (json.RawMessage, error) {
	done := make(chan struct{})
	var res json.RawMessage
	var opErr error
	go func() {
		res, opErr = op()
		close(done)
	}()
	select {
	case <-done:
		return res, opErr
	case <-time.After(probeTimeout):
		return nil, fmt.Errorf("session: %s: %w", s.TabID, cdpconn.ErrTimeout)
	}
}
