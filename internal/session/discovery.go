package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// openDirect is overridable in tests so tab discovery can be driven against
// a fake CDP endpoint without a real Chrome instance.
var openDirect = cdpconn.Open

// devtoolsVersion is the shape of GET /json/version on a --remote-debugging
// CDP endpoint.
type devtoolsVersion struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// devtoolsTarget is one entry of GET /json/list.
type devtoolsTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func fetchJSON(url string, out any) error {
	resp, err := httpClient.Get(url) // #nosec G107 -- fixed localhost devtools endpoint built from cfg.CDPPort, never user input
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session: %s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// browserWSURL returns the browser-level devtools websocket endpoint for a
// Chrome instance listening on port (direct/launch/attach mode only).
func browserWSURL(host string, port int) (string, error) {
	var v devtoolsVersion
	if err := fetchJSON(fmt.Sprintf("http://%s:%d/json/version", host, port), &v); err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("session: /json/version returned no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}

// tabWSURLByID finds the devtools websocket URL for an already-created
// target by scanning /json/list once.
func tabWSURLByID(host string, port int, targetID string) (string, error) {
	var targets []devtoolsTarget
	if err := fetchJSON(fmt.Sprintf("http://%s:%d/json/list", host, port), &targets); err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.ID == targetID {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("session: target %s not found in /json/list", targetID)
}

// createDirectTab opens the browser-level connection and issues
// Target.createTarget, returning the new target's own devtools websocket URL.
func createDirectTab(host string, port int, url string) (tabID, wsURL string, err error) {
	if url == "" {
		url = "about:blank"
	}
	browserWS, err := browserWSURL(host, port)
	if err != nil {
		return "", "", err
	}
	conn, err := openDirect(browserWS, 5*time.Second)
	if err != nil {
		return "", "", err
	}
	defer conn.Close()

	raw, err := conn.Send("Target.createTarget", map[string]any{"url": url})
	if err != nil {
		return "", "", err
	}
	var out struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.TargetID == "" {
		return "", "", fmt.Errorf("session: Target.createTarget returned no targetId")
	}

	wsURL, err = tabWSURLByID(host, port, out.TargetID)
	if err != nil {
		return "", "", err
	}
	return out.TargetID, wsURL, nil
}

// listDirectTabs returns every page-type target currently open.
func listDirectTabs(host string, port int) ([]devtoolsTarget, error) {
	var targets []devtoolsTarget
	if err := fetchJSON(fmt.Sprintf("http://%s:%d/json/list", host, port), &targets); err != nil {
		return nil, err
	}
	out := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			out = append(out, t)
		}
	}
	return out, nil
}
