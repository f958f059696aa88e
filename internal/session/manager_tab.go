package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// ErrNotConfigured is returned when an operation needs an extension/native
// connection but none is configured or connected.
var ErrNotConfigured = fmt.Errorf("session: not configured")

// EnsureSessionTab returns the id of the tab this server treats as "the"
// session tab, creating or adopting one if necessary. The chosen id is
// remembered and revalidated on every call; if it has disappeared a fresh
// tab is created.
func (m *Manager) EnsureSessionTab() (string, error) {
	m.tabMu.Lock()
	defer m.tabMu.Unlock()

	if m.sessionTabID != "" {
		if m.tabStillExists(m.sessionTabID) {
			return m.sessionTabID, nil
		}
		m.sessionTabID = ""
	}

	var id string
	var err error
	switch m.kind {
	case backendDirect:
		id, _, err = createDirectTab(m.cfg.ExtensionHost, m.cfg.CDPPort, "about:blank")
	default:
		id, err = m.ensureExtensionTab()
	}
	if err != nil {
		return "", err
	}
	m.sessionTabID = id
	return id, nil
}

func (m *Manager) tabStillExists(tabID string) bool {
	switch m.kind {
	case backendDirect:
		targets, err := listDirectTabs(m.cfg.ExtensionHost, m.cfg.CDPPort)
		if err != nil {
			return false
		}
		for _, t := range targets {
			if t.ID == tabID {
				return true
			}
		}
		return false
	default:
		router := m.router()
		if router == nil {
			return false
		}
		_, err := router.CallRPC("tabs.get", map[string]any{"tabId": tabID}, m.rpcTimeout())
		return err == nil
	}
}

// ensureExtensionTab creates a new tab via the extension's tabs.create RPC,
// unless the extension advertises followActive with a focused tab and
// MCP_EXTENSION_FORCE_NEW_TAB is unset and this process is not a proxy
// (peer) — in which case the already-focused tab is adopted instead.
func (m *Manager) ensureExtensionTab() (string, error) {
	router := m.router()
	if router == nil {
		return "", ErrNotConfigured
	}

	if !m.cfg.ExtensionForceNewTab && !m.isProxyBackend() {
		if st, ok := m.extensionState(); ok && st.FollowActive && st.FocusedTabID != "" {
			return st.FocusedTabID, nil
		}
	}

	raw, err := router.CallRPC("tabs.create", map[string]any{"url": "about:blank", "active": true}, m.rpcTimeout())
	if err != nil {
		return "", err
	}
	var out struct {
		TabID string `json:"tabId"`
	}
	if json.Unmarshal(raw, &out) != nil || out.TabID == "" {
		return "", fmt.Errorf("session: tabs.create returned no tabId")
	}
	return out.TabID, nil
}

func (m *Manager) isProxyBackend() bool {
	router := m.router()
	if p, ok := router.(interface{ IsProxy() bool }); ok {
		return p.IsProxy()
	}
	return false
}

// extState is a backend-agnostic copy of the extension's last-known state,
// kept separate from gateway.ExtensionState since the native broker has no
// equivalent today.
type extState struct {
	Enabled      bool
	FollowActive bool
	FocusedTabID string
}

func (m *Manager) extensionState() (extState, bool) {
	if m.kind != backendGateway || m.shared == nil {
		return extState{}, false
	}
	st := m.shared.Status()
	if st.State == nil {
		return extState{}, false
	}
	return extState{Enabled: st.State.Enabled, FollowActive: st.State.FollowActive, FocusedTabID: st.State.FocusedTabID}, true
}

func (m *Manager) rpcTimeout() time.Duration {
	return time.Duration(m.cfg.ExtensionRPCTimeout) * time.Millisecond
}

// GetSession returns a BrowserSession over the current backend for tabID,
// creating a direct connection when in launch/attach mode.
func (m *Manager) GetSession(tabID string) (*BrowserSession, error) {
	if m.kind == backendDirect {
		return m.getDirectSession(tabID)
	}
	router := m.router()
	if router == nil {
		return nil, ErrNotConfigured
	}
	var conn *cdpconn.RoutedConn
	if m.kind == backendNative {
		conn = cdpconn.NewNativeConn(router, tabID, m.rpcTimeout())
	} else {
		conn = cdpconn.NewExtensionConn(router, tabID, m.rpcTimeout())
	}
	return NewBrowserSession(conn, tabID, ""), nil
}

func (m *Manager) getDirectSession(tabID string) (*BrowserSession, error) {
	m.tabMu.Lock()
	defer m.tabMu.Unlock()

	if existing, ok := m.conns[tabID]; ok {
		return existing, nil
	}

	wsURL, err := tabWSURLByID(m.cfg.ExtensionHost, m.cfg.CDPPort, tabID)
	if err != nil {
		return nil, err
	}
	conn, err := openDirect(wsURL, time.Duration(m.cfg.HTTPTimeout)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	sess := NewBrowserSession(conn, tabID, wsURL)
	m.conns[tabID] = sess
	m.setTabWSURL(tabID, wsURL)
	return sess, nil
}

// invalidateDirectSession drops a cached direct connection, e.g. after
// recovery replaces the tab.
func (m *Manager) invalidateDirectSession(tabID string) {
	m.tabMu.Lock()
	defer m.tabMu.Unlock()
	if sess, ok := m.conns[tabID]; ok {
		sess.Close()
		delete(m.conns, tabID)
	}
}
