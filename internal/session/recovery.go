package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/browsermcp/gateway/internal/affordance"
	"github.com/browsermcp/gateway/internal/cdpconn"
	"github.com/browsermcp/gateway/internal/config"
	"github.com/browsermcp/gateway/internal/navgraph"
	"github.com/browsermcp/gateway/internal/telemetry"
)

// RecoverResetResult is the return shape of RecoverReset.
type RecoverResetResult struct {
	ClearedSessionTabID string `json:"clearedSessionTabId,omitempty"`
	SharedSessionClosed bool   `json:"sharedSessionClosed"`
	StoppedTier0Buses   int    `json:"stoppedTier0Buses"`
}

// RecoverReset clears every in-memory cache (diagnostics state, telemetry,
// buses, affordances, captcha state, agent memory scratch) and stops all
// Tier-0 buses without issuing a single CDP call. Safe even when Chrome is
// completely unresponsive — this is the first line of defense against a
// bricked tab.
func (m *Manager) RecoverReset() RecoverResetResult {
	m.tabMu.Lock()
	oldTab := m.sessionTabID
	m.sessionTabID = ""
	for id, sess := range m.conns {
		_ = sess
		delete(m.conns, id)
	}
	m.tabMu.Unlock()

	sharedClosed := m.closeSharedSessionLocked()

	m.telMu.Lock()
	stopped := 0
	for id, bus := range m.buses {
		bus.Stop()
		stopped++
		delete(m.buses, id)
	}
	m.tel = make(map[string]*telemetry.Tier0Telemetry)
	m.telMu.Unlock()

	m.clearDiagnostics()
	m.affMu.Lock()
	m.aff = make(map[string]*affordance.Map)
	m.affMu.Unlock()
	m.navMu.Lock()
	m.nav = make(map[string]*navgraph.Graph)
	m.navMu.Unlock()
	m.memory.Clear()
	m.captcha.Clear()
	m.autoDialog.clearAll()
	m.clearDownloads()
	m.wsMu.Lock()
	m.tabWS = make(map[string]string)
	m.wsMu.Unlock()

	return RecoverResetResult{ClearedSessionTabID: oldTab, SharedSessionClosed: sharedClosed, StoppedTier0Buses: stopped}
}

// RescueResult reports the outcome of a rescue recovery.
type RescueResult struct {
	OK          bool   `json:"ok"`
	NewTabID    string `json:"newTabId,omitempty"`
	ClosedOldID string `json:"closedOldTabId,omitempty"`
}

// Rescue creates a fresh tab without restarting the browser, optionally
// closing the previous one, and adopts it as the new session tab.
func (m *Manager) Rescue(closeOld bool) (RescueResult, error) {
	m.tabMu.Lock()
	old := m.sessionTabID
	m.tabMu.Unlock()

	if old != "" {
		m.invalidateDiagnostics(old)
		if m.kind == backendDirect {
			m.invalidateDirectSession(old)
		}
		m.stopTier0Bus(old)
	}

	m.tabMu.Lock()
	m.sessionTabID = ""
	m.tabMu.Unlock()

	newID, err := m.EnsureSessionTab()
	if err != nil {
		return RescueResult{}, fmt.Errorf("session: rescue: %w", err)
	}

	closedOld := ""
	if closeOld && old != "" && old != newID {
		if m.closeTabBestEffort(old) {
			closedOld = old
		}
	}

	return RescueResult{OK: true, NewTabID: newID, ClosedOldID: closedOld}, nil
}

func (m *Manager) closeTabBestEffort(tabID string) bool {
	switch m.kind {
	case backendDirect:
		sess, err := m.getDirectSession(tabID)
		if err != nil {
			return false
		}
		_, err = sess.Conn.Send("Target.closeTarget", map[string]any{"targetId": tabID})
		m.invalidateDirectSession(tabID)
		return err == nil
	default:
		router := m.router()
		if router == nil {
			return false
		}
		_, err := router.CallRPC("tabs.close", map[string]any{"tabId": tabID}, m.rpcTimeout())
		return err == nil
	}
}

const softHealProbeTimeout = 1500 * time.Millisecond

// SoftHealResult reports whether the tab needed healing and, if so, what
// replaced it.
type SoftHealResult struct {
	Mode        string `json:"mode"`
	OK          bool   `json:"ok"`
	SessionTabID string `json:"sessionTabId,omitempty"`
	RestoredURL string `json:"restoredUrl,omitempty"`
}

// SoftHeal implements the suspicious-CDP-timeout recovery hook: it probes
// the current connection with a cheap Runtime.evaluate, and only resets and
// rescues into a fresh tab (restoring lastURL) if that probe fails. A
// healthy tab is left untouched.
func (m *Manager) SoftHeal(tabID, lastURL string) (SoftHealResult, error) {
	if sess, err := m.GetSession(tabID); err == nil && probeAlive(sess, softHealProbeTimeout) {
		return SoftHealResult{Mode: "soft", OK: true, SessionTabID: tabID}, nil
	}

	m.RecoverReset()
	res, err := m.Rescue(true)
	if err != nil {
		return SoftHealResult{Mode: "soft", OK: false}, err
	}

	out := SoftHealResult{Mode: "soft", OK: true, SessionTabID: res.NewTabID}
	if lastURL == "" {
		return out, nil
	}
	sess, err := m.GetSession(res.NewTabID)
	if err != nil {
		return out, nil //nolint:nilerr // best-effort: tab creation already succeeded
	}
	if err := sess.Navigate(lastURL); err == nil {
		out.RestoredURL = lastURL
	}
	return out, nil
}

const hardLaunchDeadline = 15 * time.Second

// HardResult reports the outcome of a hard recovery (browser relaunch).
type HardResult struct {
	OK       bool   `json:"ok"`
	Port     int    `json:"port,omitempty"`
	NewTabID string `json:"newTabId,omitempty"`
}

// HardReset relaunches the Chrome process and adopts a fresh tab, only
// valid in launch mode. It may pick a different CDP port than the one the
// previous instance used, and mutates cfg.CDPPort in place so subsequent
// operations (and a future hard reset) target the replacement.
func (m *Manager) HardReset() (HardResult, error) {
	if m.cfg.Mode != config.ModeLaunch {
		return HardResult{}, fmt.Errorf("session: hard recovery requires launch mode, got %q", m.cfg.Mode)
	}

	m.RecoverReset()

	port, err := pickFreePort(m.cfg.ExtensionHost, launchCandidatePorts(m.cfg.CDPPort, 20))
	if err != nil {
		return HardResult{}, err
	}
	if err := launchChrome(m.cfg.BinaryPath, m.cfg.ProfilePath, port); err != nil {
		return HardResult{}, err
	}
	if err := waitForDevtools(m.cfg.ExtensionHost, port, hardLaunchDeadline); err != nil {
		return HardResult{}, err
	}

	m.cfg.CDPPort = port

	tabID, err := m.EnsureSessionTab()
	if err != nil {
		return HardResult{Port: port}, err
	}
	return HardResult{OK: true, Port: port, NewTabID: tabID}, nil
}

// AttemptSoftHeal is the single place every session-level helper (dialog,
// wait_for, flow) calls on a suspicious CDP timeout, per §4.11. It is a
// no-op for any error that isn't a CDP timeout — other failures (transport
// refused, protocol violations) are surfaced as-is rather than triggering
// a heal that can't fix them.
func (m *Manager) AttemptSoftHeal(sess *BrowserSession, cause error) (bool, SoftHealResult) {
	if !errors.Is(cause, cdpconn.ErrTimeout) {
		return false, SoftHealResult{}
	}
	res, err := m.SoftHeal(sess.TabID, sess.LastURL())
	if err != nil {
		return false, SoftHealResult{}
	}
	return true, res
}

// probeAlive runs a cheap Runtime.evaluate("1") smoke probe with a short
// bound, reporting whether the connection responded in time.
func probeAlive(sess *BrowserSession, timeout time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		_, err := sess.Conn.Send("Runtime.evaluate", map[string]any{"expression": "1", "returnByValue": true})
		done <- err == nil
	}()
	select {
	case ok := <-done:
		return ok
	case <-time.After(timeout):
		return false
	}
}
