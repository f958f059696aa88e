package session

import (
	"github.com/browsermcp/gateway/internal/telemetry"
)

// TelemetryEnsureResult reports the outcome of wiring Tier-0 telemetry for a
// tab.
type TelemetryEnsureResult struct {
	Enabled bool   `json:"enabled"`
	TabID   string `json:"tabId,omitempty"`
	Cursor  int64  `json:"cursor,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// EnsureTelemetry wires Tier-0 telemetry for sess: in direct mode it starts
// (or confirms) a background bus against the tab's own websocket; in
// extension/native mode events arrive pre-fanned from the gateway/broker, so
// only the telemetry buffer itself is ensured. Dialog events are always
// observed regardless of which path delivers them.
func (m *Manager) EnsureTelemetry(sess *BrowserSession) TelemetryEnsureResult {
	if !m.cfg.Tier0 {
		return TelemetryEnsureResult{Enabled: false}
	}
	tabID := sess.TabID
	if tabID == "" {
		return TelemetryEnsureResult{Enabled: false}
	}
	tel := m.telemetryFor(tabID)

	if m.kind != backendDirect {
		_ = sess.EnableDomains(true, true, false, true, true, false)
		return TelemetryEnsureResult{Enabled: true, TabID: tabID, Cursor: tel.Cursor(), Mode: "extension"}
	}

	if sess.WSURL != "" {
		m.setTabWSURL(tabID, sess.WSURL)
	}
	m.ensureTier0Bus(tabID, sess.WSURL, tel)
	_ = sess.EnableDomains(true, true, false, true, true, false)
	return TelemetryEnsureResult{Enabled: true, TabID: tabID, Cursor: tel.Cursor()}
}

// ensureTier0Bus starts (or replaces) the background reader for tabID/wsURL.
// Exactly one bus exists per (tabID, wsURL); a changed URL stops the old one.
func (m *Manager) ensureTier0Bus(tabID, wsURL string, tel *telemetry.Tier0Telemetry) {
	if wsURL == "" {
		return
	}
	m.telMu.Lock()
	defer m.telMu.Unlock()

	if bus, ok := m.buses[tabID]; ok {
		if bus.WSURL() == wsURL {
			return
		}
		bus.Stop()
		delete(m.buses, tabID)
	}
	m.buses[tabID] = telemetry.NewBus(tabID, wsURL, tel)
}

func (m *Manager) stopTier0Bus(tabID string) {
	m.telMu.Lock()
	defer m.telMu.Unlock()
	if bus, ok := m.buses[tabID]; ok {
		bus.Stop()
		delete(m.buses, tabID)
	}
}

// ingestExtensionEvent feeds a CDP event observed via the gateway/broker
// fan-out into the matching tab's telemetry, and triggers the out-of-band
// auto-dialog handler when applicable. Called by whatever wires the
// router's Subscribe callback to the manager (the tool-dispatch layer).
func (m *Manager) ingestExtensionEvent(tabID, method string, params []byte) {
	tel := m.telemetryFor(tabID)
	tel.Ingest(method, params)
	if method == "Page.javascriptDialogOpening" {
		if mode := m.autoDialog.Mode(tabID); mode == "accept" || mode == "dismiss" {
			m.handleDialogOutOfBand(tabID, mode == "accept")
		}
	}
}
