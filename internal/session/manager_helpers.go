package session

import (
	"time"

	"github.com/browsermcp/gateway/internal/affordance"
	"github.com/browsermcp/gateway/internal/memory"
	"github.com/browsermcp/gateway/internal/navgraph"
	"github.com/browsermcp/gateway/internal/telemetry"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SetAffordances replaces tabID's affordance table wholesale, returning the
// freshly minted refs in input order.
func (m *Manager) SetAffordances(tabID string, items []affordance.Entry) ([]string, error) {
	return m.affordancesFor(tabID).Record(items)
}

// ResolveAffordance looks up ref within tabID's current affordance table.
func (m *Manager) ResolveAffordance(tabID, ref string) (affordance.Entry, bool) {
	return m.affordancesFor(tabID).Resolve(ref)
}

// RecordNavigation logs a page visit in tabID's nav graph, returning the
// node id landed on.
func (m *Manager) RecordNavigation(tabID, url, title string, kind navgraph.EdgeKind, label, ref string) string {
	return m.navGraphFor(tabID).Visit(url, title, kind, label, ref)
}

// NavGraphSnapshot returns tabID's nav graph as plain maps plus the current
// node id.
func (m *Manager) NavGraphSnapshot(tabID string) (map[string]navgraph.Node, map[string]navgraph.Edge, string) {
	return m.navGraphFor(tabID).Snapshot()
}

// SetAgentMemory stores value under key, subject to the shared sensitivity
// classifier and size bound.
func (m *Manager) SetAgentMemory(key string, value any) (memory.Item, error) {
	return m.memory.Set(key, value)
}

// GetAgentMemory returns the item stored under key.
func (m *Manager) GetAgentMemory(key string) (memory.Item, bool) {
	return m.memory.Get(key)
}

// DeleteAgentMemory removes key, reporting whether it existed.
func (m *Manager) DeleteAgentMemory(key string) bool {
	return m.memory.Delete(key)
}

// ListAgentMemory returns every stored key.
func (m *Manager) ListAgentMemory() []string {
	return m.memory.List()
}

// SetCaptchaState records the last observed captcha state for tabID.
func (m *Manager) SetCaptchaState(tabID string, state CaptchaState) {
	m.captcha.Set(tabID, state)
}

// GetCaptchaState returns tabID's captcha state if it hasn't gone stale.
func (m *Manager) GetCaptchaState(tabID string) (CaptchaState, bool) {
	return m.captcha.Get(tabID)
}

// SetAutoDialog arms out-of-band dialog handling for tabID: mode is
// normalized to "accept"/"dismiss"/"off", and ttl bounds how long the
// setting stays armed.
func (m *Manager) SetAutoDialog(tabID, mode string, ttl int64) {
	m.autoDialog.Set(tabID, mode, msToDuration(ttl))
}

// ClearAutoDialog disarms out-of-band dialog handling for tabID.
func (m *Manager) ClearAutoDialog(tabID string) {
	m.autoDialog.Clear(tabID)
}

// GetAutoDialogMode returns tabID's current armed mode ("accept",
// "dismiss", or "off" if unarmed/expired).
func (m *Manager) GetAutoDialogMode(tabID string) string {
	return m.autoDialog.Mode(tabID)
}

// TelemetryFor returns tabID's Tier-0 telemetry buffers, creating them on
// first access. Exposed so callers needing the completed-request table
// (e.g. net-trace) don't have to route through Snapshot.
func (m *Manager) TelemetryFor(tabID string) *telemetry.Tier0Telemetry {
	return m.telemetryFor(tabID)
}

// TelemetrySnapshot returns a bounded delta snapshot of tabID's telemetry
// since the given cursor.
func (m *Manager) TelemetrySnapshot(tabID string, since int64) telemetry.Snapshot {
	return m.telemetryFor(tabID).Snapshot(telemetry.SnapshotOptions{Since: since})
}
