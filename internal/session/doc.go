// Package session implements the session layer: it owns one isolated
// browser tab per logical session, runs CDP commands against it through
// whichever CdpLikeConnection backend is configured, and keeps the
// cross-cutting per-tab state (diagnostics/telemetry/download bootstrap,
// affordance map, navigation graph, agent memory, recovery) that the tool
// handlers build on.
//
// Grounded on original_source/mcp_servers/browser/session_manager.py and
// browser_session.py.
package session
