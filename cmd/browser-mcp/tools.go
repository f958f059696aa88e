package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/browsermcp/gateway/internal/export"
	"github.com/browsermcp/gateway/internal/mcp"
	"github.com/browsermcp/gateway/internal/nettrace"
	"github.com/browsermcp/gateway/internal/session"
)

// toolHandler implements one tools/call method. The result is always an
// MCP tool-result payload (never a bare JSON-RPC error) per §7: every tool
// returns ok:true/false rather than raising.
type toolHandler func(s *server, args json.RawMessage) json.RawMessage

// toolHandlers and toolDefinitions are the minimal navigate/click/type/
// page/wait tool set named in DESIGN.md: enough to drive the session
// manager, telemetry, diagnostics, downloads, recovery and artifact fabric
// end to end without re-implementing the full (explicitly out-of-scope)
// tool-handler layer spec.md §1 parks as an external collaborator.
var toolHandlers = map[string]toolHandler{
	"navigate":      toolNavigate,
	"click":         toolClick,
	"type":          toolType,
	"page":          toolPage,
	"wait_for":      toolWaitFor,
	"dialog":        toolDialog,
	"net_trace":     toolNetTrace,
	"net_trace_export_har": toolNetTraceExportHAR,
	"memory_set":    toolMemorySet,
	"memory_get":    toolMemoryGet,
	"memory_delete": toolMemoryDelete,
	"recover":       toolRecover,
	"artifact_export": toolArtifactExport,
}

var toolDefinitions = []mcp.MCPTool{
	{Name: "navigate", Description: "Navigate the session tab to a URL.", InputSchema: schema(props{"url": strProp()}, "url")},
	{Name: "click", Description: "Click the first element matching a CSS selector.", InputSchema: schema(props{"selector": strProp()}, "selector")},
	{Name: "type", Description: "Type text into the first element matching a CSS selector.", InputSchema: schema(props{"selector": strProp(), "text": strProp()}, "selector", "text")},
	{Name: "page", Description: "Return a cognitively-cheap snapshot of the session tab: URL, telemetry summary, screenshot.", InputSchema: schema(props{})},
	{Name: "wait_for", Description: "Wait for a load condition (load|domcontentloaded) without polling in-page JS.", InputSchema: schema(props{"condition": strProp(), "timeoutMs": numProp()}, "condition")},
	{Name: "dialog", Description: "Accept or dismiss an open JS dialog.", InputSchema: schema(props{"action": strProp()}, "action")},
	{Name: "net_trace", Description: "Return a bounded, redacted trace of recent XHR/Fetch requests.", InputSchema: schema(props{"includeTypes": strProp()})},
	{Name: "net_trace_export_har", Description: "Export the session tab's completed requests as a HAR 1.2 artifact.", InputSchema: schema(props{"urlFilter": strProp(), "method": strProp()})},
	{Name: "memory_set", Description: "Store a value in process-wide agent memory.", InputSchema: schema(props{"key": strProp(), "value": anyProp()}, "key", "value")},
	{Name: "memory_get", Description: "Read a value from agent memory.", InputSchema: schema(props{"key": strProp()}, "key")},
	{Name: "memory_delete", Description: "Delete a key from agent memory.", InputSchema: schema(props{"key": strProp()}, "key")},
	{Name: "recover", Description: "Run soft recovery against the session tab (clears caches, fresh tab if needed).", InputSchema: schema(props{})},
	{Name: "artifact_export", Description: "Export a stored artifact to the outbox directory.", InputSchema: schema(props{"id": strProp()}, "id")},
}

type props map[string]any

func strProp() map[string]any { return map[string]any{"type": "string"} }
func numProp() map[string]any { return map[string]any{"type": "number"} }
func anyProp() map[string]any { return map[string]any{} }

func schema(properties props, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// withTabSession resolves the session tab's BrowserSession and ensures
// diagnostics/telemetry/downloads the way shared_session does, so every
// tool call sees a consistently-prepared tab.
func (s *server) withTabSession() (*session.BrowserSession, error) {
	tabID, err := s.mgr.EnsureSessionTab()
	if err != nil {
		return nil, err
	}
	sess, err := s.mgr.GetSession(tabID)
	if err != nil {
		return nil, err
	}
	s.mgr.EnsureDiagnostics(sess)
	s.mgr.EnsureTelemetry(sess)
	s.mgr.EnsureDownloads(sess)
	return sess, nil
}

func toolNavigate(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		URL string `json:"url"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.URL == "" {
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "navigate requires a url", "Add the 'url' parameter and call again", mcp.WithParam("url"))
	}

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	if err := sess.Navigate(p.URL); err != nil {
		return recoverableTimeout(s, sess, err)
	}
	return mcp.TextResponse(fmt.Sprintf("navigated to %s", p.URL))
}

func toolClick(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Selector string `json:"selector"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.Selector == "" {
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "click requires a selector", "Add the 'selector' parameter and call again", mcp.WithParam("selector"))
	}

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%q); if (!el) return false; el.click(); return true; })()`, p.Selector)
	ok, err := sess.EvalJSBoolTrue(expr)
	if err != nil {
		return recoverableTimeout(s, sess, err)
	}
	if !ok {
		return mcp.StructuredErrorResponse(mcp.ErrNoData, "no element matched selector "+p.Selector, "Try a different selector or wait for the element to appear", mcp.WithParam("selector"))
	}
	return mcp.TextResponse("clicked " + p.Selector)
}

func toolType(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Selector string `json:"selector"`
		Text     string `json:"text"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.Selector == "" || p.Text == "" {
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "type requires selector and text", "Add the 'selector' and 'text' parameters and call again")
	}

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	textJSON, _ := json.Marshal(p.Text)
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.focus();
		el.value = %s;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		return true;
	})()`, p.Selector, string(textJSON))
	ok, err := sess.EvalJSBoolTrue(expr)
	if err != nil {
		return recoverableTimeout(s, sess, err)
	}
	if !ok {
		return mcp.StructuredErrorResponse(mcp.ErrNoData, "no element matched selector "+p.Selector, "Try a different selector", mcp.WithParam("selector"))
	}
	return mcp.TextResponse("typed into " + p.Selector)
}

func toolPage(s *server, args json.RawMessage) json.RawMessage {
	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	tel := s.mgr.EnsureTelemetry(sess)
	snap := s.mgr.TelemetrySnapshot(sess.TabID, 0)
	shot, _ := sess.Screenshot("png")

	result := map[string]any{
		"url":       sess.LastURL(),
		"tabId":     sess.TabID,
		"telemetry": tel,
		"summary":   snap.Summary,
		"cursor":    snap.Cursor,
		"hasScreenshot": shot != "",
	}
	b, _ := json.MarshalIndent(result, "", "  ")
	return mcp.TextResponse(string(b))
}

func toolWaitFor(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Condition string `json:"condition"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.TimeoutMs <= 0 {
		p.TimeoutMs = 10_000
	}

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}

	var eventName string
	switch p.Condition {
	case "domcontentloaded":
		eventName = "Page.domContentLoadedEventFired"
	default:
		p.Condition = "load"
		eventName = "Page.loadEventFired"
	}
	if err := ensurePageDomain(sess); err != nil {
		return transportError(err)
	}

	start := time.Now()
	_, ok := sess.Conn.WaitForEvent(eventName, time.Duration(p.TimeoutMs)*time.Millisecond)
	elapsed := time.Since(start).Milliseconds()
	if !ok {
		result := map[string]any{
			"success":    false,
			"condition":  p.Condition,
			"elapsed":    elapsed,
			"suggestion": "the page may still be loading; call wait_for again or check page for errors",
		}
		b, _ := json.Marshal(result)
		return mcp.TextResponse(string(b))
	}
	result := map[string]any{"success": true, "condition": p.Condition, "elapsed": elapsed}
	b, _ := json.Marshal(result)
	return mcp.TextResponse(string(b))
}

func ensurePageDomain(sess *session.BrowserSession) error {
	return sess.EnableDomains(true, false, false, false, false, false)
}

func toolDialog(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Action string `json:"action"`
	}
	mcp.LenientUnmarshal(args, &p)

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	tel := s.mgr.TelemetrySnapshot(sess.TabID, 0)
	if !tel.DialogOpen {
		result := map[string]any{"handled": false, "reason": "no_dialog"}
		b, _ := json.Marshal(result)
		return mcp.TextResponse(string(b))
	}

	accept := p.Action != "dismiss"
	if err := ensurePageDomain(sess); err != nil {
		return transportError(err)
	}
	if _, err := sess.Conn.Send("Page.handleJavaScriptDialog", map[string]any{"accept": accept}); err != nil {
		return recoverableTimeout(s, sess, err)
	}
	result := map[string]any{"handled": true, "accepted": accept}
	b, _ := json.Marshal(result)
	return mcp.TextResponse(string(b))
}

func toolNetTrace(s *server, args json.RawMessage) json.RawMessage {
	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	tel := s.mgr.TelemetryFor(sess.TabID)
	trace := nettrace.Build(tel.CompletedRequests(), nettrace.Filter{})
	b, _ := json.Marshal(trace)
	return mcp.TextResponse(string(b))
}

// toolNetTraceExportHAR serializes the session tab's completed requests as
// a HAR 1.2 log and stores it as a JSON artifact, the HAR-lite export path
// DESIGN.md grounds on the daemon's internal/export HAR serializer.
func toolNetTraceExportHAR(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		URLFilter string `json:"urlFilter"`
		Method    string `json:"method"`
	}
	mcp.LenientUnmarshal(args, &p)

	sess, err := s.withTabSession()
	if err != nil {
		return transportError(err)
	}
	tel := s.mgr.TelemetryFor(sess.TabID)
	harLog := export.ExportHAR(tel.CompletedRequests(), export.Filter{URLFilter: p.URLFilter, Method: p.Method}, export.Bodies{}, s.cfg.ServerVersion)

	ref, err := s.store.PutJSON("har", harLog, map[string]any{"tabId": sess.TabID, "entries": len(harLog.Log.Entries)})
	if err != nil {
		return mcp.StructuredErrorResponse(mcp.ErrExportFailed, err.Error(), "Retry the export", mcp.WithRetryable(true))
	}
	b, _ := json.Marshal(ref)
	return mcp.TextResponse(string(b))
}

func toolMemorySet(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.Key == "" {
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "memory_set requires a key", "Add the 'key' parameter and call again", mcp.WithParam("key"))
	}
	item, err := s.mgr.SetAgentMemory(p.Key, p.Value)
	if err != nil {
		return mcp.StructuredErrorResponse(mcp.ErrInvalidParam, err.Error(), "Use a key matching [A-Za-z0-9_.-]{1,128} and a JSON-serializable value", mcp.WithParam("key"))
	}
	b, _ := json.Marshal(item)
	return mcp.TextResponse(string(b))
}

func toolMemoryGet(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Key string `json:"key"`
	}
	mcp.LenientUnmarshal(args, &p)
	item, ok := s.mgr.GetAgentMemory(p.Key)
	if !ok {
		return mcp.StructuredErrorResponse(mcp.ErrArtifactNotFound, "no memory entry for key "+p.Key, "Call memory_set first", mcp.WithParam("key"))
	}
	b, _ := json.Marshal(item)
	return mcp.TextResponse(string(b))
}

func toolMemoryDelete(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		Key string `json:"key"`
	}
	mcp.LenientUnmarshal(args, &p)
	deleted := s.mgr.DeleteAgentMemory(p.Key)
	result := map[string]any{"deleted": deleted}
	b, _ := json.Marshal(result)
	return mcp.TextResponse(string(b))
}

func toolRecover(s *server, args json.RawMessage) json.RawMessage {
	reset := s.mgr.RecoverReset()
	b, _ := json.Marshal(reset)
	return mcp.TextResponse(string(b))
}

func toolArtifactExport(s *server, args json.RawMessage) json.RawMessage {
	var p struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Overwrite bool  `json:"overwrite"`
	}
	mcp.LenientUnmarshal(args, &p)
	if p.ID == "" {
		return mcp.StructuredErrorResponse(mcp.ErrMissingParam, "artifact_export requires an id", "Add the 'id' parameter and call again", mcp.WithParam("id"))
	}
	path, err := s.store.Export(p.ID, s.outbox, p.Name, p.Overwrite)
	if err != nil {
		return mcp.StructuredErrorResponse(mcp.ErrExportFailed, err.Error(), "Check the artifact id and export flags", mcp.WithParam("id"))
	}
	result := map[string]any{"path": path}
	b, _ := json.Marshal(result)
	return mcp.TextResponse(string(b))
}

// transportError maps a session-layer error into a structured MCP error
// response without inventing new taxonomy beyond §7.
func transportError(err error) json.RawMessage {
	return mcp.StructuredErrorResponse(mcp.ErrTransport, err.Error(), "Retry shortly; if this persists call recover", mcp.WithRetryable(true))
}

// recoverableTimeout implements the §4.11 soft-recovery hook: on a
// suspicious CDP timeout, probe the connection and, if it is bricked, heal
// before surfacing the error.
func recoverableTimeout(s *server, sess *session.BrowserSession, cause error) json.RawMessage {
	healed, recovered := s.mgr.AttemptSoftHeal(sess, cause)
	if healed {
		result := map[string]any{"recovered": recovered}
		b, _ := json.Marshal(result)
		return mcp.TextResponse(string(b))
	}
	return mcp.StructuredErrorResponse(mcp.ErrCDPTimeout, cause.Error(), "Retry; the tab may need a manual recover call", mcp.WithRetryable(true), mcp.WithRetryAfterMs(1000))
}
