package main

import (
	"encoding/json"
	"time"

	"github.com/browsermcp/gateway/internal/audit"
	"github.com/browsermcp/gateway/internal/mcp"
)

// handle dispatches one JSON-RPC request to the matching MCP method. This
// mirrors the daemon's own cmd/dev-console HandleRequest switch shape
// (initialize / tools-list / tools-call), generalized onto this repo's
// session-manager-backed tool set instead of the daemon's log-capture
// tools.
func (s *server) handle(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	resp := mcp.JSONRPCResponse{ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = s.handleInitialize()
	case "initialized":
		resp.Result = json.RawMessage(`{}`)
	case "ping":
		resp.Result = json.RawMessage(`{}`)
	case "tools/list":
		resp.Result = s.handleToolsList()
	case "tools/call":
		resp.Result = s.handleToolsCall(req.Params)
	default:
		resp.Error = &mcp.JSONRPCError{Code: -32601, Message: "Method not found: " + req.Method}
	}
	return resp
}

func (s *server) handleInitialize() json.RawMessage {
	s.initialized = true
	result := mcp.MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.MCPServerInfo{Name: "browser-mcp", Version: s.cfg.ServerVersion},
		Capabilities: mcp.MCPCapabilities{
			Tools: mcp.MCPToolsCapability{},
		},
	}
	return mcp.SafeMarshal(result, `{}`)
}

func (s *server) handleToolsList() json.RawMessage {
	return mcp.SafeMarshal(mcp.MCPToolsListResult{Tools: toolDefinitions}, `{"tools":[]}`)
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *server) handleToolsCall(params json.RawMessage) json.RawMessage {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return mcp.StructuredErrorResponse(mcp.ErrInvalidJSON, "tools/call params must be an object with name/arguments", "Re-send tools/call with valid JSON params")
	}

	start := time.Now()
	handler, ok := toolHandlers[call.Name]
	if !ok {
		return mcp.StructuredErrorResponse(mcp.ErrInvalidParam, "unknown tool: "+call.Name, "Call tools/list to see available tools", mcp.WithParam("name"))
	}

	result := handler(s, call.Arguments)
	s.audit.Record(newAuditEntry(call.Name, call.Arguments, start, result))
	return result
}

// newAuditEntry records one tools/call invocation, matching the daemon's
// AuditTrail.Record shape (§7's "every tool returns ok:true/false" implies
// a call-level record of that outcome).
func newAuditEntry(toolName string, args json.RawMessage, start time.Time, result json.RawMessage) audit.AuditEntry {
	var parsed struct {
		IsError bool `json:"isError"`
	}
	_ = json.Unmarshal(result, &parsed)

	return audit.AuditEntry{
		Timestamp:    start,
		ToolName:     toolName,
		Parameters:   string(args),
		ResponseSize: len(result),
		Duration:     time.Since(start).Milliseconds(),
		Success:      !parsed.IsError,
	}
}
