// Package gateway implements the extension gateway: a local WebSocket server
// that a Chrome extension connects to (the "leader"), with multi-process
// fan-in via "peer" clients that share one extension attachment. Exactly one
// process in a filesystem scope binds the listener; every other process
// connects to it as a peer (see package leaderlock for the election and
// SharedGateway for the selection).
//
// Grounded on original_source/mcp_servers/browser/extension_gateway.py,
// extension_gateway_peer.py, extension_gateway_shared.py and
// extension_gateway_discovery.py.
package gateway

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the opaque extension-bridge protocol version string
// (EXTENSION_BRIDGE_PROTOCOL_VERSION in spec terms). Checked for equality,
// never parsed as a semver.
const ProtocolVersion = "browser-mcp-gateway-v1"

// DiscoveryPath is the well-known HTTP path gateways serve discovery JSON on.
const DiscoveryPath = "/.well-known/browser-mcp-gateway"

// Capability flags an extension can advertise in its hello message.
const (
	CapDebugger   = "debugger"
	CapTabs       = "tabs"
	CapCdpSendMany = "cdpSendMany"
	CapRpcBatch   = "rpcBatch"
)

// ExtensionState mirrors the extension's last-known state block, carried on
// hello/helloAck and refreshed via state.get.
type ExtensionState struct {
	Enabled      bool   `json:"enabled"`
	FollowActive bool   `json:"followActive"`
	FocusedTabID string `json:"focusedTabId,omitempty"`
}

// HelloMsg is the extension's first message on the socket.
type HelloMsg struct {
	Type             string         `json:"type"` // "hello"
	ProtocolVersion  string         `json:"protocolVersion"`
	ExtensionID      string         `json:"extensionId"`
	ExtensionVersion string         `json:"extensionVersion,omitempty"`
	UserAgent        string         `json:"userAgent,omitempty"`
	Capabilities     []string       `json:"capabilities,omitempty"`
	State            *ExtensionState `json:"state,omitempty"`
}

// HelloAckMsg is the leader's reply to a successful extension hello.
type HelloAckMsg struct {
	Type             string          `json:"type"` // "helloAck"
	ProtocolVersion  string          `json:"protocolVersion"`
	SessionID        string          `json:"sessionId"`
	ServerVersion    string          `json:"serverVersion"`
	ServerStartedAtMs int64          `json:"serverStartedAtMs"`
	GatewayPort      int             `json:"gatewayPort"`
	State            *ExtensionState `json:"state,omitempty"`
}

// PeerHelloMsg is a server peer's first message on the socket.
type PeerHelloMsg struct {
	Type            string `json:"type"` // "peerHello"
	ProtocolVersion string `json:"protocolVersion"`
	PeerID          string `json:"peerId,omitempty"`
	PID             int    `json:"pid,omitempty"`
}

// PeerHelloAckMsg is the leader's reply to a peer hello.
type PeerHelloAckMsg struct {
	Type              string `json:"type"` // "peerHelloAck"
	ProtocolVersion   string `json:"protocolVersion"`
	GatewayPort       int    `json:"gatewayPort"`
	ServerStartedAtMs int64  `json:"serverStartedAtMs"`
	PeerID            string `json:"peerId"`
}

// RPCResultMsg is an extension->leader reply to an outstanding rpc request.
type RPCResultMsg struct {
	Type   string          `json:"type"` // "rpcResult"
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCMsg is a leader->extension (or leader->peer, for locally-unhandled
// peer RPCs forwarded to the extension) request.
type RPCMsg struct {
	Type      string          `json:"type"` // "rpc"
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// CdpEventMsg carries one forwarded CDP event, extension->leader->peers.
type CdpEventMsg struct {
	Type   string          `json:"type"` // "cdpEvent"
	TabID  string          `json:"tabId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// LogMsg is a best-effort diagnostic line from the extension.
type LogMsg struct {
	Type    string         `json:"type"` // "log"
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// PingMsg / PongMsg are the keepalive pair.
type PingMsg struct {
	Type string `json:"type"`
}
type PongMsg struct {
	Type string `json:"type"`
}

// DiscoveryInfo is the JSON body served at DiscoveryPath.
type DiscoveryInfo struct {
	Type              string `json:"type"` // "browserMcpGateway"
	ProtocolVersion   string `json:"protocolVersion"`
	ServerVersion     string `json:"serverVersion"`
	ServerStartedAtMs int64  `json:"serverStartedAtMs"`
	GatewayPort       int    `json:"gatewayPort"`
	PID               int    `json:"pid"`
	ExtensionConnected bool  `json:"extensionConnected"`
	PeerCount         int    `json:"peerCount"`
	SupportsPeers     bool   `json:"supportsPeers"`
}

// Status is the shape returned by gateway.status (RPC) and Gateway.Status()
// (in-process).
type Status struct {
	Listening          bool     `json:"listening"`
	BindError          string   `json:"bindError,omitempty"`
	Port               int      `json:"port,omitempty"`
	CandidatePorts     []int    `json:"candidatePorts,omitempty"`
	ExtensionConnected bool     `json:"extensionConnected"`
	ExtensionID        string   `json:"extensionId,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	PeerCount          int      `json:"peerCount"`
	IsLeader           bool     `json:"isLeader"`
	IsProxy            bool     `json:"isProxy"`
	State              *ExtensionState `json:"state,omitempty"`
}

// envelope is used to sniff the "type" field before decoding the full
// message, for both extension-sourced and peer-sourced traffic.
type envelope struct {
	Type string `json:"type"`
}

const (
	defaultRPCTimeout  = 10 * time.Second
	defaultHelloWindow = 5 * time.Second
	eventQueueCap      = 2500
)
