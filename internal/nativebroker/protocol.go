package nativebroker

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the native-broker wire protocol version, checked for
// equality against HelloMsg.ProtocolVersion / PeerHelloMsg.ProtocolVersion.
const ProtocolVersion = "browser-mcp-native-v1"

const (
	defaultRPCTimeout  = 10 * time.Second
	defaultHelloWindow = 5 * time.Second
	eventQueueCap      = 2500
)

type envelope struct {
	Type string `json:"type"`
}

// HelloMsg is the extension's first stdio frame.
type HelloMsg struct {
	Type            string `json:"type"` // "hello"
	ProtocolVersion string `json:"protocolVersion"`
	ProfileID       string `json:"profileId"`
}

// HelloAckMsg is the broker's reply on stdio.
type HelloAckMsg struct {
	Type              string `json:"type"` // "helloAck"
	Transport         string `json:"transport"` // "native"
	ProtocolVersion   string `json:"protocolVersion"`
	BrokerID          string `json:"brokerId"`
	BrokerPID         int    `json:"brokerPid"`
	BrokerStartedAtMs int64  `json:"brokerStartedAtMs"`
}

// PeerHelloMsg is a peer's first socket frame.
type PeerHelloMsg struct {
	Type            string `json:"type"` // "peerHello"
	ProtocolVersion string `json:"protocolVersion"`
	PeerID          string `json:"peerId"`
	PID             int    `json:"pid"`
}

// PeerHelloAckMsg is the broker's reply to a peer.
type PeerHelloAckMsg struct {
	Type            string `json:"type"` // "peerHelloAck"
	ProtocolVersion string `json:"protocolVersion"`
	BrokerID        string `json:"brokerId"`
}

// RPCMsg travels peer->broker->extension (and broker->extension for local
// forwarding); ID is reinterpreted at each hop per the broker's id
// translation table.
type RPCMsg struct {
	Type      string          `json:"type"` // "rpc"
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// RPCResultMsg travels extension->broker->peer.
type RPCResultMsg struct {
	Type   string          `json:"type"` // "rpcResult"
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CdpEventMsg travels extension->broker->peers.
type CdpEventMsg struct {
	Type   string          `json:"type"` // "cdpEvent"
	TabID  string          `json:"tabId"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RegistryInfo is the JSON document written to <runtimeDir>/broker-<id>.json.
type RegistryInfo struct {
	Type               string `json:"type"` // "browserMcpNativeBroker"
	ProtocolVersion    string `json:"protocolVersion"`
	BrokerID           string `json:"brokerId"`
	BrokerPID          int    `json:"brokerPid"`
	BrokerStartedAtMs  int64  `json:"brokerStartedAtMs"`
	SocketPath         string `json:"socketPath"`
	ExtensionConnected bool   `json:"extensionConnected"`
	PeerCount          int    `json:"peerCount"`
}

// Status mirrors gateway.Status for the native-broker backend.
type Status struct {
	ExtensionConnected bool   `json:"extensionConnected"`
	PeerCount          int    `json:"peerCount"`
	BrokerID           string `json:"brokerId,omitempty"`
	SocketPath         string `json:"socketPath,omitempty"`
}
