package nativebroker

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DiscoverBestBroker resolves the broker socket to connect to: explicit env
// overrides win outright; otherwise every broker-*.json in runtimeDir is
// read, filtered to a matching protocol version and a currently-connectable
// socket, and the newest (by BrokerStartedAtMs) is chosen.
//
// Grounded on original_source/mcp_servers/browser/native_broker_discovery.py.
func DiscoverBestBroker(runtimeDir string, envSocket, envBrokerID string) (string, error) {
	if envSocket != "" {
		if connectable(envSocket) {
			return envSocket, nil
		}
		return "", fmt.Errorf("nativebroker: MCP_NATIVE_BROKER_SOCKET %s is not connectable", envSocket)
	}
	if envBrokerID != "" {
		path := SocketPath(runtimeDir, SanitizeBrokerID(envBrokerID))
		if connectable(path) {
			return path, nil
		}
		return "", fmt.Errorf("nativebroker: broker id %s is not connectable", envBrokerID)
	}

	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		return "", fmt.Errorf("nativebroker: reading %s: %w", runtimeDir, err)
	}

	var candidates []RegistryInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" || len(name) < len("broker-.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runtimeDir, name)) // #nosec G304 -- enumerating a fixed, non-user-controlled registry directory
		if err != nil {
			continue
		}
		var info RegistryInfo
		if json.Unmarshal(data, &info) != nil {
			continue
		}
		if info.Type != "browserMcpNativeBroker" || info.ProtocolVersion != ProtocolVersion {
			continue
		}
		if !connectable(info.SocketPath) {
			continue
		}
		candidates = append(candidates, info)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("nativebroker: no connectable broker found under %s", runtimeDir)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].BrokerStartedAtMs > candidates[j].BrokerStartedAtMs })
	return candidates[0].SocketPath, nil
}

func connectable(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
