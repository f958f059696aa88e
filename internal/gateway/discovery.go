package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds each individual discovery HTTP GET; discovery itself
// runs all candidate ports in parallel so overall latency is one round trip.
const probeTimeout = 500 * time.Millisecond

var httpClient = &http.Client{Timeout: probeTimeout}

// DiscoverBestLeader probes every candidate port's discovery endpoint in
// parallel and returns the best leader port: extensionConnected=true wins
// over false, and among ties the newest serverStartedAtMs wins.
func DiscoverBestLeader(host string, ports []int) (int, error) {
	type found struct {
		port int
		info DiscoveryInfo
	}

	var wg sync.WaitGroup
	results := make(chan found, len(ports))
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			info, err := probe(host, port)
			if err != nil {
				return
			}
			results <- found{port: port, info: info}
		}(port)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var best *found
	for f := range results {
		f := f
		if best == nil || better(f.info, best.info) {
			best = &f
		}
	}
	if best == nil {
		return 0, fmt.Errorf("gateway: no leader discovered among %d candidate ports", len(ports))
	}
	return best.port, nil
}

func better(a, b DiscoveryInfo) bool {
	if a.ExtensionConnected != b.ExtensionConnected {
		return a.ExtensionConnected
	}
	return a.ServerStartedAtMs > b.ServerStartedAtMs
}

func probe(host string, port int) (DiscoveryInfo, error) {
	url := fmt.Sprintf("http://%s:%d%s", host, port, DiscoveryPath)
	resp, err := httpClient.Get(url) // #nosec G107 -- localhost discovery probe against a caller-supplied loopback port
	if err != nil {
		return DiscoveryInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DiscoveryInfo{}, fmt.Errorf("gateway: discovery probe %s: status %d", url, resp.StatusCode)
	}
	var info DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return DiscoveryInfo{}, err
	}
	if info.Type != "browserMcpGateway" {
		return DiscoveryInfo{}, fmt.Errorf("gateway: discovery probe %s: unexpected type %q", url, info.Type)
	}
	return info, nil
}
