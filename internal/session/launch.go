package session

import (
	"fmt"
	"net"
	"os/exec"
	"time"
)

// launchCandidatePorts returns base plus the next span-1 ports, mirroring
// the gateway's own tryBindAny port-scan shape so hard recovery can pick a
// free CDP port without a dedicated allocator package.
func launchCandidatePorts(base, span int) []int {
	if span <= 0 {
		span = 20
	}
	ports := make([]int, 0, span)
	for p := base; p < base+span; p++ {
		ports = append(ports, p)
	}
	return ports
}

// pickFreePort finds a TCP port from candidates nothing is currently bound
// to, by briefly listening and releasing.
func pickFreePort(host string, candidates []int) (int, error) {
	for _, p := range candidates {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("session: no free port among %d candidates", len(candidates))
}

// launchChrome spawns binaryPath in remote-debugging mode against port,
// with profilePath as its user-data-dir. It does not wait for the DevTools
// endpoint to come up; callers poll browserWSURL afterward.
func launchChrome(binaryPath, profilePath string, port int) error {
	if binaryPath == "" {
		return fmt.Errorf("session: launch requires a browser binary path")
	}
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if profilePath != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", profilePath))
	}
	cmd := exec.Command(binaryPath, args...) // #nosec G204 -- binaryPath/profilePath are operator-supplied config, not request input
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("session: launch spawn: %w", err)
	}
	return cmd.Process.Release()
}

// waitForDevtools polls the DevTools HTTP endpoint until it answers or
// deadline elapses.
func waitForDevtools(host string, port int, deadline time.Duration) error {
	poll := 100 * time.Millisecond
	elapsed := time.Duration(0)
	var lastErr error
	for elapsed < deadline {
		if _, err := browserWSURL(host, port); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(poll)
		elapsed += poll
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("session: devtools endpoint never became ready on port %d", port)
	}
	return lastErr
}
