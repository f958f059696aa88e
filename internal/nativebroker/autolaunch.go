package nativebroker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/browsermcp/gateway/internal/leaderlock"
)

// AutoLaunchPath returns the lock path guarding the auto-launcher so only
// one process in a filesystem scope spawns a browser at a time.
func AutoLaunchPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".gemini", "browser-mcp", "native_autolaunch.lock")
}

// AutoLaunch is the bounded, best-effort auto-launcher used when broker
// discovery finds nothing: it spawns binaryPath with profilePath loaded and
// the bridging extension pre-loaded, guarded by its own lock so concurrent
// callers don't race to spawn duplicate browsers. Its interaction with an
// already-running user Chrome is heuristic — this is never assumed to
// succeed; callers must re-run discovery afterward rather than trust the
// return value as a readiness signal.
//
// Kept behind an explicit opt-in (MCP_EXTENSION_AUTO_LAUNCH) by the caller;
// this function itself performs no env checks.
func AutoLaunch(binaryPath, profilePath, extensionPath string) error {
	if binaryPath == "" {
		return fmt.Errorf("nativebroker: auto-launch requires a browser binary path")
	}

	lock := leaderlock.New(AutoLaunchPath())
	won, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("nativebroker: auto-launch lock: %w", err)
	}
	if !won {
		return fmt.Errorf("nativebroker: auto-launch already in progress in another process")
	}
	defer lock.Release()

	args := []string{fmt.Sprintf("--user-data-dir=%s", profilePath)}
	if extensionPath != "" {
		args = append(args, fmt.Sprintf("--load-extension=%s", extensionPath))
	}
	cmd := exec.Command(binaryPath, args...) // #nosec G204 -- binaryPath/profilePath/extensionPath are operator-supplied config, not request input
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("nativebroker: auto-launch spawn: %w", err)
	}
	return cmd.Process.Release()
}
