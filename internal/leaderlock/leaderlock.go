// leaderlock.go — best-effort file-lock leader election.
//
// Exactly one process in a filesystem scope should act as the "leader"
// gateway; every other process is a "peer" that proxies through it. The lock
// is advisory and best-effort: on platforms or filesystems where advisory
// locking is unavailable, TryAcquire still returns true (the documented
// safety relaxation — see SPEC_FULL.md DESIGN NOTES). Never rely on this for
// correctness beyond "avoid two leaders when locking works".
package leaderlock

import (
	"os"
	"path/filepath"
	"sync"
)

// Lock guards a single well-known path. Not safe for concurrent use from
// multiple goroutines in the same process — callers should own one Lock per
// logical leader-election scope (the shared gateway selector owns exactly
// one).
type Lock struct {
	path string

	mu       sync.Mutex
	file     *os.File
	acquired bool
	relaxed  bool // true if advisory locking was unavailable and we always "won"
}

// New returns a Lock bound to path. The lock file's parent directory is
// created on first TryAcquire if missing.
func New(path string) *Lock {
	return &Lock{path: path}
}

// DefaultPath returns the well-known leader-lock path under the user's home
// data directory: ~/.gemini/browser-mcp/extension_gateway.lock — matching
// the original implementation's layout so a mixed-language deployment still
// elects a single leader.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".gemini", "browser-mcp", "extension_gateway.lock")
}

// RescuePath returns the secondary lock path used when a rescue-level
// recovery wants a lock scoped independently from the primary gateway lock.
func RescuePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".gemini", "browser-mcp", "extension_gateway_rescue.lock")
}

// TryAcquire attempts to become leader. Returns true if this process now
// holds the lock (or if advisory locking isn't supported on this platform —
// the safety relaxation). Returns false only when another process
// demonstrably holds the lock.
func (l *Lock) TryAcquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.acquired {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		// Can't even create the directory: relax to "always leader" rather
		// than fail tool calls over a housekeeping problem.
		l.acquired = true
		l.relaxed = true
		return true, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304 -- well-known path under user home
	if err != nil {
		l.acquired = true
		l.relaxed = true
		return true, nil
	}

	ok, relaxed, lockErr := tryFlock(f)
	if lockErr != nil {
		_ = f.Close()
		l.acquired = true
		l.relaxed = true
		return true, nil
	}
	if !ok {
		_ = f.Close()
		return false, nil
	}

	l.file = f
	l.acquired = true
	l.relaxed = relaxed
	return true, nil
}

// Relaxed reports whether this lock is held only because advisory locking
// was unavailable on this platform/filesystem, not because a real lock was
// acquired.
func (l *Lock) Relaxed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relaxed
}

// Release gives up the lock, if held.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquired {
		return nil
	}
	l.acquired = false
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unlockFlock(f)
	return f.Close()
}
