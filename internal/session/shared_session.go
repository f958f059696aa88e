package session

import "fmt"

// AcquireSharedSession returns the process-wide shared session, opening it
// against the current session tab on first entry and otherwise handing back
// the existing connection with a bumped refcount. Pair every call with
// ReleaseSharedSession. Reentrant: nested callers on the same goroutine (or
// any goroutine) share the single underlying connection.
func (m *Manager) AcquireSharedSession() (*BrowserSession, error) {
	m.sharedSessMu.Lock()
	defer m.sharedSessMu.Unlock()

	if m.sharedSession != nil {
		m.sharedSessRef++
		return m.sharedSession, nil
	}

	tabID, err := m.EnsureSessionTab()
	if err != nil {
		return nil, fmt.Errorf("session: shared session: %w", err)
	}
	sess, err := m.GetSession(tabID)
	if err != nil {
		return nil, fmt.Errorf("session: shared session: %w", err)
	}

	_ = sess.EnableDomains(true, true, false, false, false, false)
	m.EnsureDiagnostics(sess)

	m.sharedSession = sess
	m.sharedSessRef = 1
	return sess, nil
}

// ReleaseSharedSession decrements the refcount, closing the underlying
// connection only once every acquirer has released it. Direct-mode sessions
// are left open (they're cached in m.conns and reused); routed sessions are
// lightweight wrappers, so closing is a no-op for them regardless.
func (m *Manager) ReleaseSharedSession() {
	m.sharedSessMu.Lock()
	defer m.sharedSessMu.Unlock()

	if m.sharedSession == nil {
		return
	}
	m.sharedSessRef--
	if m.sharedSessRef > 0 {
		return
	}
	m.sharedSession = nil
	m.sharedSessRef = 0
}

// closeSharedSessionLocked force-closes the shared session regardless of
// refcount, used by RecoverReset. Reports whether a session was actually
// open to close.
func (m *Manager) closeSharedSessionLocked() bool {
	m.sharedSessMu.Lock()
	defer m.sharedSessMu.Unlock()

	if m.sharedSession == nil {
		return false
	}
	if m.kind != backendDirect {
		// Routed sessions share the backend's single connection; closing
		// here would tear down unrelated tabs, so just drop our reference.
		m.sharedSession = nil
		m.sharedSessRef = 0
		return true
	}
	_ = m.sharedSession.Close()
	m.sharedSession = nil
	m.sharedSessRef = 0
	return true
}
