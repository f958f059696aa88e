package session

import (
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const downloadsCacheTTL = 30 * time.Second

var downloadTabSafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type downloadState struct {
	available bool
	dir       string
	lastCheck time.Time
}

type downloadsCache struct {
	mu    sync.Mutex
	byTab map[string]*downloadState
}

func newDownloadsCache() *downloadsCache {
	return &downloadsCache{byTab: make(map[string]*downloadState)}
}

// DownloadsResult reports the outcome of ensuring download behavior for a tab.
type DownloadsResult struct {
	Enabled   bool   `json:"enabled"`
	Cached    bool   `json:"cached,omitempty"`
	Available bool   `json:"available"`
	Dir       string `json:"dir,omitempty"`
}

func safeTabDirName(tabID string) string {
	s := downloadTabSafe.ReplaceAllString(tabID, "")
	if s == "" {
		return "tab"
	}
	return s
}

// EnsureDownloads points the tab's download behavior at
// data/downloads/<safeTabId>/, trying Page.setDownloadBehavior and falling
// back to Browser.setDownloadBehavior (some targets only expose one).
// Cached for downloadsCacheTTL.
func (m *Manager) EnsureDownloads(sess *BrowserSession) DownloadsResult {
	if !m.cfg.Downloads {
		return DownloadsResult{Enabled: false}
	}
	tabID := sess.TabID
	if tabID == "" {
		return DownloadsResult{Enabled: false}
	}

	m.dl.mu.Lock()
	state, had := m.dl.byTab[tabID]
	m.dl.mu.Unlock()
	if had && state.available && time.Since(state.lastCheck) < downloadsCacheTTL {
		m.dl.mu.Lock()
		state.lastCheck = time.Now()
		m.dl.mu.Unlock()
		return DownloadsResult{Enabled: true, Cached: true, Available: true, Dir: state.dir}
	}

	dir := m.downloadDirFor(tabID)
	_ = sess.EnableDomains(true, false, false, false, false, false)

	variants := []map[string]any{
		{"behavior": "allow", "downloadPath": dir, "eventsEnabled": true},
		{"behavior": "allow", "downloadPath": dir},
		{"behavior": "allowAndName", "downloadPath": dir},
	}

	ok := false
	for _, method := range []string{"Page.setDownloadBehavior", "Browser.setDownloadBehavior"} {
		for _, params := range variants {
			if _, err := sess.Conn.Send(method, params); err == nil {
				ok = true
				break
			}
		}
		if ok {
			break
		}
	}

	m.dl.mu.Lock()
	m.dl.byTab[tabID] = &downloadState{available: ok, dir: dir, lastCheck: time.Now()}
	m.dl.mu.Unlock()

	return DownloadsResult{Enabled: true, Available: ok, Dir: dir}
}

func (m *Manager) downloadDirFor(tabID string) string {
	root := m.cfg.DownloadDir
	if root == "" {
		root = "data/downloads"
	}
	return filepath.Join(root, safeTabDirName(tabID))
}

func (m *Manager) clearDownloads() {
	m.dl.mu.Lock()
	m.dl.byTab = make(map[string]*downloadState)
	m.dl.mu.Unlock()
}
