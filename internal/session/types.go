package session

import (
	"log/slog"
	"sync"

	"github.com/browsermcp/gateway/internal/affordance"
	"github.com/browsermcp/gateway/internal/artifacts"
	"github.com/browsermcp/gateway/internal/cdpconn"
	"github.com/browsermcp/gateway/internal/config"
	"github.com/browsermcp/gateway/internal/gateway"
	"github.com/browsermcp/gateway/internal/memory"
	"github.com/browsermcp/gateway/internal/nativebroker"
	"github.com/browsermcp/gateway/internal/navgraph"
	"github.com/browsermcp/gateway/internal/telemetry"
)

// backendKind records which CdpLikeConnection family a Manager is using,
// decided once at Start and then fixed for the process lifetime (matching
// the single-process, no-hot-swap posture of the rest of the fabric).
type backendKind int

const (
	backendDirect backendKind = iota // launch/attach: Manager dials tabs directly
	backendGateway                   // extension mode over the WebSocket gateway
	backendNative                    // extension mode over the native broker
)

// Manager is the process-wide session manager: it owns the session tab
// identity, the chosen CdpLikeConnection backend, and every cross-cutting
// per-tab concern (telemetry, diagnostics, downloads, affordances, nav
// graph, captcha state, auto-dialog, agent memory). Exactly one Manager
// exists per server process.
//
// Grounded on original_source/mcp_servers/browser/session_manager.py.
type Manager struct {
	cfg config.BrowserConfig
	log *slog.Logger

	kind   backendKind
	shared *gateway.SharedGateway // backendGateway
	native *nativebroker.Peer     // backendNative

	artifacts *artifacts.Store

	tabMu        sync.Mutex
	sessionTabID string

	wsMu  sync.Mutex
	tabWS map[string]string // tabID -> last known direct ws url (direct mode + recovery)

	telMu sync.Mutex
	tel   map[string]*telemetry.Tier0Telemetry
	buses map[string]*telemetry.Bus

	affMu sync.Mutex
	aff   map[string]*affordance.Map

	navMu sync.Mutex
	nav   map[string]*navgraph.Graph

	diag *diagnosticsCache
	dl   *downloadsCache

	captcha    *captchaStore
	autoDialog *autoDialogStore
	memory     *memory.Store

	sharedSessMu  sync.Mutex
	sharedSessRef int
	sharedSession *BrowserSession

	conns map[string]*BrowserSession // tabID -> live connection, backendDirect only
}

// New constructs a Manager bound to cfg. It does not connect to anything
// yet; call Start to bring up the configured backend.
func New(cfg config.BrowserConfig, store *artifacts.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		log:        log,
		artifacts:  store,
		tabWS:      make(map[string]string),
		tel:        make(map[string]*telemetry.Tier0Telemetry),
		buses:      make(map[string]*telemetry.Bus),
		aff:        make(map[string]*affordance.Map),
		nav:        make(map[string]*navgraph.Graph),
		diag:       newDiagnosticsCache(),
		dl:         newDownloadsCache(),
		captcha:    newCaptchaStore(),
		autoDialog: newAutoDialogStore(),
		memory:     memory.New(cfg.AgentMemoryDir),
		conns:      make(map[string]*BrowserSession),
	}
	m.memory.Load()
	return m
}

// router returns the active CdpLikeConnection router, or nil in direct
// (launch/attach) mode where Manager dials tabs itself.
func (m *Manager) router() cdpconn.Router {
	switch m.kind {
	case backendGateway:
		return m.shared
	case backendNative:
		return m.native
	default:
		return nil
	}
}

func (m *Manager) tabWSURL(tabID string) string {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	return m.tabWS[tabID]
}

func (m *Manager) setTabWSURL(tabID, url string) {
	m.wsMu.Lock()
	m.tabWS[tabID] = url
	m.wsMu.Unlock()
}

func (m *Manager) telemetryFor(tabID string) *telemetry.Tier0Telemetry {
	m.telMu.Lock()
	defer m.telMu.Unlock()
	t, ok := m.tel[tabID]
	if !ok {
		t = telemetry.New(tabID)
		m.tel[tabID] = t
	}
	return t
}

func (m *Manager) affordancesFor(tabID string) *affordance.Map {
	m.affMu.Lock()
	defer m.affMu.Unlock()
	a, ok := m.aff[tabID]
	if !ok {
		a = affordance.New()
		m.aff[tabID] = a
	}
	return a
}

func (m *Manager) navGraphFor(tabID string) *navgraph.Graph {
	m.navMu.Lock()
	defer m.navMu.Unlock()
	g, ok := m.nav[tabID]
	if !ok {
		g = navgraph.New()
		m.nav[tabID] = g
	}
	return g
}

// noteDialogClosed marks a dialog closed in Tier-0 telemetry even if the
// corresponding Page.javascriptDialogClosed event was never observed
// (common when the out-of-band handler races the page).
func (m *Manager) noteDialogClosed(tabID string, accepted bool) {
	t := m.telemetryFor(tabID)
	t.Ingest("Page.javascriptDialogClosed", nil)
}
