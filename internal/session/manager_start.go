package session

import (
	"context"
	"fmt"

	"github.com/browsermcp/gateway/internal/config"
	"github.com/browsermcp/gateway/internal/gateway"
	"github.com/browsermcp/gateway/internal/nativebroker"
)

// Start brings up the configured CdpLikeConnection backend. In launch/attach
// mode this is a no-op (the manager dials tabs directly on demand); in
// extension mode it starts either the WebSocket gateway or, if a native
// broker is discoverable, the native-messaging peer instead.
func (m *Manager) Start(ctx context.Context) error {
	switch m.cfg.Mode {
	case config.ModeLaunch, config.ModeAttach:
		m.kind = backendDirect
		return nil
	case config.ModeExtension:
		return m.startExtensionBackend(ctx)
	default:
		return fmt.Errorf("session: unknown mode %q", m.cfg.Mode)
	}
}

func (m *Manager) startExtensionBackend(ctx context.Context) error {
	runtimeDir := nativebroker.RuntimeDir(m.cfg.NativeBrokerDir)
	if socketPath, err := nativebroker.DiscoverBestBroker(runtimeDir, m.cfg.NativeBrokerSocket, m.cfg.NativeBrokerID); err == nil {
		peer := nativebroker.NewPeer(socketPath)
		peer.Start(ctx)
		m.kind = backendNative
		m.native = peer
		return nil
	}

	if m.cfg.ExtensionAutoLaunch {
		_ = nativebroker.AutoLaunch(m.cfg.BinaryPath, m.cfg.ExtensionProfile, "")
	}

	shared := gateway.NewShared(gateway.SharedConfig{
		Host:                m.cfg.ExtensionHost,
		BasePort:            m.cfg.ExtensionPort,
		PortSpan:            m.cfg.ExtensionPortSpan,
		PortRange:           m.cfg.ExtensionPortRange,
		ExpectedExtensionID: m.cfg.ExtensionID,
		ServerVersion:       m.cfg.ServerVersion,
	})
	if err := shared.Start(ctx); err != nil {
		return fmt.Errorf("session: starting extension gateway: %w", err)
	}
	m.kind = backendGateway
	m.shared = shared
	return nil
}

// Stop tears down whichever backend is running and every background Tier-0
// bus, best-effort.
func (m *Manager) Stop() {
	m.telMu.Lock()
	for id, bus := range m.buses {
		bus.Stop()
		delete(m.buses, id)
	}
	m.telMu.Unlock()

	switch m.kind {
	case backendGateway:
		if m.shared != nil {
			m.shared.Stop()
		}
	case backendNative:
		if m.native != nil {
			m.native.Stop()
		}
	}

	m.tabMu.Lock()
	for id, sess := range m.conns {
		sess.Close()
		delete(m.conns, id)
	}
	m.tabMu.Unlock()
}
