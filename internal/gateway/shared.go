package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
	"github.com/browsermcp/gateway/internal/leaderlock"
)

// backend is the surface both Leader and Peer satisfy; SharedGateway holds
// exactly one at a time and swaps it on promotion.
type backend interface {
	cdpconn.Router
	Status() Status
	WaitForConnection(timeout time.Duration) bool
	PopEvent(tabID, eventName string) (json.RawMessage, bool)
	WaitForEvent(tabID, eventName string, timeout time.Duration) (json.RawMessage, bool)
	Stop()
}

// SharedConfig configures a SharedGateway: the union of LeaderConfig and
// PeerConfig fields, since exactly one of the two backends is instantiated.
type SharedConfig struct {
	Host                string
	BasePort            int
	PortSpan            int
	PortRange           string
	ExpectedExtensionID string
	ServerVersion       string
	LockPath            string // defaults to leaderlock.DefaultPath()
}

// SharedGateway picks the right backend at call time: a Leader if this
// process wins the leader-lock race, a Peer otherwise. A peer promotes
// itself to leader if the lock frees up later.
//
// Grounded on original_source/mcp_servers/browser/extension_gateway_shared.py.
type SharedGateway struct {
	cfg  SharedConfig
	lock *leaderlock.Lock

	mu      sync.Mutex
	current backend
	isLead  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewShared builds a SharedGateway bound to cfg. It does not start anything.
func NewShared(cfg SharedConfig) *SharedGateway {
	path := cfg.LockPath
	if path == "" {
		path = leaderlock.DefaultPath()
	}
	return &SharedGateway{cfg: cfg, lock: leaderlock.New(path)}
}

// Start acquires (or fails to acquire) the leader lock and brings up the
// corresponding backend, then begins the background promotion watcher.
func (s *SharedGateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.electOnce(runCtx)
	go s.watchPromotion(runCtx)
	return nil
}

func (s *SharedGateway) electOnce(ctx context.Context) {
	won, err := s.lock.TryAcquire()
	if err == nil && won {
		leader := NewLeader(LeaderConfig{
			Host:                s.cfg.Host,
			BasePort:            s.cfg.BasePort,
			PortSpan:            s.cfg.PortSpan,
			PortRange:           s.cfg.PortRange,
			ExpectedExtensionID: s.cfg.ExpectedExtensionID,
			ServerVersion:       s.cfg.ServerVersion,
		})
		_ = leader.Start(ctx, false)
		s.mu.Lock()
		s.current = leader
		s.isLead = true
		s.mu.Unlock()
		return
	}

	peer := NewPeer(PeerConfig{Host: s.cfg.Host, BasePort: s.cfg.BasePort, PortSpan: s.cfg.PortSpan, PortRange: s.cfg.PortRange})
	peer.Start(ctx)
	s.mu.Lock()
	s.current = peer
	s.isLead = false
	s.mu.Unlock()
}

// watchPromotion periodically retries the leader lock while running as a
// peer; when it succeeds, the peer is stopped and a Leader takes its place.
func (s *SharedGateway) watchPromotion(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		alreadyLead := s.isLead
		s.mu.Unlock()
		if alreadyLead {
			continue
		}

		won, err := s.lock.TryAcquire()
		if err != nil || !won {
			continue
		}

		leader := NewLeader(LeaderConfig{
			Host:                s.cfg.Host,
			BasePort:            s.cfg.BasePort,
			PortSpan:            s.cfg.PortSpan,
			PortRange:           s.cfg.PortRange,
			ExpectedExtensionID: s.cfg.ExpectedExtensionID,
			ServerVersion:       s.cfg.ServerVersion,
		})
		_ = leader.Start(ctx, false)

		s.mu.Lock()
		old := s.current
		s.current = leader
		s.isLead = true
		s.mu.Unlock()
		old.Stop()
	}
}

// WaitForConnection promotes-aware: waits on whichever backend is current.
func (s *SharedGateway) WaitForConnection(timeout time.Duration) bool {
	return s.backend().WaitForConnection(timeout)
}

func (s *SharedGateway) backend() backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status reports the current backend's status.
func (s *SharedGateway) Status() Status { return s.backend().Status() }

// IsLeader reports whether this process currently holds the lock.
func (s *SharedGateway) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLead
}

func (s *SharedGateway) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
	return s.backend().PopEvent(tabID, eventName)
}

func (s *SharedGateway) WaitForEvent(tabID, eventName string, timeout time.Duration) (json.RawMessage, bool) {
	return s.backend().WaitForEvent(tabID, eventName, timeout)
}

func (s *SharedGateway) RouteSend(tabID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.backend().RouteSend(tabID, method, params, timeout)
}

func (s *SharedGateway) RouteSendMany(tabID string, commands []cdpconn.Command, stopOnError bool, timeout time.Duration) ([]cdpconn.Result, error) {
	return s.backend().RouteSendMany(tabID, commands, stopOnError, timeout)
}

func (s *SharedGateway) CallRPC(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.backend().CallRPC(method, params, timeout)
}

func (s *SharedGateway) Subscribe(tabID string, sink cdpconn.EventSink) func() {
	return s.backend().Subscribe(tabID, sink)
}

func (s *SharedGateway) RouteAbort(tabID string) { s.backend().RouteAbort(tabID) }

// Stop releases the lock (if held) and tears the current backend down.
func (s *SharedGateway) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	cur := s.current
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cur != nil {
		cur.Stop()
	}
	_ = s.lock.Release()
}

var _ cdpconn.Router = (*SharedGateway)(nil)
