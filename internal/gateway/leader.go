package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// LeaderConfig configures one Leader instance.
type LeaderConfig struct {
	Host                 string
	BasePort             int
	PortSpan             int
	PortRange            string
	ExpectedExtensionID  string // empty means accept any
	ServerVersion        string
}

type rpcReply struct {
	result json.RawMessage
	errMsg string
}

type pendingEntry struct {
	ch        chan rpcReply // non-nil when the caller is in-process (RouteSend et al)
	peer      *peerHandle   // non-nil when the caller was a peer's forwarded RPC
	peerReqID int64
}

type peerHandle struct {
	id      string
	pid     int
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	tabs map[string]bool
}

func (p *peerHandle) subscribe(tabID string) {
	p.mu.Lock()
	if p.tabs == nil {
		p.tabs = make(map[string]bool)
	}
	p.tabs[tabID] = true
	p.mu.Unlock()
}

func (p *peerHandle) subscribed(tabID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabs[tabID]
}

func (p *peerHandle) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// Leader is the extension gateway leader: it binds a local WebSocket/HTTP
// listener, hosts the single browser-extension attachment, and multiplexes
// any number of server peers onto it.
//
// Grounded on original_source/mcp_servers/browser/extension_gateway.py.
type Leader struct {
	cfg         LeaderConfig
	startedAtMs int64
	candidates  []int

	mu         sync.Mutex
	listening  bool
	bindErr    string
	port       int
	listener   net.Listener
	httpServer *http.Server
	stopped    bool
	cancel     context.CancelFunc

	extConn   *websocket.Conn
	extWriteMu sync.Mutex
	extCaps   map[string]bool
	extID     string
	extVer    string
	extUA     string
	extState  *ExtensionState

	nextReqID int64
	pending   map[int64]*pendingEntry

	tabCond   *sync.Cond
	tabQueues map[string][]cdpconn.Event
	sinks     map[string]map[int]cdpconn.EventSink
	nextSinkID int

	peersMu sync.Mutex
	peers   map[string]*peerHandle
}

// NewLeader builds a Leader that has not yet started listening.
func NewLeader(cfg LeaderConfig) *Leader {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	l := &Leader{
		cfg:        cfg,
		candidates: CandidatePorts(cfg.BasePort, cfg.PortSpan, cfg.PortRange),
		pending:    make(map[int64]*pendingEntry),
		tabQueues:  make(map[string][]cdpconn.Event),
		sinks:      make(map[string]map[int]cdpconn.EventSink),
		peers:      make(map[string]*peerHandle),
	}
	l.tabCond = sync.NewCond(&sync.Mutex{})
	return l
}

// Start begins the bind-retry loop in the background and returns
// immediately unless requireListening is set, in which case it blocks
// (bounded by ctx) until the first successful bind.
func (l *Leader) Start(ctx context.Context, requireListening bool) error {
	l.mu.Lock()
	l.startedAtMs = nowMs()
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	go l.bindLoop(runCtx)

	if !requireListening {
		return nil
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if l.Status().Listening {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("gateway: did not start listening before deadline")
}

const (
	bindMinBackoff  = 250 * time.Millisecond
	bindMaxBackoff  = 5 * time.Second
	bindBackoffMult = 1.6
)

func (l *Leader) bindLoop(ctx context.Context) {
	backoff := bindMinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ln, port, err := l.tryBindAny()
		if err != nil {
			l.mu.Lock()
			l.listening = false
			l.bindErr = err.Error()
			l.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * bindBackoffMult)
			if backoff > bindMaxBackoff {
				backoff = bindMaxBackoff
			}
			continue
		}

		backoff = bindMinBackoff
		mux := http.NewServeMux()
		mux.HandleFunc("/", l.handleHTTP)
		srv := &http.Server{Handler: mux}

		l.mu.Lock()
		l.listener = ln
		l.httpServer = srv
		l.port = port
		l.listening = true
		l.bindErr = ""
		l.mu.Unlock()

		serveErrCh := make(chan error, 1)
		go func() { serveErrCh <- srv.Serve(ln) }()

		select {
		case <-ctx.Done():
			_ = srv.Close()
			l.mu.Lock()
			l.listening = false
			l.mu.Unlock()
			return
		case <-serveErrCh:
			l.mu.Lock()
			l.listening = false
			l.bindErr = "listener stopped unexpectedly"
			l.mu.Unlock()
		}
	}
}

func (l *Leader) tryBindAny() (net.Listener, int, error) {
	var lastErr error
	for _, p := range l.candidates {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.cfg.Host, p))
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate ports configured")
	}
	return nil, 0, lastErr
}

// Stop shuts the listener and all connections down.
func (l *Leader) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel := l.cancel
	srv := l.httpServer
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		_ = srv.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (l *Leader) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go l.handleConn(conn)
		return
	}

	if r.URL.Path == DiscoveryPath {
		info := l.discoveryInfo()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Browser-MCP-Gateway", "1")
		_ = json.NewEncoder(w).Encode(info)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (l *Leader) discoveryInfo() DiscoveryInfo {
	st := l.Status()
	return DiscoveryInfo{
		Type:               "browserMcpGateway",
		ProtocolVersion:    ProtocolVersion,
		ServerVersion:      l.cfg.ServerVersion,
		ServerStartedAtMs:  l.startedAtMs,
		GatewayPort:        st.Port,
		PID:                os.Getpid(),
		ExtensionConnected: st.ExtensionConnected,
		PeerCount:          st.PeerCount,
		SupportsPeers:      true,
	}
}

// Status reports the leader's current state for the gateway.status RPC and
// for in-process callers (session manager recovery, diagnostics).
func (l *Leader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	caps := make([]string, 0, len(l.extCaps))
	for c := range l.extCaps {
		caps = append(caps, c)
	}
	l.peersMu.Lock()
	peerCount := len(l.peers)
	l.peersMu.Unlock()
	return Status{
		Listening:          l.listening,
		BindError:          l.bindErr,
		Port:               l.port,
		CandidatePorts:      truncatePorts(l.candidates, 16),
		ExtensionConnected: l.extConn != nil,
		ExtensionID:        l.extID,
		Capabilities:       caps,
		PeerCount:          peerCount,
		IsLeader:           true,
		State:              l.extState,
	}
}

func truncatePorts(ports []int, max int) []int {
	if len(ports) <= max {
		return ports
	}
	return ports[:max]
}

// WaitForConnection blocks until the extension is connected or timeout
// elapses, returning whether it is connected.
func (l *Leader) WaitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if l.Status().ExtensionConnected {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// --- connection handling -----------------------------------------------

func (l *Leader) handleConn(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(defaultHelloWindow))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1002, "bad json"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	switch env.Type {
	case "hello":
		var hello HelloMsg
		if err := json.Unmarshal(raw, &hello); err != nil {
			_ = conn.Close()
			return
		}
		l.handleExtension(conn, hello)
	case "peerHello":
		var ph PeerHelloMsg
		if err := json.Unmarshal(raw, &ph); err != nil {
			_ = conn.Close()
			return
		}
		l.handlePeer(conn, ph)
	default:
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1002, "unexpected first message"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (l *Leader) handleExtension(conn *websocket.Conn, hello HelloMsg) {
	if l.cfg.ExpectedExtensionID != "" && hello.ExtensionID != l.cfg.ExpectedExtensionID {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1008, "unexpected extension id"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	caps := make(map[string]bool, len(hello.Capabilities))
	for _, c := range hello.Capabilities {
		caps[c] = true
	}

	l.mu.Lock()
	if l.extConn != nil {
		old := l.extConn
		l.extConn = nil
		go func() { _ = old.Close() }()
	}
	l.extConn = conn
	l.extCaps = caps
	l.extID = hello.ExtensionID
	l.extVer = hello.ExtensionVersion
	l.extUA = hello.UserAgent
	l.extState = hello.State
	l.mu.Unlock()

	ack := HelloAckMsg{
		Type:              "helloAck",
		ProtocolVersion:   ProtocolVersion,
		SessionID:         fmt.Sprintf("ext-%d-%d", nowMs(), os.Getpid()),
		ServerVersion:     l.cfg.ServerVersion,
		ServerStartedAtMs: l.startedAtMs,
		GatewayPort:       l.Status().Port,
		State:             hello.State,
	}
	if err := l.writeExt(ack); err != nil {
		_ = conn.Close()
		return
	}

	l.extensionReadLoop(conn)
}

func (l *Leader) writeExt(v any) error {
	l.extWriteMu.Lock()
	defer l.extWriteMu.Unlock()
	return l.extConn.WriteJSON(v)
}

func (l *Leader) extensionReadLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.handleExtensionDisconnect(conn)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case "rpcResult":
			var msg RPCResultMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			l.completeRPC(msg)
		case "cdpEvent":
			var msg CdpEventMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			l.ingestEvent(msg)
		case "ping":
			_ = l.writeExt(PongMsg{Type: "pong"})
		case "log":
			// best-effort, no-op: the daemon entrypoint owns structured
			// logging and can wire a sink here if ever needed.
		}
	}
}

func (l *Leader) handleExtensionDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.extConn != conn {
		l.mu.Unlock()
		return
	}
	l.extConn = nil
	l.extCaps = nil
	pending := l.pending
	l.pending = make(map[int64]*pendingEntry)
	l.mu.Unlock()

	for _, entry := range pending {
		l.failPending(entry, "extension disconnected")
	}
}

func (l *Leader) failPending(entry *pendingEntry, reason string) {
	if entry.ch != nil {
		entry.ch <- rpcReply{errMsg: reason}
		return
	}
	if entry.peer != nil {
		_ = entry.peer.writeJSON(RPCResultMsg{Type: "rpcResult", ID: entry.peerReqID, OK: false, Error: reason})
	}
}

func (l *Leader) completeRPC(msg RPCResultMsg) {
	l.mu.Lock()
	entry, ok := l.pending[msg.ID]
	if ok {
		delete(l.pending, msg.ID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if entry.ch != nil {
		entry.ch <- rpcReply{result: msg.Result, errMsg: msg.Error}
		return
	}
	if entry.peer != nil {
		_ = entry.peer.writeJSON(RPCResultMsg{Type: "rpcResult", ID: entry.peerReqID, OK: msg.OK, Result: msg.Result, Error: msg.Error})
	}
}

func (l *Leader) ingestEvent(msg CdpEventMsg) {
	ev := cdpconn.Event{Method: msg.Method, Params: msg.Params}

	l.tabCond.L.Lock()
	q := l.tabQueues[msg.TabID]
	q = append(q, ev)
	if len(q) > eventQueueCap {
		q = q[len(q)-eventQueueCap:]
	}
	l.tabQueues[msg.TabID] = q
	sinks := make([]cdpconn.EventSink, 0, len(l.sinks[msg.TabID]))
	for _, s := range l.sinks[msg.TabID] {
		sinks = append(sinks, s)
	}
	l.tabCond.L.Unlock()
	l.tabCond.Broadcast()

	for _, s := range sinks {
		func() {
			defer func() { recover() }()
			s(ev)
		}()
	}

	l.peersMu.Lock()
	peers := make([]*peerHandle, 0, len(l.peers))
	for _, p := range l.peers {
		if p.subscribed(msg.TabID) {
			peers = append(peers, p)
		}
	}
	l.peersMu.Unlock()
	for _, p := range peers {
		_ = p.writeJSON(msg)
	}
}

// --- peer handling -------------------------------------------------------

func (l *Leader) handlePeer(conn *websocket.Conn, hello PeerHelloMsg) {
	id := hello.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	ph := &peerHandle{id: id, pid: hello.PID, conn: conn, tabs: make(map[string]bool)}

	l.peersMu.Lock()
	l.peers[id] = ph
	l.peersMu.Unlock()

	defer func() {
		l.peersMu.Lock()
		delete(l.peers, id)
		l.peersMu.Unlock()
	}()

	ack := PeerHelloAckMsg{
		Type:              "peerHelloAck",
		ProtocolVersion:   ProtocolVersion,
		GatewayPort:       l.Status().Port,
		ServerStartedAtMs: l.startedAtMs,
		PeerID:            id,
	}
	if err := ph.writeJSON(ack); err != nil {
		_ = conn.Close()
		return
	}

	l.peerReadLoop(ph)
}

func (l *Leader) peerReadLoop(ph *peerHandle) {
	for {
		_, raw, err := ph.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case "rpc":
			var msg RPCMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			go l.handlePeerRPC(ph, msg)
		case "ping":
			_ = ph.writeJSON(PongMsg{Type: "pong"})
		}
	}
}

type tabParams struct {
	TabID     string `json:"tabId"`
	EventName string `json:"eventName"`
	Timeout   int64  `json:"timeout"`
}

func (l *Leader) handlePeerRPC(ph *peerHandle, msg RPCMsg) {
	switch msg.Method {
	case "gateway.status":
		l.respondPeer(ph, msg.ID, l.Status())
		return
	case "gateway.waitForConnection":
		var p struct {
			Timeout int64 `json:"timeout"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		timeout := time.Duration(p.Timeout) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultRPCTimeout
		}
		connected := l.WaitForConnection(timeout)
		l.respondPeer(ph, msg.ID, map[string]any{"connected": connected})
		return
	case "gateway.popEvent":
		var p tabParams
		_ = json.Unmarshal(msg.Params, &p)
		val, ok := l.PopEvent(p.TabID, p.EventName)
		l.respondPeer(ph, msg.ID, map[string]any{"event": val, "ok": ok})
		return
	case "gateway.waitForEvent":
		var p tabParams
		_ = json.Unmarshal(msg.Params, &p)
		timeout := time.Duration(p.Timeout) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultRPCTimeout
		}
		val, ok := l.WaitForEvent(p.TabID, p.EventName, timeout)
		l.respondPeer(ph, msg.ID, map[string]any{"event": val, "ok": ok})
		return
	}

	var tp struct {
		TabID string `json:"tabId"`
	}
	_ = json.Unmarshal(msg.Params, &tp)
	if tp.TabID != "" {
		ph.subscribe(tp.TabID)
	}

	l.mu.Lock()
	if l.extConn == nil {
		l.mu.Unlock()
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: false, Error: "extension not connected"})
		return
	}
	id := atomic.AddInt64(&l.nextReqID, 1)
	l.pending[id] = &pendingEntry{peer: ph, peerReqID: msg.ID}
	l.mu.Unlock()

	forward := RPCMsg{Type: "rpc", ID: id, Method: msg.Method, Params: msg.Params, TimeoutMs: msg.TimeoutMs}
	if err := l.writeExt(forward); err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: false, Error: err.Error()})
	}
}

func (l *Leader) respondPeer(ph *peerHandle, id int64, result any) {
	data, _ := json.Marshal(result)
	_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: id, OK: true, Result: data})
}

// --- local (non-RPC) event queue access, shared by peer RPC + Router -----

// PopEvent dequeues the oldest matching event for tabID without blocking.
func (l *Leader) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
	l.tabCond.L.Lock()
	defer l.tabCond.L.Unlock()
	q := l.tabQueues[tabID]
	for i, ev := range q {
		if ev.Method == eventName {
			l.tabQueues[tabID] = append(q[:i], q[i+1:]...)
			return ev.Params, true
		}
	}
	return nil, false
}

// WaitForEvent blocks (bounded by timeout) until a matching event is
// observed for tabID, waking on the shared condition variable rather than
// polling.
func (l *Leader) WaitForEvent(tabID, eventName string, timeout time.Duration) (json.RawMessage, bool) {
	if v, ok := l.PopEvent(tabID, eventName); ok {
		return v, true
	}
	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		<-time.After(time.Until(deadline))
		l.tabCond.Broadcast()
		close(done)
	}()

	l.tabCond.L.Lock()
	defer l.tabCond.L.Unlock()
	for {
		q := l.tabQueues[tabID]
		for i, ev := range q {
			if ev.Method == eventName {
				l.tabQueues[tabID] = append(q[:i], q[i+1:]...)
				return ev.Params, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		l.tabCond.Wait()
	}
}

// --- Router implementation (cdpconn.Router) ------------------------------

func (l *Leader) hasCapability(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extCaps[name]
}

func (l *Leader) rpcCallToExtension(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.extConn == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("gateway: extension not connected")
	}
	id := atomic.AddInt64(&l.nextReqID, 1)
	ch := make(chan rpcReply, 1)
	l.pending[id] = &pendingEntry{ch: ch}
	l.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	msg := RPCMsg{Type: "rpc", ID: id, Method: method, Params: data, TimeoutMs: timeout.Milliseconds()}
	if err := l.writeExt(msg); err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.errMsg != "" {
			return nil, fmt.Errorf("gateway: %s: %s", method, reply.errMsg)
		}
		return reply.result, nil
	case <-time.After(timeout):
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, cdpconn.ErrTimeout)
	}
}

// RouteSend implements cdpconn.Router by forwarding to the extension via
// cdp.send.
func (l *Leader) RouteSend(tabID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return l.rpcCallToExtension("cdp.send", map[string]any{"tabId": tabID, "method": method, "params": params}, timeout)
}

// CallRPC implements cdpconn.Router by forwarding a top-level extension RPC
// method (tabs.*, state.get, ...) directly, unwrapped by cdp.send.
func (l *Leader) CallRPC(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return l.rpcCallToExtension(method, params, timeout)
}

// RouteSendMany implements cdpconn.Router. It collapses to one round-trip
// via cdp.sendMany when the extension advertises the capability; otherwise
// it loops RouteSend sequentially.
func (l *Leader) RouteSendMany(tabID string, commands []cdpconn.Command, stopOnError bool, timeout time.Duration) ([]cdpconn.Result, error) {
	if !l.hasCapability(CapCdpSendMany) {
		out := make([]cdpconn.Result, 0, len(commands))
		for _, cmd := range commands {
			val, err := l.RouteSend(tabID, cmd.Method, cmd.Params, timeout)
			if err != nil {
				out = append(out, cdpconn.Result{Err: err})
				if stopOnError {
					return out, err
				}
				continue
			}
			out = append(out, cdpconn.Result{Value: val})
		}
		return out, nil
	}

	raw, err := l.rpcCallToExtension("cdp.sendMany", map[string]any{"tabId": tabID, "commands": commands, "stopOnError": stopOnError}, timeout)
	if err != nil {
		return nil, err
	}
	var items []struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("gateway: cdp.sendMany: malformed reply: %w", err)
	}
	out := make([]cdpconn.Result, 0, len(items))
	for _, it := range items {
		if it.Error != "" {
			out = append(out, cdpconn.Result{Err: fmt.Errorf("%s", it.Error)})
			continue
		}
		out = append(out, cdpconn.Result{Value: it.Result})
	}
	return out, nil
}

// Subscribe implements cdpconn.Router: registers an in-process sink for
// tabID's events (in addition to the peer fan-out, which is unconditional).
func (l *Leader) Subscribe(tabID string, sink cdpconn.EventSink) (unsubscribe func()) {
	l.tabCond.L.Lock()
	if l.sinks[tabID] == nil {
		l.sinks[tabID] = make(map[int]cdpconn.EventSink)
	}
	id := l.nextSinkID
	l.nextSinkID++
	l.sinks[tabID][id] = sink
	l.tabCond.L.Unlock()

	return func() {
		l.tabCond.L.Lock()
		delete(l.sinks[tabID], id)
		l.tabCond.L.Unlock()
	}
}

// RouteAbort implements cdpconn.Router. The gateway has no per-tab socket of
// its own to tear down (the extension owns the one CDP attachment); this is
// a best-effort local cleanup of this tab's queued events only.
func (l *Leader) RouteAbort(tabID string) {
	l.tabCond.L.Lock()
	delete(l.tabQueues, tabID)
	l.tabCond.L.Unlock()
}

var _ cdpconn.Router = (*Leader)(nil)
