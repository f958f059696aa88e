package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// PeerConfig configures a Peer's connection to a leader gateway.
type PeerConfig struct {
	Host      string
	BasePort  int
	PortSpan  int
	PortRange string
}

// Peer behaves like a Leader to local callers without binding any port: it
// connects as a server peer to another process's leader gateway and proxies
// every call through that connection.
//
// Grounded on original_source/mcp_servers/browser/extension_gateway_peer.py.
type Peer struct {
	cfg PeerConfig

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	peerID      string
	gatewayPort int
	connected   bool
	stopped     bool
	cancel      context.CancelFunc
	lastStatus  Status

	nextReqID int64
	pending   map[int64]chan rpcReply

	tabCond    *sync.Cond
	tabQueues  map[string][]cdpconn.Event
	sinks      map[string]map[int]cdpconn.EventSink
	nextSinkID int
}

// NewPeer builds a Peer that is not yet connected. Call Start to begin
// discovery and connection.
func NewPeer(cfg PeerConfig) *Peer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	p := &Peer{
		cfg:       cfg,
		peerID:    uuid.NewString(),
		pending:   make(map[int64]chan rpcReply),
		tabQueues: make(map[string][]cdpconn.Event),
		sinks:     make(map[string]map[int]cdpconn.EventSink),
	}
	p.tabCond = sync.NewCond(&sync.Mutex{})
	return p
}

// Start begins background discovery + connect with reconnection backoff.
func (p *Peer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.connectLoop(runCtx)
}

// Stop tears down the connection and background loops.
func (p *Peer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	conn := p.conn
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// IsProxy is always true for Peer: it never binds a port, only forwards.
func (p *Peer) IsProxy() bool { return true }

func (p *Peer) connectLoop(ctx context.Context) {
	backoff := bindMinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		best, err := DiscoverBestLeader(p.cfg.Host, CandidatePorts(p.cfg.BasePort, p.cfg.PortSpan, p.cfg.PortRange))
		if err != nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBindBackoff(backoff)
			continue
		}

		if err := p.connectOnce(ctx, best); err != nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBindBackoff(backoff)
			continue
		}
		backoff = bindMinBackoff
		// connectOnce blocks until disconnect; loop to reconnect.
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBindBackoff(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * bindBackoffMult)
	if d > bindMaxBackoff {
		return bindMaxBackoff
	}
	return d
}

func (p *Peer) connectOnce(ctx context.Context, leaderPort int) error {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", p.cfg.Host, leaderPort), Path: "/"}
	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	hello := PeerHelloMsg{Type: "peerHello", ProtocolVersion: ProtocolVersion, PeerID: p.peerID, PID: os.Getpid()}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(defaultHelloWindow))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	var ack PeerHelloAckMsg
	if err := json.Unmarshal(raw, &ack); err != nil {
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.gatewayPort = ack.GatewayPort
	p.connected = true
	p.mu.Unlock()

	pollCtx, pollCancel := context.WithCancel(ctx)
	go p.pollStatus(pollCtx)

	p.readLoop(conn)

	pollCancel()
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.connected = false
	}
	pending := p.pending
	p.pending = make(map[int64]chan rpcReply)
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcReply{errMsg: "extension peer disconnected"}
	}
	return nil
}

func (p *Peer) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := p.call("gateway.status", map[string]any{}, defaultRPCTimeout)
			if err != nil {
				continue
			}
			var st Status
			if json.Unmarshal(raw, &st) == nil {
				p.mu.Lock()
				p.lastStatus = st
				p.mu.Unlock()
			}
		}
	}
}

func (p *Peer) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case "rpcResult":
			var msg RPCResultMsg
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			p.mu.Lock()
			ch, ok := p.pending[msg.ID]
			if ok {
				delete(p.pending, msg.ID)
			}
			p.mu.Unlock()
			if ok {
				ch <- rpcReply{result: msg.Result, errMsg: msg.Error}
			}
		case "cdpEvent":
			var msg CdpEventMsg
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			p.ingestEvent(msg)
		case "ping":
			p.writeJSON(PongMsg{Type: "pong"})
		}
	}
}

func (p *Peer) ingestEvent(msg CdpEventMsg) {
	ev := cdpconn.Event{Method: msg.Method, Params: msg.Params}
	p.tabCond.L.Lock()
	q := append(p.tabQueues[msg.TabID], ev)
	if len(q) > eventQueueCap {
		q = q[len(q)-eventQueueCap:]
	}
	p.tabQueues[msg.TabID] = q
	sinks := make([]cdpconn.EventSink, 0, len(p.sinks[msg.TabID]))
	for _, s := range p.sinks[msg.TabID] {
		sinks = append(sinks, s)
	}
	p.tabCond.L.Unlock()
	p.tabCond.Broadcast()
	for _, s := range sinks {
		func() {
			defer func() { recover() }()
			s(ev)
		}()
	}
}

func (p *Peer) writeJSON(v any) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (p *Peer) call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("gateway peer: not connected")
	}
	id := atomic.AddInt64(&p.nextReqID, 1)
	ch := make(chan rpcReply, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	msg := RPCMsg{Type: "rpc", ID: id, Method: method, Params: data, TimeoutMs: timeout.Milliseconds()}
	p.writeMu.Lock()
	werr := conn.WriteJSON(msg)
	p.writeMu.Unlock()
	if werr != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, werr
	}

	select {
	case reply := <-ch:
		if reply.errMsg != "" {
			return nil, fmt.Errorf("gateway peer: %s: %s", method, reply.errMsg)
		}
		return reply.result, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, cdpconn.ErrTimeout)
	}
}

// Status mirrors Leader.Status by proxying gateway.status through the
// leader connection when possible, falling back to the last polled value.
func (p *Peer) Status() Status {
	raw, err := p.call("gateway.status", map[string]any{}, defaultRPCTimeout)
	if err == nil {
		var st Status
		if json.Unmarshal(raw, &st) == nil {
			st.IsLeader = false
			st.IsProxy = true
			return st
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.lastStatus
	st.IsLeader = false
	st.IsProxy = true
	return st
}

// WaitForConnection asks the leader to report extension connectivity.
func (p *Peer) WaitForConnection(timeout time.Duration) bool {
	raw, err := p.call("gateway.waitForConnection", map[string]any{"timeout": timeout.Milliseconds()}, timeout+defaultRPCTimeout)
	if err != nil {
		return false
	}
	var out struct {
		Connected bool `json:"connected"`
	}
	_ = json.Unmarshal(raw, &out)
	return out.Connected
}

// PopEvent dequeues the oldest locally-buffered matching event, falling
// back to asking the leader directly (covers the window before any local
// subscription has observed the event yet).
func (p *Peer) PopEvent(tabID, eventName string) (json.RawMessage, bool) {
	p.tabCond.L.Lock()
	q := p.tabQueues[tabID]
	for i, ev := range q {
		if ev.Method == eventName {
			p.tabQueues[tabID] = append(q[:i], q[i+1:]...)
			p.tabCond.L.Unlock()
			return ev.Params, true
		}
	}
	p.tabCond.L.Unlock()

	raw, err := p.call("gateway.popEvent", tabParams{TabID: tabID, EventName: eventName}, defaultRPCTimeout)
	if err != nil {
		return nil, false
	}
	var out struct {
		Event json.RawMessage `json:"event"`
		OK    bool            `json:"ok"`
	}
	_ = json.Unmarshal(raw, &out)
	return out.Event, out.OK
}

// WaitForEvent blocks (bounded) for a matching event fanned out to this
// peer's own connection. Each peer gets its own pushed copy of every
// subscribed-to event (see Leader.ingestEvent), so this waits on the local
// queue the same way PopEvent does rather than racing other peers over the
// leader's single shared queue via gateway.waitForEvent.
func (p *Peer) WaitForEvent(tabID, eventName string, timeout time.Duration) (json.RawMessage, bool) {
	if v, ok := p.PopEvent(tabID, eventName); ok {
		return v, true
	}
	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		<-time.After(time.Until(deadline))
		p.tabCond.Broadcast()
		close(done)
	}()

	p.tabCond.L.Lock()
	defer p.tabCond.L.Unlock()
	for {
		q := p.tabQueues[tabID]
		for i, ev := range q {
			if ev.Method == eventName {
				p.tabQueues[tabID] = append(q[:i], q[i+1:]...)
				return ev.Params, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		p.tabCond.Wait()
	}
}

// --- Router implementation (cdpconn.Router) ------------------------------

func (p *Peer) RouteSend(tabID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return p.call("cdp.send", map[string]any{"tabId": tabID, "method": method, "params": params}, timeout)
}

// CallRPC implements cdpconn.Router by forwarding a top-level extension RPC
// method (tabs.*, state.get, ...) directly, unwrapped by cdp.send.
func (p *Peer) CallRPC(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return p.call(method, params, timeout)
}

func (p *Peer) RouteSendMany(tabID string, commands []cdpconn.Command, stopOnError bool, timeout time.Duration) ([]cdpconn.Result, error) {
	raw, err := p.call("cdp.sendMany", map[string]any{"tabId": tabID, "commands": commands, "stopOnError": stopOnError}, timeout)
	if err != nil {
		out := make([]cdpconn.Result, 0, len(commands))
		for _, cmd := range commands {
			val, serr := p.RouteSend(tabID, cmd.Method, cmd.Params, timeout)
			if serr != nil {
				out = append(out, cdpconn.Result{Err: serr})
				if stopOnError {
					return out, serr
				}
				continue
			}
			out = append(out, cdpconn.Result{Value: val})
		}
		return out, nil
	}
	var items []struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("gateway peer: cdp.sendMany: malformed reply: %w", err)
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

func (p *Peer) Subscribe(tabID string, sink cdpconn.EventSink) (unsubscribe func()) {
	p.tabCond.L.Lock()
	if p.sinks[tabID] == nil {
		p.sinks[tabID] = make(map[int]cdpconn.EventSink)
	}
	id := p.nextSinkID
	p.nextSinkID++
	p.sinks[tabID][id] = sink
	p.tabCond.L.Unlock()

	return func() {
		p.tabCond.L.Lock()
		delete(p.sinks[tabID], id)
		p.tabCond.L.Unlock()
	}
}

func (p *Peer) RouteAbort(tabID string) {
	p.tabCond.L.Lock()
	delete(p.tabQueues, tabID)
	p.tabCond.L.Unlock()
}

var _ cdpconn.Router = (*Peer)(nil)
