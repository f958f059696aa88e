package nativebroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// Peer is a server peer connected to a native broker's AF_UNIX socket.
// Outward API matches gateway.Peer exactly — the session manager picks
// between the two only at construction time.
//
// Grounded on original_source/mcp_servers/browser/extension_gateway_native_peer.py.
type Peer struct {
	socketPath string
	peerID     string

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	connected bool
	stopped   bool
	cancel    context.CancelFunc

	nextReqID int64
	pending   map[int64]chan rpcReplyFromPeer

	tabCond    *sync.Cond
	tabQueues  map[string][]cdpconn.Event
	sinks      map[string]map[int]cdpconn.EventSink
	nextSinkID int
}

type rpcReplyFromPeer struct {
	result json.RawMessage
	errMsg string
}

// NewPeer builds a Peer bound to a broker's socket path (from discovery).
func NewPeer(socketPath string) *Peer {
	p := &Peer{
		socketPath: socketPath,
		peerID:     uuid.NewString(),
		pending:    make(map[int64]chan rpcReplyFromPeer),
		tabQueues:  make(map[string][]cdpconn.Event),
		sinks:      make(map[string]map[int]cdpconn.EventSink),
	}
	p.tabCond = sync.NewCond(&sync.Mutex{})
	return p
}

// Start begins background connect + reconnect-with-backoff.
func (p *Peer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.connectLoop(runCtx)
}

// Stop tears the connection down.
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

func (p *Peer) connectLoop(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.connectOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 250 * time.Millisecond
	}
}

func (p *Peer) connectOnce(ctx context.Context) error {
	conn, err := net.Dial("unix", p.socketPath)
	if err != nil {
		return err
	}

	hello := PeerHelloMsg{Type: "peerHello", ProtocolVersion: ProtocolVersion, PeerID: p.peerID, PID: os.Getpid()}
	data, _ := json.Marshal(hello)
	if err := WriteFrame(conn, data); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(defaultHelloWindow))
	raw, err := ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	var ack PeerHelloAckMsg
	if json.Unmarshal(raw, &ack) != nil {
		_ = conn.Close()
		return fmt.Errorf("nativebroker: bad peerHelloAck")
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()

	p.readLoop(conn)

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.connected = false
	}
	pending := p.pending
	p.pending = make(map[int64]chan rpcReplyFromPeer)
	p.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcReplyFromPeer{errMsg: "native peer disconnected"}
	}
	return nil
}

func (p *Peer) readLoop(conn net.Conn) {
	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(raw, &env) != nil {
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
				ch <- rpcReplyFromPeer{result: msg.Result, errMsg: msg.Error}
			}
		case "cdpEvent":
			var msg CdpEventMsg
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			p.ingestEvent(msg)
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

func (p *Peer) call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("nativebroker peer: not connected")
	}
	id := atomic.AddInt64(&p.nextReqID, 1)
	ch := make(chan rpcReplyFromPeer, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	msg := RPCMsg{Type: "rpc", ID: id, Method: method, Params: data, TimeoutMs: timeout.Milliseconds()}
	frame, _ := json.Marshal(msg)
	p.writeMu.Lock()
	werr := WriteFrame(conn, frame)
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
			return nil, fmt.Errorf("nativebroker peer: %s: %s", method, reply.errMsg)
		}
		return reply.result, nil
	case <-time.After(timeout):
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, cdpconn.ErrTimeout)
	}
}

// IsProxy is always true: the native backend never owns the extension
// attachment directly, only brokers to it.
func (p *Peer) IsProxy() bool { return true }

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
		return nil, fmt.Errorf("nativebroker peer: cdp.sendMany: malformed reply: %w", err)
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

func (p *Peer) Subscribe(tabID string, sink cdpconn.EventSink) func() {
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

// Status proxies gateway.status through the broker connection.
func (p *Peer) Status() (Status, error) {
	raw, err := p.call("gateway.status", map[string]any{}, defaultRPCTimeout)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// WaitForConnection asks the broker to report extension connectivity.
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

var _ cdpconn.Router = (*Peer)(nil)
