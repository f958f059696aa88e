package nativebroker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

type rpcReply struct {
	result json.RawMessage
	errMsg string
}

type pendingEntry struct {
	peer      *peerHandle
	peerReqID int64
}

type peerHandle struct {
	id      string
	pid     int
	conn    net.Conn
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
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteFrame(p.conn, data)
}

// Broker is the native-messaging multiplexer: stdio to the extension,
// AF_UNIX to any number of server peers.
//
// Grounded on original_source/mcp_servers/browser/native_broker.py.
type Broker struct {
	runtimeDir string
	stdin      io.Reader
	stdout     io.Writer

	brokerID    string
	startedAtMs int64
	socketPath  string
	listener    net.Listener

	mu         sync.Mutex
	stdoutMu   sync.Mutex
	extStarted bool
	extCaps    map[string]bool

	nextReqID int64
	pending   map[int64]*pendingEntry

	tabCond   *sync.Cond
	tabQueues map[string][]cdpconn.Event
	sinks     map[string]map[int]cdpconn.EventSink
	nextSinkID int

	peersMu sync.Mutex
	peers   map[string]*peerHandle
}

// NewBroker builds a Broker reading extension frames from stdin and writing
// them to stdout, registering itself under runtimeDir.
func NewBroker(stdin io.Reader, stdout io.Writer, runtimeDir string) *Broker {
	b := &Broker{
		stdin:      bufio.NewReader(stdin),
		stdout:     stdout,
		runtimeDir: runtimeDir,
		pending:    make(map[int64]*pendingEntry),
		tabQueues:  make(map[string][]cdpconn.Event),
		sinks:      make(map[string]map[int]cdpconn.EventSink),
		peers:      make(map[string]*peerHandle),
	}
	b.tabCond = sync.NewCond(&sync.Mutex{})
	return b
}

// Run blocks: it reads the first stdio frame (must be "hello"), sets up the
// registry + AF_UNIX listener, acks the extension, then services both the
// extension stdio stream and accepted peer connections until ctx is
// cancelled or the extension stream closes.
func (b *Broker) Run(ctx context.Context) error {
	raw, err := ReadFrame(b.stdin)
	if err != nil {
		return fmt.Errorf("nativebroker: reading hello: %w", err)
	}
	var hello HelloMsg
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != "hello" {
		return fmt.Errorf("nativebroker: first frame was not hello")
	}

	b.brokerID = SanitizeBrokerID(hello.ProfileID)
	b.startedAtMs = time.Now().UnixMilli()
	b.socketPath = SocketPath(b.runtimeDir, b.brokerID)

	if err := os.MkdirAll(b.runtimeDir, 0o700); err != nil {
		return fmt.Errorf("nativebroker: mkdir runtime dir: %w", err)
	}
	_ = os.Remove(b.socketPath) // unlink stale socket from a prior crashed broker

	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("nativebroker: listen %s: %w", b.socketPath, err)
	}
	b.listener = ln

	if err := b.writeRegistry(); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(b.socketPath)
		_ = os.Remove(RegistryPath(b.runtimeDir, b.brokerID))
	}()

	go b.acceptLoop(ctx)

	ack := HelloAckMsg{
		Type:              "helloAck",
		Transport:         "native",
		ProtocolVersion:   ProtocolVersion,
		BrokerID:          b.brokerID,
		BrokerPID:         os.Getpid(),
		BrokerStartedAtMs: b.startedAtMs,
	}
	if err := b.writeStdout(ack); err != nil {
		return err
	}

	b.mu.Lock()
	b.extStarted = true
	b.mu.Unlock()

	return b.extensionReadLoop(ctx)
}

func (b *Broker) writeRegistry() error {
	info := RegistryInfo{
		Type:              "browserMcpNativeBroker",
		ProtocolVersion:   ProtocolVersion,
		BrokerID:          b.brokerID,
		BrokerPID:         os.Getpid(),
		BrokerStartedAtMs: b.startedAtMs,
		SocketPath:        b.socketPath,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := RegistryPath(b.runtimeDir, b.brokerID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil { // #nosec G306 -- registry is non-sensitive discovery metadata
		return err
	}
	return os.Rename(tmp, RegistryPath(b.runtimeDir, b.brokerID))
}

func (b *Broker) writeStdout(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.stdoutMu.Lock()
	defer b.stdoutMu.Unlock()
	return WriteFrame(b.stdout, data)
}

func (b *Broker) extensionReadLoop(ctx context.Context) error {
	for {
		raw, err := ReadFrame(b.stdin)
		if err != nil {
			b.handleExtensionDisconnect()
			return err
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
			b.completeRPC(msg)
		case "cdpEvent":
			var msg CdpEventMsg
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			b.ingestEvent(msg)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (b *Broker) handleExtensionDisconnect() {
	b.mu.Lock()
	b.extStarted = false
	pending := b.pending
	b.pending = make(map[int64]*pendingEntry)
	b.mu.Unlock()
	for _, entry := range pending {
		_ = entry.peer.writeJSON(RPCResultMsg{Type: "rpcResult", ID: entry.peerReqID, OK: false, Error: "extension disconnected"})
	}
}

func (b *Broker) completeRPC(msg RPCResultMsg) {
	b.mu.Lock()
	entry, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = entry.peer.writeJSON(RPCResultMsg{Type: "rpcResult", ID: entry.peerReqID, OK: msg.OK, Result: msg.Result, Error: msg.Error})
}

func (b *Broker) ingestEvent(msg CdpEventMsg) {
	ev := cdpconn.Event{Method: msg.Method, Params: msg.Params}

	b.tabCond.L.Lock()
	q := append(b.tabQueues[msg.TabID], ev)
	if len(q) > eventQueueCap {
		q = q[len(q)-eventQueueCap:]
	}
	b.tabQueues[msg.TabID] = q
	sinks := make([]cdpconn.EventSink, 0, len(b.sinks[msg.TabID]))
	for _, s := range b.sinks[msg.TabID] {
		sinks = append(sinks, s)
	}
	b.tabCond.L.Unlock()
	b.tabCond.Broadcast()
	for _, s := range sinks {
		func() {
			defer func() { recover() }()
			s(ev)
		}()
	}

	b.peersMu.Lock()
	var targets []*peerHandle
	for _, p := range b.peers {
		if p.subscribed(msg.TabID) {
			targets = append(targets, p)
		}
	}
	b.peersMu.Unlock()
	for _, p := range targets {
		_ = p.writeJSON(msg)
	}
}

func (b *Broker) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = b.listener.Close()
	}()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.handlePeerConn(conn)
	}
}

func (b *Broker) handlePeerConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(defaultHelloWindow))
	raw, err := ReadFrame(conn)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello PeerHelloMsg
	if json.Unmarshal(raw, &hello) != nil || hello.Type != "peerHello" {
		return
	}
	id := hello.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	ph := &peerHandle{id: id, pid: hello.PID, conn: conn, tabs: make(map[string]bool)}

	b.peersMu.Lock()
	b.peers[id] = ph
	b.peersMu.Unlock()
	defer func() {
		b.peersMu.Lock()
		delete(b.peers, id)
		b.peersMu.Unlock()
	}()

	ack := PeerHelloAckMsg{Type: "peerHelloAck", ProtocolVersion: ProtocolVersion, BrokerID: b.brokerID}
	if ph.writeJSON(ack) != nil {
		return
	}

	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		if env.Type != "rpc" {
			continue
		}
		var msg RPCMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		go b.handlePeerRPC(ph, msg)
	}
}

func (b *Broker) handlePeerRPC(ph *peerHandle, msg RPCMsg) {
	switch msg.Method {
	case "gateway.status":
		data, _ := json.Marshal(b.Status())
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: true, Result: data})
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
		connected := b.WaitForConnection(timeout)
		data, _ := json.Marshal(map[string]any{"connected": connected})
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: true, Result: data})
		return
	}

	var tp struct {
		TabID string `json:"tabId"`
	}
	_ = json.Unmarshal(msg.Params, &tp)
	if tp.TabID != "" {
		ph.subscribe(tp.TabID)
	}

	b.mu.Lock()
	if !b.extStarted {
		b.mu.Unlock()
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: false, Error: "extension not connected"})
		return
	}
	globalID := atomic.AddInt64(&b.nextReqID, 1)
	b.pending[globalID] = &pendingEntry{peer: ph, peerReqID: msg.ID}
	b.mu.Unlock()

	forward := RPCMsg{Type: "rpc", ID: globalID, Method: msg.Method, Params: msg.Params, TimeoutMs: msg.TimeoutMs}
	if err := b.writeStdout(forward); err != nil {
		b.mu.Lock()
		delete(b.pending, globalID)
		b.mu.Unlock()
		_ = ph.writeJSON(RPCResultMsg{Type: "rpcResult", ID: msg.ID, OK: false, Error: err.Error()})
	}
}

// Status reports the broker's current connectivity.
func (b *Broker) Status() Status {
	b.mu.Lock()
	connected := b.extStarted
	b.mu.Unlock()
	b.peersMu.Lock()
	peerCount := len(b.peers)
	b.peersMu.Unlock()
	return Status{ExtensionConnected: connected, PeerCount: peerCount, BrokerID: b.brokerID, SocketPath: b.socketPath}
}

// WaitForConnection blocks until the extension stream has completed its
// hello handshake, or timeout elapses.
func (b *Broker) WaitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if b.Status().ExtensionConnected {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
