package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// stubExtension is a minimal in-process stand-in for the browser extension:
// it dials a leader's WS listener, completes the hello handshake, and
// answers every forwarded rpc request with a canned reply keyed by method.
type stubExtension struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dialStubExtension(t *testing.T, port int, caps []string) *stubExtension {
	t.Helper()
	u := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial stub extension: %v", err)
	}
	hello := HelloMsg{Type: "hello", ProtocolVersion: ProtocolVersion, ExtensionID: "stub-extension-aaaaaaaaaaaaaaaa", Capabilities: caps}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read helloAck: %v", err)
	}
	var ack HelloAckMsg
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Type != "helloAck" {
		t.Fatalf("bad helloAck: %v (%s)", err, raw)
	}
	se := &stubExtension{conn: conn}
	go se.serve(t)
	return se
}

func (se *stubExtension) serve(t *testing.T) {
	for {
		_, raw, err := se.conn.ReadMessage()
		if err != nil {
			return
		}
		var req RPCMsg
		if json.Unmarshal(raw, &req) != nil || req.Type != "rpc" {
			continue
		}
		se.respond(req)
	}
}

func (se *stubExtension) respond(req RPCMsg) {
	var result any
	switch req.Method {
	case "tabs.list":
		result = []map[string]any{{"tabId": "55", "url": "about:blank"}}
	case "rpc.batch":
		var p struct {
			Calls []json.RawMessage `json:"calls"`
		}
		_ = json.Unmarshal(req.Params, &p)
		out := make([]map[string]any, len(p.Calls))
		for i := range p.Calls {
			out[i] = map[string]any{"ok": true}
		}
		result = out
	case "cdp.sendMany":
		var p struct {
			Commands []json.RawMessage `json:"commands"`
		}
		_ = json.Unmarshal(req.Params, &p)
		out := make([]map[string]any, len(p.Commands))
		for i := range p.Commands {
			out[i] = map[string]any{"result": map[string]any{}}
		}
		result = out
	default:
		result = map[string]any{"ok": true}
	}
	data, _ := json.Marshal(result)
	se.mu.Lock()
	_ = se.conn.WriteJSON(RPCResultMsg{Type: "rpcResult", ID: req.ID, OK: true, Result: data})
	se.mu.Unlock()
}

func (se *stubExtension) emit(tabID, method string, params any) {
	data, _ := json.Marshal(params)
	se.mu.Lock()
	_ = se.conn.WriteJSON(CdpEventMsg{Type: "cdpEvent", TabID: tabID, Method: method, Params: data})
	se.mu.Unlock()
}

func (se *stubExtension) close() { _ = se.conn.Close() }

// Scenario 1: gateway bind recovery — a blocker socket holds the single
// candidate port; the leader reports a non-listening status with a bind
// error, then recovers within 2.5s of the blocker releasing the port.
func TestLeaderBindRecoversAfterPortFrees(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("reserve blocker: %v", err)
	}

	leader := NewLeader(LeaderConfig{PortRange: fmt.Sprintf("%d-%d", port, port)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := leader.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer leader.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := leader.Status()
		if !st.Listening && st.BindError != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := leader.Status()
	if st.Listening || st.BindError == "" {
		t.Fatalf("expected not-listening with a bind error while port is blocked, got %+v", st)
	}

	blocker.Close()

	deadline = time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if leader.Status().Listening {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("leader did not start listening within 2.5s of the port freeing up")
}

// Scenario 2: gateway RPC + CDP event roundtrip, against a stub extension
// advertising cdpSendMany and rpcBatch.
func TestLeaderRPCAndCDPEventRoundtrip(t *testing.T) {
	port := freePort(t)
	leader := NewLeader(LeaderConfig{PortRange: fmt.Sprintf("%d-%d", port, port)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := leader.Start(ctx, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer leader.Stop()

	stub := dialStubExtension(t, port, []string{CapCdpSendMany, CapRpcBatch})
	defer stub.close()

	if !leader.WaitForConnection(time.Second) {
		t.Fatalf("extension never connected")
	}

	raw, err := leader.CallRPC("tabs.list", map[string]any{}, time.Second)
	if err != nil {
		t.Fatalf("tabs.list: %v", err)
	}
	var tabs []map[string]any
	if err := json.Unmarshal(raw, &tabs); err != nil || len(tabs) != 1 {
		t.Fatalf("expected one tab from stub, got %s (%v)", raw, err)
	}

	raw, err = leader.CallRPC("rpc.batch", map[string]any{
		"calls":       []map[string]any{{"method": "a"}, {"method": "b"}},
		"stopOnError": false,
	}, time.Second)
	if err != nil {
		t.Fatalf("rpc.batch: %v", err)
	}
	var batchResults []map[string]any
	if err := json.Unmarshal(raw, &batchResults); err != nil || len(batchResults) != 2 {
		t.Fatalf("expected two batch results, got %s (%v)", raw, err)
	}
	for _, r := range batchResults {
		if ok, _ := r["ok"].(bool); !ok {
			t.Fatalf("expected ok:true results, got %v", batchResults)
		}
	}

	results, err := leader.RouteSendMany("55", []cdpconn.Command{{Method: "Runtime.enable"}, {Method: "Page.enable"}}, false, time.Second)
	if err != nil {
		t.Fatalf("cdp.sendMany: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 sendMany results, got %d", len(results))
	}

	sunkCh := make(chan cdpconn.Event, 1)
	unsubscribe := leader.Subscribe("55", func(ev cdpconn.Event) { sunkCh <- ev })
	defer unsubscribe()

	stub.emit("55", "Page.loadEventFired", map[string]any{"marker": 1})

	val, ok := leader.WaitForEvent("55", "Page.loadEventFired", 2*time.Second)
	if !ok {
		t.Fatalf("expected Page.loadEventFired to be observed")
	}
	var params map[string]any
	_ = json.Unmarshal(val, &params)
	if params["marker"] != float64(1) {
		t.Fatalf("expected marker:1, got %v", params)
	}

	select {
	case sunk := <-sunkCh:
		var sunkParams map[string]any
		_ = json.Unmarshal(sunk.Params, &sunkParams)
		if sunkParams["marker"] != float64(1) {
			t.Fatalf("sink observed wrong params: %v", sunkParams)
		}
	case <-time.After(time.Second):
		t.Fatalf("sink never observed the emitted event")
	}
}

// Scenario 3: multi-peer fan-out — ten peers each subscribed to the same
// tab must each receive exactly one copy of an emitted event.
func TestLeaderMultiPeerFanOut(t *testing.T) {
	port := freePort(t)
	leader := NewLeader(LeaderConfig{PortRange: fmt.Sprintf("%d-%d", port, port)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := leader.Start(ctx, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer leader.Stop()

	stub := dialStubExtension(t, port, []string{CapCdpSendMany, CapRpcBatch})
	defer stub.close()
	if !leader.WaitForConnection(time.Second) {
		t.Fatalf("extension never connected")
	}

	const numPeers = 10
	peers := make([]*Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		p := NewPeer(PeerConfig{PortRange: fmt.Sprintf("%d-%d", port, port)})
		p.Start(ctx)
		peers[i] = p
	}
	defer func() {
		for _, p := range peers {
			p.Stop()
		}
	}()

	for _, p := range peers {
		deadline := time.Now().Add(2 * time.Second)
		var lastErr error
		for time.Now().Before(deadline) {
			if _, err := p.RouteSend("55", "Runtime.enable", nil, time.Second); err == nil {
				lastErr = nil
				break
			} else {
				lastErr = err
			}
			time.Sleep(20 * time.Millisecond)
		}
		if lastErr != nil {
			t.Fatalf("peer never subscribed to tab 55: %v", lastErr)
		}
	}

	stub.emit("55", "Page.loadEventFired", map[string]any{"marker": 2})

	for i, p := range peers {
		val, ok := p.WaitForEvent("55", "Page.loadEventFired", 2*time.Second)
		if !ok {
			t.Fatalf("peer %d never observed the fanned-out event", i)
		}
		var params map[string]any
		_ = json.Unmarshal(val, &params)
		if params["marker"] != float64(2) {
			t.Fatalf("peer %d got wrong params: %v", i, params)
		}
		if _, ok := p.PopEvent("55", "Page.loadEventFired"); ok {
			t.Fatalf("peer %d received more than one copy of the event", i)
		}
	}
}
