package nativebroker

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/browsermcp/gateway/internal/cdpconn"
)

// fakeExtension is a minimal stand-in for the browser extension talking
// native-messaging framing over an in-process pipe pair.
type fakeExtension struct {
	in  io.Reader // the broker's stdout, read by the extension
	out io.Writer // the broker's stdin, written by the extension
}

func (fe *fakeExtension) readFrame() (map[string]any, error) {
	raw, err := ReadFrame(fe.in)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (fe *fakeExtension) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(fe.out, data)
}

// TestNativeBrokerRoundtrip covers the native broker path: hello/helloAck
// over stdio, a peer dialing the resulting AF_UNIX socket with its own
// peerHello/peerHelloAck, an rpc forwarded to the extension under a
// different global id with the reply routed back under the peer's
// original id, and a cdpEvent fanned out to the peer once it has
// subscribed to a tab via cdp.send.
func TestNativeBrokerRoundtrip(t *testing.T) {
	runtimeDir := t.TempDir()

	extReader, brokerStdout := io.Pipe() // broker writes here, extension reads
	brokerStdin, extWriter := io.Pipe()  // extension writes here, broker reads

	broker := NewBroker(brokerStdin, brokerStdout, runtimeDir)
	ext := &fakeExtension{in: extReader, out: extWriter}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- broker.Run(ctx) }()

	if err := ext.writeFrame(HelloMsg{Type: "hello", ProtocolVersion: ProtocolVersion, ProfileID: "test-profile-0001"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := ext.readFrame()
	if err != nil {
		t.Fatalf("read helloAck: %v", err)
	}
	if ack["type"] != "helloAck" || ack["transport"] != "native" {
		t.Fatalf("unexpected helloAck: %v", ack)
	}
	brokerID, _ := ack["brokerId"].(string)
	if brokerID == "" {
		t.Fatalf("helloAck missing brokerId")
	}

	if !broker.WaitForConnection(time.Second) {
		t.Fatalf("broker never marked extension connected")
	}

	socketPath := SocketPath(runtimeDir, brokerID)
	peer := NewPeer(socketPath)
	peer.Start(ctx)
	defer peer.Stop()

	go func() {
		req, err := ext.readFrame()
		if err != nil || req["method"] != "tabs.list" {
			return
		}
		result, _ := json.Marshal([]map[string]any{{"tabId": "55", "url": "about:blank"}})
		_ = ext.writeFrame(RPCResultMsg{Type: "rpcResult", ID: int64(req["id"].(float64)), OK: true, Result: result})
	}()

	raw, err := peer.CallRPC("tabs.list", map[string]any{}, 2*time.Second)
	if err != nil {
		t.Fatalf("tabs.list: %v", err)
	}
	var tabs []map[string]any
	if err := json.Unmarshal(raw, &tabs); err != nil || len(tabs) != 1 {
		t.Fatalf("expected one tab, got %s (%v)", raw, err)
	}

	// A cdp.send tags the peer handle as subscribed to tab 55 on the broker
	// side, which is what makes the subsequent cdpEvent fan out to it.
	go func() {
		req, err := ext.readFrame()
		if err != nil || req["method"] != "cdp.send" {
			return
		}
		result, _ := json.Marshal(map[string]any{})
		_ = ext.writeFrame(RPCResultMsg{Type: "rpcResult", ID: int64(req["id"].(float64)), OK: true, Result: result})
	}()
	if _, err := peer.RouteSend("55", "Runtime.enable", nil, 2*time.Second); err != nil {
		t.Fatalf("cdp.send: %v", err)
	}

	sunkCh := make(chan cdpconn.Event, 1)
	unsubscribe := peer.Subscribe("55", func(ev cdpconn.Event) { sunkCh <- ev })
	defer unsubscribe()

	params, _ := json.Marshal(map[string]any{"marker": 3})
	if err := ext.writeFrame(CdpEventMsg{Type: "cdpEvent", TabID: "55", Method: "Page.loadEventFired", Params: params}); err != nil {
		t.Fatalf("write cdpEvent: %v", err)
	}

	select {
	case ev := <-sunkCh:
		var got map[string]any
		_ = json.Unmarshal(ev.Params, &got)
		if got["marker"] != float64(3) {
			t.Fatalf("unexpected event params: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the forwarded cdpEvent")
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(time.Second):
	}
}
