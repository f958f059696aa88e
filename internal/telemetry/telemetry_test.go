package telemetry

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestIngestNetworkLifecycleMovesInflightToCompleted(t *testing.T) {
	tel := New("tab-1")

	tel.Ingest("Network.requestWillBeSent", rawJSON(t, map[string]any{
		"requestId": "r1",
		"timestamp": 1.0,
		"type":      "XHR",
		"request": map[string]any{
			"url":    "https://api.example.com/v1/user?token=secret",
			"method": "GET",
		},
	}))

	if tel.inflight.Len() != 1 {
		t.Fatalf("expected 1 inflight request")
	}

	tel.Ingest("Network.responseReceived", rawJSON(t, map[string]any{
		"requestId": "r1",
		"type":      "XHR",
		"response": map[string]any{
			"status":   200,
			"mimeType": "application/json",
			"headers":  map[string]string{"content-type": "application/json"},
		},
	}))

	tel.Ingest("Network.loadingFinished", rawJSON(t, map[string]any{
		"requestId":         "r1",
		"timestamp":         1.2,
		"encodedDataLength": 123,
	}))

	if tel.inflight.Len() != 0 {
		t.Fatalf("expected inflight empty after loadingFinished")
	}
	meta, ok := tel.completed.Get("r1")
	if !ok {
		t.Fatalf("expected r1 in completed map")
	}
	if meta.URL != "https://api.example.com/v1/user" {
		t.Fatalf("expected redacted url without query, got %q", meta.URL)
	}
	if meta.URLFull != "https://api.example.com/v1/user?token=secret" {
		t.Fatalf("expected urlFull to retain query, got %q", meta.URLFull)
	}
	if meta.ContentType != "application/json" {
		t.Fatalf("expected contentType application/json, got %q", meta.ContentType)
	}
	if !meta.Ok {
		t.Fatalf("expected ok=true for a 200 response")
	}
}

func TestIngestResponseReceived4xxPushesNetworkError(t *testing.T) {
	tel := New("tab-1")
	tel.Ingest("Network.requestWillBeSent", rawJSON(t, map[string]any{
		"requestId": "r1", "timestamp": 1.0, "type": "XHR",
		"request": map[string]any{"url": "https://example.com/api", "method": "POST"},
	}))
	tel.Ingest("Network.responseReceived", rawJSON(t, map[string]any{
		"requestId": "r1", "type": "XHR",
		"response": map[string]any{"status": 404, "mimeType": "text/plain"},
	}))

	snap := tel.Snapshot(SnapshotOptions{})
	if len(snap.Network) != 1 || snap.Network[0].Status != 404 {
		t.Fatalf("expected one network error entry with status 404, got %+v", snap.Network)
	}
	if snap.Summary.FailedRequests != 1 {
		t.Fatalf("expected FailedRequests=1, got %d", snap.Summary.FailedRequests)
	}
}

func TestIngestConsoleKeepsAllWarnErrorButBudgetsInfoDebug(t *testing.T) {
	tel := NewWithCapacity("tab-1", 200, 800)
	for i := 0; i < 50; i++ {
		tel.Ingest("Runtime.consoleAPICalled", rawJSON(t, map[string]any{
			"type": "log",
			"args": []map[string]any{{"type": "string", "value": "info message"}},
		}))
	}
	for i := 0; i < 10; i++ {
		tel.Ingest("Runtime.consoleAPICalled", rawJSON(t, map[string]any{
			"type": "error",
			"args": []map[string]any{{"type": "string", "value": "boom"}},
		}))
	}

	snap := tel.Snapshot(SnapshotOptions{Limit: 1000})
	var errs, others int
	for _, c := range snap.Console {
		if c.Level == "error" {
			errs++
		} else {
			others++
		}
	}
	if errs != 10 {
		t.Fatalf("expected all 10 error entries kept, got %d", errs)
	}
	if others > 20 { // maxEvents/10 == 20
		t.Fatalf("expected info/debug entries capped at maxEvents/10=20, got %d", others)
	}
}

func TestIngestExceptionThrown(t *testing.T) {
	tel := New("tab-1")
	tel.Ingest("Runtime.exceptionThrown", rawJSON(t, map[string]any{
		"exceptionDetails": map[string]any{
			"text": "Uncaught TypeError",
			"url":  "https://example.com/app.js?v=2",
			"exception": map[string]any{
				"description": "TypeError: x is not a function",
			},
		},
	}))
	snap := tel.Snapshot(SnapshotOptions{})
	if len(snap.Errors) != 1 {
		t.Fatalf("expected 1 error entry")
	}
	if snap.Errors[0].Filename != "https://example.com/app.js" {
		t.Fatalf("expected redacted filename, got %q", snap.Errors[0].Filename)
	}
	if snap.Summary.JSErrors != 1 {
		t.Fatalf("expected JSErrors=1")
	}
}

func TestDialogOpenCloseAndAutoDialogRateLimit(t *testing.T) {
	tel := New("tab-1")

	var attempts int64
	done := make(chan struct{}, 10)
	tel.SetAutoDialog("accept", func(accept bool) {
		atomic.AddInt64(&attempts, 1)
		done <- struct{}{}
	})

	tel.Ingest("Page.javascriptDialogOpening", rawJSON(t, map[string]any{
		"type": "alert", "message": "hi", "url": "https://example.com/page?x=1",
	}))
	<-done
	if !tel.DialogOpen() {
		t.Fatalf("expected dialogOpen true")
	}

	// A second dialog within the cooldown window must not trigger another attempt.
	tel.Ingest("Page.javascriptDialogOpening", rawJSON(t, map[string]any{"type": "alert", "message": "hi2"}))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&attempts) != 1 {
		t.Fatalf("expected exactly 1 auto-dialog attempt inside cooldown, got %d", attempts)
	}

	tel.Ingest("Page.javascriptDialogClosed", nil)
	if tel.DialogOpen() {
		t.Fatalf("expected dialogOpen false after close")
	}
}

func TestNavigationTopFrameOnly(t *testing.T) {
	tel := New("tab-1")
	tel.Ingest("Page.frameNavigated", rawJSON(t, map[string]any{
		"frame": map[string]any{"id": "child", "parentId": "root", "url": "https://example.com/iframe"},
	}))
	tel.Ingest("Page.frameNavigated", rawJSON(t, map[string]any{
		"frame": map[string]any{"id": "root", "url": "https://example.com/top"},
	}))

	snap := tel.Snapshot(SnapshotOptions{})
	if len(snap.Navigation) != 1 {
		t.Fatalf("expected only top-frame navigation recorded, got %d", len(snap.Navigation))
	}
	if snap.Navigation[0].URL != "https://example.com/top" {
		t.Fatalf("unexpected navigation url %q", snap.Navigation[0].URL)
	}
}

func TestSnapshotSinceFilter(t *testing.T) {
	tel := New("tab-1")
	tel.Ingest("Page.navigatedWithinDocument", rawJSON(t, map[string]any{"url": "https://example.com/a"}))
	cursorAfterFirst := tel.Snapshot(SnapshotOptions{}).Cursor

	time.Sleep(5 * time.Millisecond)
	tel.Ingest("Page.navigatedWithinDocument", rawJSON(t, map[string]any{"url": "https://example.com/b"}))

	snap := tel.Snapshot(SnapshotOptions{Since: cursorAfterFirst})
	if len(snap.Navigation) != 1 || snap.Navigation[0].URL != "https://example.com/b" {
		t.Fatalf("expected only the second navigation after Since, got %+v", snap.Navigation)
	}
}
