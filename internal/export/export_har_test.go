package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/browsermcp/gateway/internal/telemetry"
)

func sampleRequest() *telemetry.RequestMeta {
	return &telemetry.RequestMeta{
		RequestID:         "req-1",
		StartTs:           1_700_000_000_000,
		Method:            "GET",
		URL:               "example.com/api?x=1",
		URLFull:           "https://example.com/api?x=1",
		Type:              "Fetch",
		ReqHeaders:        map[string]any{"Accept": "application/json"},
		Status:            200,
		MimeType:          "application/json",
		ContentType:       "application/json",
		RespHeaders:       map[string]any{"Content-Type": "application/json"},
		Ok:                true,
		DurationMs:        42,
		EncodedDataLength: 128,
	}
}

func TestExportHARBasicEntry(t *testing.T) {
	harLog := ExportHAR([]*telemetry.RequestMeta{sampleRequest()}, Filter{}, Bodies{}, "1.0.0")

	if harLog.Log.Version != "1.2" {
		t.Fatalf("version = %q, want 1.2", harLog.Log.Version)
	}
	if len(harLog.Log.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(harLog.Log.Entries))
	}

	entry := harLog.Log.Entries[0]
	if entry.Request.Method != "GET" || entry.Request.URL != "https://example.com/api?x=1" {
		t.Fatalf("unexpected request: %+v", entry.Request)
	}
	if entry.Response.Status != 200 {
		t.Fatalf("status = %d, want 200", entry.Response.Status)
	}
	if len(entry.Request.QueryString) != 1 || entry.Request.QueryString[0].Name != "x" {
		t.Fatalf("query string = %+v", entry.Request.QueryString)
	}
}

func TestExportHARFiltersByMethodAndStatus(t *testing.T) {
	post := sampleRequest()
	post.RequestID = "req-2"
	post.Method = "POST"
	post.Status = 500

	harLog := ExportHAR([]*telemetry.RequestMeta{sampleRequest(), post}, Filter{Method: "POST"}, Bodies{}, "1.0.0")
	if len(harLog.Log.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(harLog.Log.Entries))
	}
	if harLog.Log.Entries[0].Response.Status != 500 {
		t.Fatalf("status = %d, want 500", harLog.Log.Entries[0].Response.Status)
	}

	harLog = ExportHAR([]*telemetry.RequestMeta{sampleRequest(), post}, Filter{StatusMin: 500}, Bodies{}, "1.0.0")
	if len(harLog.Log.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(harLog.Log.Entries))
	}
}

func TestExportHARAttachesCapturedBodies(t *testing.T) {
	meta := sampleRequest()
	bodies := Bodies{
		Request:  map[string]string{"req-1": `{"q":1}`},
		Response: map[string]string{"req-1": `{"ok":true}`},
	}

	harLog := ExportHAR([]*telemetry.RequestMeta{meta}, Filter{}, bodies, "1.0.0")
	entry := harLog.Log.Entries[0]
	if entry.Request.PostData == nil || entry.Request.PostData.Text != `{"q":1}` {
		t.Fatalf("request body not attached: %+v", entry.Request.PostData)
	}
	if entry.Response.Content.Text != `{"ok":true}` {
		t.Fatalf("response body not attached: %+v", entry.Response.Content)
	}
}

func TestExportHARToFileWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.har")

	result, err := ExportHARToFile([]*telemetry.RequestMeta{sampleRequest()}, Filter{}, Bodies{}, "1.0.0", path)
	if err != nil {
		t.Fatalf("ExportHARToFile: %v", err)
	}
	if result.EntriesCount != 1 {
		t.Fatalf("EntriesCount = %d, want 1", result.EntriesCount)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var roundTrip HARLog
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(roundTrip.Log.Entries) != 1 {
		t.Fatalf("round-tripped entries = %d, want 1", len(roundTrip.Log.Entries))
	}
}

func TestExportHARToFileRejectsUnsafePath(t *testing.T) {
	if _, err := ExportHARToFile(nil, Filter{}, Bodies{}, "1.0.0", "../evil.har"); err == nil {
		t.Fatal("expected error for path traversal")
	}
}
