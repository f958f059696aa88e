// Package telemetry implements the Tier-0 telemetry buffers: server-side CDP
// event capture into bounded per-tab ring buffers, with request correlation
// and delta-cursor snapshots. No in-page code runs for this tier — see
// package diagnostics (Tier-1) for in-page instrumentation.
//
// Grounded on original_source/mcp_servers/browser/telemetry.py and
// session_tier0.py.
package telemetry

// ConsoleEntry is one Runtime.consoleAPICalled observation.
type ConsoleEntry struct {
	Ts       int64    `json:"ts"`
	Level    string   `json:"level"`
	Args     []string `json:"args"`
	StackTop string   `json:"stackTop,omitempty"`
}

// ErrorEntry is one Runtime.exceptionThrown observation.
type ErrorEntry struct {
	Ts       int64  `json:"ts"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	StackTop string `json:"stackTop,omitempty"`
}

// NetworkEntry is a notable network occurrence pushed into the `network`
// buffer: either a request that just started (for XHR/Fetch types) or a
// failure (status >= 400, or a loadingFailed).
type NetworkEntry struct {
	Ts          int64          `json:"ts"`
	Kind        string         `json:"kind"` // "request" | "error"
	RequestID   string         `json:"requestId"`
	Method      string         `json:"method,omitempty"`
	URL         string         `json:"url"`
	Type        string         `json:"type,omitempty"`
	ReqHeaders  map[string]any `json:"reqHeaders,omitempty"`
	Initiator   string         `json:"initiator,omitempty"`
	Status      int            `json:"status,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// HarLiteEntry is a reduced HAR-style record kept only for "keep-worthy"
// completed requests (failure, primary resource, slow, or large).
type HarLiteEntry struct {
	Ts                int64  `json:"ts"`
	RequestID         string `json:"requestId"`
	Method            string `json:"method,omitempty"`
	URL               string `json:"url"`
	Type              string `json:"type,omitempty"`
	Status            int    `json:"status,omitempty"`
	DurationMs        int64  `json:"durationMs"`
	EncodedDataLength int64  `json:"encodedDataLength"`
	Ok                bool   `json:"ok"`
	Failure           string `json:"failure,omitempty"`
}

// DialogEntry records a javascript dialog opening or closing.
type DialogEntry struct {
	Ts      int64  `json:"ts"`
	Event   string `json:"event"` // "open" | "closed"
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

// NavigationEntry records a top-frame navigation.
type NavigationEntry struct {
	Ts   int64  `json:"ts"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// RequestMeta is the correlation record tracked for every request, first in
// the inflight map and then (once finished or failed) in the completed map.
type RequestMeta struct {
	RequestID string `json:"requestId"`

	StartTs    int64          `json:"startTs"`
	Method     string         `json:"method,omitempty"`
	URL        string         `json:"url"`
	URLFull    string         `json:"urlFull"`
	Type       string         `json:"type,omitempty"`
	ReqHeaders map[string]any `json:"reqHeaders,omitempty"`
	Initiator  string         `json:"initiator,omitempty"`

	Status      int            `json:"status,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	RespHeaders map[string]any `json:"respHeaders,omitempty"`

	EndTs             int64 `json:"endTs,omitempty"`
	Ok                bool  `json:"ok"`
	DurationMs        int64 `json:"durationMs,omitempty"`
	EncodedDataLength int64 `json:"encodedDataLength,omitempty"`

	cdpStartSeconds float64 // raw CDP monotonic timestamp, for duration math only
}

// Summary is the small rollup attached to every snapshot.
type Summary struct {
	ConsoleErrors   int    `json:"consoleErrors"`
	ConsoleWarnings int    `json:"consoleWarnings"`
	JSErrors        int    `json:"jsErrors"`
	FailedRequests  int    `json:"failedRequests"`
	LastError       string `json:"lastError,omitempty"`
}

// Snapshot is the bounded object returned by Tier0Telemetry.Snapshot.
type Snapshot struct {
	Console    []ConsoleEntry    `json:"console"`
	Errors     []ErrorEntry      `json:"errors"`
	Network    []NetworkEntry    `json:"network"`
	HarLite    []HarLiteEntry    `json:"harLite"`
	Dialogs    []DialogEntry     `json:"dialogs"`
	Navigation []NavigationEntry `json:"navigation"`
	Summary    Summary           `json:"summary"`
	DialogOpen bool              `json:"dialogOpen"`
	Cursor     int64             `json:"cursor"`
}
