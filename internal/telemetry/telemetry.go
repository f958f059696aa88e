package telemetry

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/browsermcp/gateway/internal/buffers"
	"github.com/browsermcp/gateway/internal/redaction"
)

const (
	// DefaultMaxEvents bounds each of the six ring buffers.
	DefaultMaxEvents = 200
	// DefaultMaxRequestMap bounds the inflight and completed request maps.
	DefaultMaxRequestMap = 800

	harLiteSlowMs        = 300
	harLiteLargeBytes    = 20 * 1024
	dialogAttemptCooldown = 500 * time.Millisecond
)

// AutoDialogFunc is invoked when a dialog opens and an auto-dialog mode is
// active for this tab; the session manager supplies the closure that
// actually opens a short-lived connection and sends
// Page.handleJavaScriptDialog. Telemetry itself knows nothing about CDP
// connections — it only rate-limits and fires the callback.
type AutoDialogFunc func(accept bool)

// Tier0Telemetry holds all per-tab Tier-0 state: six bounded ring buffers,
// the dialog flag, and the inflight/completed request correlation maps.
// Safe for concurrent use.
type Tier0Telemetry struct {
	mu sync.Mutex

	tabID string

	console    *buffers.RingBuffer[ConsoleEntry]
	errorsBuf  *buffers.RingBuffer[ErrorEntry]
	network    *buffers.RingBuffer[NetworkEntry]
	harLite    *buffers.RingBuffer[HarLiteEntry]
	dialogs    *buffers.RingBuffer[DialogEntry]
	navigation *buffers.RingBuffer[NavigationEntry]

	inflight  *buffers.RequestMap[string, *RequestMeta]
	completed *buffers.RequestMap[string, *RequestMeta]

	dialogOpen        bool
	dialogLast        *DialogEntry
	cursor            int64
	consoleLowPrioCnt int
	maxEvents         int

	autoDialogMode     string // "" | "accept" | "dismiss"
	autoDialogFn       AutoDialogFunc
	lastAutoDialogAttn time.Time
}

// New constructs a Tier0Telemetry for one tab with the spec's default
// capacities.
func New(tabID string) *Tier0Telemetry {
	return NewWithCapacity(tabID, DefaultMaxEvents, DefaultMaxRequestMap)
}

// NewWithCapacity constructs a Tier0Telemetry with explicit capacities
// (tests use small values to exercise eviction without generating
// thousands of events).
func NewWithCapacity(tabID string, maxEvents, maxRequestMap int) *Tier0Telemetry {
	return &Tier0Telemetry{
		tabID:      tabID,
		console:    buffers.NewRingBuffer[ConsoleEntry](maxEvents),
		errorsBuf:  buffers.NewRingBuffer[ErrorEntry](maxEvents),
		network:    buffers.NewRingBuffer[NetworkEntry](maxEvents),
		harLite:    buffers.NewRingBuffer[HarLiteEntry](maxEvents),
		dialogs:    buffers.NewRingBuffer[DialogEntry](maxEvents),
		navigation: buffers.NewRingBuffer[NavigationEntry](maxEvents),
		inflight:   buffers.NewRequestMap[string, *RequestMeta](maxRequestMap),
		completed:  buffers.NewRequestMap[string, *RequestMeta](maxRequestMap),
		maxEvents:  maxEvents,
	}
}

// SetAutoDialog arms (mode="accept"/"dismiss") or disarms (mode="") the
// auto-dialog coupling. fn is called at most once per dialogAttemptCooldown
// per tab.
func (t *Tier0Telemetry) SetAutoDialog(mode string, fn AutoDialogFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoDialogMode = mode
	t.autoDialogFn = fn
}

// DialogOpen reports whether a javascript dialog is currently believed open
// for this tab.
func (t *Tier0Telemetry) DialogOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialogOpen
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (t *Tier0Telemetry) bumpCursor(ts int64) {
	if ts > t.cursor {
		t.cursor = ts
	}
}

// Ingest dispatches one raw CDP event ({method, params}) by method name per
// the Tier-0 ingestion table. Unknown methods are ignored. Ingest never
// returns an error: a malformed params payload is dropped rather than
// propagated, since telemetry failures must never reach tool callers.
func (t *Tier0Telemetry) Ingest(method string, params json.RawMessage) {
	ts := nowMs()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bumpCursor(ts)

	switch method {
	case "Runtime.consoleAPICalled":
		t.ingestConsole(ts, params)
	case "Runtime.exceptionThrown":
		t.ingestException(ts, params)
	case "Network.requestWillBeSent":
		t.ingestRequestWillBeSent(ts, params)
	case "Network.responseReceived":
		t.ingestResponseReceived(ts, params)
	case "Network.loadingFinished":
		t.ingestLoadingFinished(ts, params)
	case "Network.loadingFailed":
		t.ingestLoadingFailed(ts, params)
	case "Page.javascriptDialogOpening":
		t.ingestDialogOpening(ts, params)
	case "Page.javascriptDialogClosed":
		t.ingestDialogClosed(ts)
	case "Page.navigatedWithinDocument":
		t.ingestNavigatedWithinDocument(ts, params)
	case "Page.frameNavigated":
		t.ingestFrameNavigated(ts, params)
	}
}

func consoleLevel(rawType string) string {
	switch rawType {
	case "warning":
		return "warn"
	case "error", "assert":
		return "error"
	case "debug":
		return "debug"
	case "info":
		return "info"
	default:
		return "log"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (t *Tier0Telemetry) ingestConsole(ts int64, params json.RawMessage) {
	var p struct {
		Type string `json:"type"`
		Args []struct {
			Type        string `json:"type"`
			Value       any    `json:"value"`
			Description string `json:"description"`
		} `json:"args"`
		StackTrace *struct {
			CallFrames []struct {
				URL          string `json:"url"`
				FunctionName string `json:"functionName"`
				LineNumber   int    `json:"lineNumber"`
			} `json:"callFrames"`
		} `json:"stackTrace"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	level := consoleLevel(p.Type)
	keep := level == "warn" || level == "error"
	if !keep {
		budget := t.maxEvents / 10
		if t.consoleLowPrioCnt >= budget {
			return
		}
		t.consoleLowPrioCnt++
	}

	args := make([]string, 0, len(p.Args))
	for _, a := range p.Args {
		var s string
		switch {
		case a.Description != "":
			s = a.Description
		case a.Value != nil:
			if b, err := json.Marshal(a.Value); err == nil {
				s = string(b)
			}
		default:
			s = a.Type
		}
		args = append(args, truncate(s, 500))
	}

	stackTop := ""
	if p.StackTrace != nil && len(p.StackTrace.CallFrames) > 0 {
		f := p.StackTrace.CallFrames[0]
		stackTop = f.FunctionName + "@" + redaction.RedactURL(f.URL) + ":" + itoa(f.LineNumber)
	}

	t.console.WriteOne(ConsoleEntry{Ts: ts, Level: level, Args: args, StackTop: stackTop})
}

func (t *Tier0Telemetry) ingestException(ts int64, params json.RawMessage) {
	var p struct {
		ExceptionDetails struct {
			Text      string `json:"text"`
			URL       string `json:"url"`
			LineNumber int   `json:"lineNumber"`
			ColumnNumber int `json:"columnNumber"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
			StackTrace *struct {
				CallFrames []struct {
					FunctionName string `json:"functionName"`
					URL          string `json:"url"`
					LineNumber   int    `json:"lineNumber"`
				} `json:"callFrames"`
			} `json:"stackTrace"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	d := p.ExceptionDetails
	message := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		message = d.Exception.Description
	}
	stackTop := ""
	if d.StackTrace != nil && len(d.StackTrace.CallFrames) > 0 {
		f := d.StackTrace.CallFrames[0]
		stackTop = f.FunctionName + "@" + redaction.RedactURL(f.URL) + ":" + itoa(f.LineNumber)
	}
	t.errorsBuf.WriteOne(ErrorEntry{
		Ts:       ts,
		Type:     "error",
		Message:  truncate(message, 2000),
		Filename: redaction.RedactURL(d.URL),
		Lineno:   d.LineNumber,
		Colno:    d.ColumnNumber,
		StackTop: stackTop,
	})
}

// headerPreview keeps only a small, non-exhaustive selection of headers
// (the ones useful for diagnosing a request at a glance) rather than
// storing every header verbatim.
var headerPreviewKeys = []string{
	"content-type", "accept", "authorization", "cookie", "x-requested-with", "referer", "origin",
}

func headerPreview(headers map[string]string) map[string]any {
	if len(headers) == 0 {
		return nil
	}
	selected := make(map[string]string)
	for k, v := range headers {
		lower := strings.ToLower(k)
		for _, want := range headerPreviewKeys {
			if lower == want {
				selected[k] = v
				break
			}
		}
	}
	if len(selected) == 0 {
		return nil
	}
	return redaction.RedactHeaders(selected)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
