// Package nettrace builds bounded, filtered network request traces from a
// tab's Tier-0 completed-request table, with opt-in body capture and a
// "money insights" extractor for JSON request/response bodies.
//
// Grounded on original_source/mcp_servers/browser/net_trace.py.
package nettrace

import (
	"strings"

	"github.com/browsermcp/gateway/internal/telemetry"
)

// Capture controls how much body content a TraceItem carries.
type Capture string

const (
	CaptureMeta    Capture = "meta"
	CaptureRequest Capture = "request"
	CaptureBody    Capture = "body"
	CaptureAll     Capture = "all"
)

const (
	DefaultMaxBodyBytes  = 80 * 1024
	HardMaxBodyBytes     = 2 * 1024 * 1024
	DefaultMaxTotalBytes = 600 * 1024
	PreviewMaxItems      = 3
	PreviewMaxChars      = 1800
)

var defaultTypes = map[string]bool{"XHR": true, "Fetch": true}

// Filter selects which completed requests end up in the trace.
type Filter struct {
	Include []string // substrings; url must contain at least one if non-empty
	Exclude []string // substrings; url must contain none
	Types   []string // resource types; defaults to {XHR, Fetch} when empty
	Since   int64    // only requests with StartTs > Since
	Capture Capture
	MaxBodyBytes  int
	MaxTotalBytes int
}

// TraceItem is one request/response pair in a trace, with the *redacted*
// URL and small-cardinality metadata only. Bodies (when captured) and the
// full URL live only on the artifact copy built by BuildArtifact.
type TraceItem struct {
	RequestID   string `json:"requestId"`
	Method      string `json:"method,omitempty"`
	URL         string `json:"url"`
	Type        string `json:"type,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Ok          bool   `json:"ok"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	StartTs     int64  `json:"startTs"`
}

// Trace is the bounded result of Build.
type Trace struct {
	Items   []TraceItem `json:"items"`
	Preview []TraceItem `json:"preview"`
}

func resourceTypeAllowed(f Filter, rtype string) bool {
	if len(f.Types) == 0 {
		return defaultTypes[rtype]
	}
	for _, t := range f.Types {
		if t == rtype {
			return true
		}
	}
	return false
}

func matchesSubstrings(url string, include, exclude []string) bool {
	if len(include) > 0 {
		matched := false
		for _, s := range include {
			if strings.Contains(url, s) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, s := range exclude {
		if strings.Contains(url, s) {
			return false
		}
	}
	return true
}

// Build filters a tab's completed requests per f and returns a bounded
// trace plus a small preview for immediate decision-making.
func Build(completed []*telemetry.RequestMeta, f Filter) Trace {
	items := make([]TraceItem, 0, len(completed))
	for _, meta := range completed {
		if meta.StartTs <= f.Since {
			continue
		}
		if !resourceTypeAllowed(f, meta.Type) {
			continue
		}
		if !matchesSubstrings(meta.URLFull, f.Include, f.Exclude) {
			continue
		}
		items = append(items, TraceItem{
			RequestID:   meta.RequestID,
			Method:      meta.Method,
			URL:         meta.URL,
			Type:        meta.Type,
			Status:      meta.Status,
			ContentType: meta.ContentType,
			Ok:          meta.Ok,
			DurationMs:  meta.DurationMs,
			StartTs:     meta.StartTs,
		})
	}

	preview := items
	if len(preview) > PreviewMaxItems {
		preview = preview[len(preview)-PreviewMaxItems:]
	}
	return Trace{Items: items, Preview: preview}
}
