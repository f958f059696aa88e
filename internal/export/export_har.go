// export_har.go — HAR 1.2 export from a tab's Tier-0 completed-request
// table. Converts telemetry.RequestMeta entries to HTTP Archive format for
// import into browser DevTools, Charles Proxy, and other HAR consumers.
//
// JSON CONVENTION: All fields MUST use snake_case except where tagged
// SPEC:HAR — HAR 1.2 fields use camelCase per
// http://www.softwareishard.com/blog/har-12-spec/
package export

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/browsermcp/gateway/internal/telemetry"
)

// ============================================
// HAR 1.2 Types
// ============================================

// HARLog is the top-level HAR structure.
type HARLog struct {
	Log HARLogInner `json:"log"` // SPEC:HAR
}

// HARLogInner contains the HAR version, creator, and entries.
type HARLogInner struct {
	Version string     `json:"version"` // SPEC:HAR
	Creator HARCreator `json:"creator"` // SPEC:HAR
	Entries []HAREntry `json:"entries"` // SPEC:HAR
}

// HARCreator identifies the tool that generated the HAR.
type HARCreator struct {
	Name    string `json:"name"`    // SPEC:HAR
	Version string `json:"version"` // SPEC:HAR
}

// HAREntry represents a single HTTP request/response pair.
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime"` // SPEC:HAR
	Time            int         `json:"time"`            // SPEC:HAR — total elapsed time in ms
	Request         HARRequest  `json:"request"`         // SPEC:HAR
	Response        HARResponse `json:"response"`        // SPEC:HAR
	Timings         HARTimings  `json:"timings"`         // SPEC:HAR
	Comment         string      `json:"comment,omitempty"` // SPEC:HAR
}

// HARRequest represents an HTTP request.
type HARRequest struct {
	Method      string         `json:"method"`             // SPEC:HAR
	URL         string         `json:"url"`                // SPEC:HAR
	HTTPVersion string         `json:"httpVersion"`        // SPEC:HAR
	Headers     []HARNameValue `json:"headers"`            // SPEC:HAR
	QueryString []HARNameValue `json:"queryString"`        // SPEC:HAR
	PostData    *HARPostData   `json:"postData,omitempty"` // SPEC:HAR
	HeadersSize int            `json:"headersSize"`        // SPEC:HAR
	BodySize    int            `json:"bodySize"`           // SPEC:HAR
	Comment     string         `json:"comment,omitempty"`  // SPEC:HAR
}

// HARResponse represents an HTTP response.
type HARResponse struct {
	Status      int            `json:"status"`             // SPEC:HAR
	StatusText  string         `json:"statusText"`         // SPEC:HAR
	HTTPVersion string         `json:"httpVersion"`        // SPEC:HAR
	Headers     []HARNameValue `json:"headers"`            // SPEC:HAR
	Content     HARContent     `json:"content"`            // SPEC:HAR
	HeadersSize int            `json:"headersSize"`        // SPEC:HAR
	BodySize    int            `json:"bodySize"`           // SPEC:HAR
	Comment     string         `json:"comment,omitempty"`  // SPEC:HAR
}

// HARContent represents response body content.
type HARContent struct {
	Size     int    `json:"size"`           // SPEC:HAR
	MimeType string `json:"mimeType"`       // SPEC:HAR
	Text     string `json:"text,omitempty"` // SPEC:HAR
}

// HARTimings contains the timing breakdown for one request. Tier-0 only
// tracks start/end, so send and receive are always unknown (-1 per spec)
// and the whole duration is attributed to wait.
type HARTimings struct {
	Send    int `json:"send"`    // SPEC:HAR
	Wait    int `json:"wait"`    // SPEC:HAR
	Receive int `json:"receive"` // SPEC:HAR
}

// HARNameValue is a generic name/value pair for headers, query params, etc.
type HARNameValue struct {
	Name  string `json:"name"`  // SPEC:HAR
	Value string `json:"value"` // SPEC:HAR
}

// HARPostData represents request body data.
type HARPostData struct {
	MimeType string `json:"mimeType"` // SPEC:HAR
	Text     string `json:"text"`     // SPEC:HAR
}

// HARExportResult is the response when saving HAR to a file.
type HARExportResult struct {
	SavedTo       string `json:"saved_to"`
	EntriesCount  int    `json:"entries_count"`
	FileSizeBytes int64  `json:"file_size_bytes"`
}

// Filter narrows which completed requests are serialized into a HAR log.
type Filter struct {
	URLFilter string
	Method    string
	StatusMin int
	StatusMax int
}

// Bodies optionally supplies the captured request/response bodies for a
// requestId, keyed the same way nettrace's body-capture path is — HAR
// export is a richer, artifact-only sibling of net_trace and reuses its
// capture plumbing rather than re-fetching bodies itself.
type Bodies struct {
	Request  map[string]string
	Response map[string]string
}

// ============================================
// Export Functions
// ============================================

// ExportHAR converts a tab's completed Tier-0 requests to a HAR 1.2 log,
// applying filter. Entries are returned in chronological order (oldest
// first), matching the order completed requests are recorded in.
func ExportHAR(completed []*telemetry.RequestMeta, filter Filter, bodies Bodies, creatorVersion string) HARLog {
	entries := make([]HAREntry, 0, len(completed))
	for _, meta := range completed {
		if !matchesHARFilter(meta, filter) {
			continue
		}
		entries = append(entries, requestMetaToHAREntry(meta, bodies))
	}

	return HARLog{
		Log: HARLogInner{
			Version: "1.2",
			Creator: HARCreator{Name: "browser-mcp", Version: creatorVersion},
			Entries: entries,
		},
	}
}

// ExportHARToFile exports HAR to a JSON file on disk.
func ExportHARToFile(completed []*telemetry.RequestMeta, filter Filter, bodies Bodies, creatorVersion string, path string) (HARExportResult, error) {
	if !isPathSafe(path) {
		return HARExportResult{}, fmt.Errorf("unsafe path: %s", path)
	}

	harLog := ExportHAR(completed, filter, bodies, creatorVersion)
	data, err := json.MarshalIndent(harLog, "", "  ")
	if err != nil {
		return HARExportResult{}, fmt.Errorf("failed to marshal HAR: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return HARExportResult{}, fmt.Errorf("failed to write file: %w", err)
	}

	return HARExportResult{
		SavedTo:       path,
		EntriesCount:  len(harLog.Log.Entries),
		FileSizeBytes: int64(len(data)),
	}, nil
}

// ============================================
// Conversion
// ============================================

func requestMetaToHAREntry(meta *telemetry.RequestMeta, bodies Bodies) HAREntry {
	return HAREntry{
		StartedDateTime: unixMsToRFC3339(meta.StartTs),
		Time:            int(meta.DurationMs),
		Request:         buildHARRequest(meta, bodies),
		Response:        buildHARResponse(meta, bodies),
		Timings: HARTimings{
			Send:    -1,
			Wait:    int(meta.DurationMs),
			Receive: -1,
		},
	}
}

func buildHARRequest(meta *telemetry.RequestMeta, bodies Bodies) HARRequest {
	req := HARRequest{
		Method:      meta.Method,
		URL:         meta.URLFull,
		HTTPVersion: "HTTP/1.1",
		Headers:     headerNameValues(meta.ReqHeaders),
		QueryString: parseQueryString(meta.URLFull),
		HeadersSize: -1,
		BodySize:    0,
	}

	if reqBody, ok := bodies.Request[meta.RequestID]; ok && reqBody != "" {
		req.PostData = &HARPostData{MimeType: meta.ContentType, Text: reqBody}
		req.BodySize = len(reqBody)
	}
	return req
}

func buildHARResponse(meta *telemetry.RequestMeta, bodies Bodies) HARResponse {
	respBody := bodies.Response[meta.RequestID]
	return HARResponse{
		Status:      meta.Status,
		StatusText:  httpStatusText(meta.Status),
		HTTPVersion: "HTTP/1.1",
		Headers:     headerNameValues(meta.RespHeaders),
		Content: HARContent{
			Size:     len(respBody),
			MimeType: meta.ContentType,
			Text:     respBody,
		},
		HeadersSize: -1,
		BodySize:    int(meta.EncodedDataLength),
	}
}

func headerNameValues(headers map[string]any) []HARNameValue {
	out := make([]HARNameValue, 0, len(headers))
	for name, v := range headers {
		out = append(out, HARNameValue{Name: name, Value: fmt.Sprintf("%v", v)})
	}
	return out
}

// ============================================
// Helpers
// ============================================

func unixMsToRFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// parseQueryString extracts query parameters from a URL as name/value pairs.
func parseQueryString(rawURL string) []HARNameValue {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return make([]HARNameValue, 0)
	}
	params := parsed.Query()
	if len(params) == 0 {
		return make([]HARNameValue, 0)
	}
	result := make([]HARNameValue, 0, len(params))
	for name, values := range params {
		for _, val := range values {
			result = append(result, HARNameValue{Name: name, Value: val})
		}
	}
	return result
}

// httpStatusText returns the standard text for an HTTP status code.
func httpStatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return ""
	}
}

// isPathSafe rejects path traversal and absolute paths outside temp directories.
func isPathSafe(path string) bool {
	if strings.Contains(path, "..") {
		return false
	}
	if filepath.IsAbs(path) {
		tmpDir := os.TempDir()
		return strings.HasPrefix(path, "/tmp/") ||
			strings.HasPrefix(path, "/private/tmp/") ||
			strings.HasPrefix(path, tmpDir+"/")
	}
	return true
}

// matchesHARFilter checks if a completed request passes the filter criteria.
func matchesHARFilter(meta *telemetry.RequestMeta, filter Filter) bool {
	if filter.URLFilter != "" && !strings.Contains(strings.ToLower(meta.URLFull), strings.ToLower(filter.URLFilter)) {
		return false
	}
	if filter.Method != "" && !strings.EqualFold(meta.Method, filter.Method) {
		return false
	}
	if filter.StatusMin > 0 && meta.Status < filter.StatusMin {
		return false
	}
	if filter.StatusMax > 0 && meta.Status > filter.StatusMax {
		return false
	}
	return true
}
