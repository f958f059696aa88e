package nettrace

import (
	"sync"

	"github.com/browsermcp/gateway/internal/redaction"
)

// bodyRedactor is built once, lazily: the regex engine is stateless and
// safe for concurrent use once compiled (see internal/redaction), so every
// BuildArtifact call shares it rather than recompiling patterns per call.
var (
	bodyRedactorOnce sync.Once
	bodyRedactor     *redaction.RedactionEngine
)

func redactBody(body string) string {
	if body == "" {
		return body
	}
	bodyRedactorOnce.Do(func() { bodyRedactor = redaction.NewRedactionEngine("") })
	return bodyRedactor.Redact(body)
}

// BodyFetcher lazily retrieves the request/response body text for one
// completed request (e.g. via CDP Network.getRequestPostData /
// getResponseBody). Returning ("", "", err) is treated as "no body
// available" rather than a hard failure.
type BodyFetcher func(requestID string) (reqBody, respBody string, err error)

// ArtifactItem is the richer, artifact-only copy of a TraceItem: it carries
// the full (unredacted) URL and, when capture requested it, request/response
// bodies and money insights. This shape must never be returned directly to
// a tool caller — only written into the artifact store via
// internal/artifacts and referenced by id.
type ArtifactItem struct {
	TraceItem
	URLFull      string         `json:"urlFull"`
	RequestBody  string         `json:"requestBody,omitempty"`
	ResponseBody string         `json:"responseBody,omitempty"`
	Truncated    bool           `json:"truncated,omitempty"`
	Money        *MoneyInsights `json:"money,omitempty"`
}

// ArtifactTrace is the full (artifact-only) counterpart to Trace.
type ArtifactTrace struct {
	Items []ArtifactItem `json:"items"`
}

func clampBodyBudget(requested int) int {
	if requested <= 0 {
		requested = DefaultMaxBodyBytes
	}
	if requested > HardMaxBodyBytes {
		requested = HardMaxBodyBytes
	}
	return requested
}

// BuildArtifact re-derives items (same filter as Build) but attaches the
// full URL and, when f.Capture requests it, bodies fetched through fetch.
// Total body bytes across the whole trace are capped by f.MaxTotalBytes.
func BuildArtifact(trace Trace, urlFullByID map[string]string, f Filter, fetch BodyFetcher) ArtifactTrace {
	maxBody := clampBodyBudget(f.MaxBodyBytes)
	maxTotal := f.MaxTotalBytes
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalBytes
	}

	var totalBytes int
	items := make([]ArtifactItem, 0, len(trace.Items))
	for _, it := range trace.Items {
		item := ArtifactItem{TraceItem: it, URLFull: urlFullByID[it.RequestID]}

		if f.Capture == "" || f.Capture == CaptureMeta || fetch == nil {
			items = append(items, item)
			continue
		}

		reqBody, respBody, err := fetch(it.RequestID)
		if err != nil {
			items = append(items, item)
			continue
		}

		if f.Capture == CaptureMeta {
			reqBody, respBody = "", ""
		}
		if f.Capture == CaptureBody || f.Capture == CaptureRequest {
			// CaptureRequest: request body only, no response body.
			if f.Capture == CaptureRequest {
				respBody = ""
			} else {
				reqBody = ""
			}
		}

		// Money insights need the pre-redaction bodies (redaction can
		// rewrite the very numeric/currency fields it would be analyzing),
		// so it runs before the bodies are scrubbed for storage.
		item.Money = AnalyzeMoney(reqBody, respBody)

		reqBody, truncR := boundBody(redactBody(reqBody), maxBody, &totalBytes, maxTotal)
		respBody, truncS := boundBody(redactBody(respBody), maxBody, &totalBytes, maxTotal)

		item.RequestBody = reqBody
		item.ResponseBody = respBody
		item.Truncated = truncR || truncS

		items = append(items, item)
	}

	return ArtifactTrace{Items: items}
}

// boundBody truncates body to at most perItemMax bytes and also respects the
// running totalBytes budget shared across the whole trace.
func boundBody(body string, perItemMax int, totalBytes *int, totalMax int) (string, bool) {
	if body == "" {
		return "", false
	}
	truncated := false
	if len(body) > perItemMax {
		body = body[:perItemMax]
		truncated = true
	}
	remaining := totalMax - *totalBytes
	if remaining <= 0 {
		return "", true
	}
	if len(body) > remaining {
		body = body[:remaining]
		truncated = true
	}
	*totalBytes += len(body)
	return body, truncated
}
