package telemetry

import (
	"encoding/json"
	"time"

	"github.com/browsermcp/gateway/internal/redaction"
)

// isXHRLike reports whether a resourceType should get a reqHeaders preview
// and an entry pushed straight into the `network` buffer on start, per the
// ingestion table ("tiny selected preview" is XHR/Fetch-only).
func isXHRLike(resourceType string) bool {
	return resourceType == "XHR" || resourceType == "Fetch"
}

func (t *Tier0Telemetry) ingestRequestWillBeSent(ts int64, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Type      string  `json:"type"`
		Request   struct {
			URL     string            `json:"url"`
			Method  string            `json:"method"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
		Initiator struct {
			Type string `json:"type"`
		} `json:"initiator"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}

	meta := &RequestMeta{
		RequestID:       p.RequestID,
		StartTs:         ts,
		Method:          p.Request.Method,
		URL:             redaction.RedactURL(p.Request.URL),
		URLFull:         p.Request.URL,
		Type:            p.Type,
		Initiator:       p.Initiator.Type,
		cdpStartSeconds: p.Timestamp,
	}
	if isXHRLike(p.Type) {
		meta.ReqHeaders = headerPreview(p.Request.Headers)
		t.network.WriteOne(NetworkEntry{
			Ts:         ts,
			Kind:       "request",
			RequestID:  p.RequestID,
			Method:     p.Request.Method,
			URL:        meta.URL,
			Type:       p.Type,
			ReqHeaders: meta.ReqHeaders,
			Initiator:  meta.Initiator,
		})
	}
	t.inflight.Set(p.RequestID, meta)
}

func (t *Tier0Telemetry) ingestResponseReceived(ts int64, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
		Response  struct {
			Status      int               `json:"status"`
			MimeType    string            `json:"mimeType"`
			Headers     map[string]string `json:"headers"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}
	meta, ok := t.inflight.Get(p.RequestID)
	if !ok {
		return
	}
	meta.Status = p.Response.Status
	meta.MimeType = p.Response.MimeType
	meta.ContentType = p.Response.Headers["content-type"]
	if meta.ContentType == "" {
		meta.ContentType = p.Response.Headers["Content-Type"]
	}
	meta.RespHeaders = headerPreview(p.Response.Headers)

	if p.Response.Status >= 400 {
		t.network.WriteOne(NetworkEntry{
			Ts:          ts,
			Kind:        "error",
			RequestID:   p.RequestID,
			URL:         meta.URL,
			Type:        p.Type,
			Status:      p.Response.Status,
			ContentType: meta.ContentType,
			Message:     "http " + itoa(p.Response.Status),
		})
	}
}

func isKeepWorthy(meta *RequestMeta, durationMs, encodedDataLength int64, failed bool) bool {
	if failed || meta.Status >= 400 {
		return true
	}
	if meta.Type == "Document" {
		return true
	}
	if durationMs >= harLiteSlowMs {
		return true
	}
	if encodedDataLength >= harLiteLargeBytes {
		return true
	}
	return false
}

func (t *Tier0Telemetry) ingestLoadingFinished(ts int64, params json.RawMessage) {
	var p struct {
		RequestID         string  `json:"requestId"`
		Timestamp         float64 `json:"timestamp"`
		EncodedDataLength int64   `json:"encodedDataLength"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}
	meta, ok := t.inflight.Get(p.RequestID)
	if !ok {
		return
	}
	t.inflight.Delete(p.RequestID)

	durationMs := int64(0)
	if meta.cdpStartSeconds > 0 && p.Timestamp >= meta.cdpStartSeconds {
		durationMs = int64((p.Timestamp - meta.cdpStartSeconds) * 1000)
	}

	meta.EndTs = ts
	meta.Ok = meta.Status < 400
	meta.DurationMs = durationMs
	meta.EncodedDataLength = p.EncodedDataLength

	if isKeepWorthy(meta, durationMs, p.EncodedDataLength, false) {
		t.harLite.WriteOne(HarLiteEntry{
			Ts:                ts,
			RequestID:         p.RequestID,
			Method:            meta.Method,
			URL:               meta.URL,
			Type:              meta.Type,
			Status:            meta.Status,
			DurationMs:        durationMs,
			EncodedDataLength: p.EncodedDataLength,
			Ok:                meta.Ok,
		})
	}

	t.completed.Set(p.RequestID, meta)
}

func (t *Tier0Telemetry) ingestLoadingFailed(ts int64, params json.RawMessage) {
	var p struct {
		RequestID string  `json:"requestId"`
		Timestamp float64 `json:"timestamp"`
		Type      string  `json:"type"`
		ErrorText string  `json:"errorText"`
		Canceled  bool    `json:"canceled"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return
	}
	meta, ok := t.inflight.Get(p.RequestID)
	if !ok {
		meta = &RequestMeta{RequestID: p.RequestID, StartTs: ts, Type: p.Type}
	} else {
		t.inflight.Delete(p.RequestID)
	}

	meta.EndTs = ts
	meta.Ok = false

	t.network.WriteOne(NetworkEntry{
		Ts:        ts,
		Kind:      "error",
		RequestID: p.RequestID,
		URL:       meta.URL,
		Type:      p.Type,
		Message:   p.ErrorText,
	})
	t.harLite.WriteOne(HarLiteEntry{
		Ts:        ts,
		RequestID: p.RequestID,
		Method:    meta.Method,
		URL:       meta.URL,
		Type:      p.Type,
		Ok:        false,
		Failure:   p.ErrorText,
	})

	t.completed.Set(p.RequestID, meta)
}

func (t *Tier0Telemetry) ingestDialogOpening(ts int64, params json.RawMessage) {
	var p struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		URL     string `json:"url"`
	}
	_ = json.Unmarshal(params, &p)

	entry := DialogEntry{Ts: ts, Event: "open", Type: p.Type, Message: p.Message, URL: redaction.RedactURL(p.URL)}
	t.dialogOpen = true
	t.dialogLast = &entry
	t.dialogs.WriteOne(entry)

	if t.autoDialogMode != "" && t.autoDialogFn != nil {
		now := time.Now()
		if now.Sub(t.lastAutoDialogAttn) >= dialogAttemptCooldown {
			t.lastAutoDialogAttn = now
			accept := t.autoDialogMode == "accept"
			fn := t.autoDialogFn
			go fn(accept)
		}
	}
}

func (t *Tier0Telemetry) ingestDialogClosed(ts int64) {
	t.dialogOpen = false
	t.dialogs.WriteOne(DialogEntry{Ts: ts, Event: "closed"})
}

func (t *Tier0Telemetry) ingestNavigatedWithinDocument(ts int64, params json.RawMessage) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	t.navigation.WriteOne(NavigationEntry{Ts: ts, URL: redaction.RedactURL(p.URL), Kind: "navigatedWithinDocument"})
}

func (t *Tier0Telemetry) ingestFrameNavigated(ts int64, params json.RawMessage) {
	var p struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.Frame.ParentID != "" {
		return // only the top frame is recorded
	}
	t.navigation.WriteOne(NavigationEntry{Ts: ts, URL: redaction.RedactURL(p.Frame.URL), Kind: "frameNavigated"})
}
