package nettrace

import (
	"strings"
	"testing"

	"github.com/browsermcp/gateway/internal/telemetry"
)

func sampleCompleted() []*telemetry.RequestMeta {
	return []*telemetry.RequestMeta{
		{RequestID: "r1", Method: "GET", URL: "https://api.example.com/v1/cart", URLFull: "https://api.example.com/v1/cart?x=1", Type: "XHR", Status: 200, Ok: true, StartTs: 10},
		{RequestID: "r2", Method: "GET", URL: "https://cdn.example.com/logo.png", URLFull: "https://cdn.example.com/logo.png", Type: "Image", Status: 200, Ok: true, StartTs: 20},
		{RequestID: "r3", Method: "POST", URL: "https://api.example.com/v1/checkout", URLFull: "https://api.example.com/v1/checkout", Type: "Fetch", Status: 500, Ok: false, StartTs: 30},
	}
}

func TestBuildDefaultTypesFilter(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{})
	if len(trace.Items) != 2 {
		t.Fatalf("expected only XHR/Fetch kept by default, got %d", len(trace.Items))
	}
	for _, it := range trace.Items {
		if it.Type == "Image" {
			t.Fatalf("image resource type should be excluded by default")
		}
	}
}

func TestBuildIncludeExcludeSubstrings(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{Include: []string{"checkout"}})
	if len(trace.Items) != 1 || trace.Items[0].RequestID != "r3" {
		t.Fatalf("expected only r3 matched by include filter, got %+v", trace.Items)
	}

	trace2 := Build(sampleCompleted(), Filter{Exclude: []string{"checkout"}})
	for _, it := range trace2.Items {
		if it.RequestID == "r3" {
			t.Fatalf("expected r3 excluded")
		}
	}
}

func TestBuildSinceCursor(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{Since: 25})
	if len(trace.Items) != 1 || trace.Items[0].RequestID != "r3" {
		t.Fatalf("expected only requests after since=25, got %+v", trace.Items)
	}
}

func TestBuildPreviewBounded(t *testing.T) {
	many := make([]*telemetry.RequestMeta, 0, 10)
	for i := 0; i < 10; i++ {
		many = append(many, &telemetry.RequestMeta{RequestID: "x", Type: "XHR", StartTs: int64(i)})
	}
	trace := Build(many, Filter{})
	if len(trace.Preview) != PreviewMaxItems {
		t.Fatalf("expected preview capped at %d, got %d", PreviewMaxItems, len(trace.Preview))
	}
}

func TestAnalyzeMoneyFlagsMismatch(t *testing.T) {
	reqBody := `{"cart":{"subtotal": 100.00, "currency": "USD"}}`
	respBody := `{"payment":{"total": 50.00}}`
	insights := AnalyzeMoney(reqBody, respBody)
	if insights == nil {
		t.Fatalf("expected insights")
	}
	if !insights.Mismatch {
		t.Fatalf("expected mismatch flagged for a 2x ratio, got %+v", insights)
	}
}

func TestAnalyzeMoneyNoMismatchWhenClose(t *testing.T) {
	reqBody := `{"cart":{"subtotal": 100.00}}`
	respBody := `{"payment":{"total": 105.00}}`
	insights := AnalyzeMoney(reqBody, respBody)
	if insights == nil {
		t.Fatalf("expected insights")
	}
	if insights.Mismatch {
		t.Fatalf("expected no mismatch for a close ratio")
	}
}

func TestAnalyzeMoneyNormalizesMinorUnitAmount(t *testing.T) {
	// Cart total is already expressed in major units; the payment endpoint
	// reports the same total in USD cents (minor units) under an "amount"
	// field. Without minor-unit normalization this would look like a 100x
	// mismatch.
	reqBody := `{"cart":{"total": 100.00, "currency": "USD"}}`
	respBody := `{"payment":{"amount": 10000, "currency": "USD"}}`
	insights := AnalyzeMoney(reqBody, respBody)
	if insights == nil {
		t.Fatalf("expected insights")
	}
	if insights.Mismatch {
		t.Fatalf("expected no mismatch once the minor-unit amount is normalized, got %+v", insights)
	}
	if got := insights.PaymentMajor; got != 100.00 {
		t.Fatalf("expected payment amount normalized to 100.00 major units, got %v", got)
	}
}

func TestAnalyzeMoneyZeroDecimalCurrencyUnaffected(t *testing.T) {
	// JPY has no minor unit, so an integer "amount" field should pass
	// through unchanged rather than being divided.
	respBody := `{"payment":{"amount": 5000, "currency": "JPY"}}`
	insights := AnalyzeMoney("", respBody)
	if insights == nil {
		t.Fatalf("expected insights")
	}
	if len(insights.ResponseFindings) != 1 || insights.ResponseFindings[0].Major != 5000 {
		t.Fatalf("expected JPY amount to remain 5000 major units, got %+v", insights.ResponseFindings)
	}
}

func TestAnalyzeMoneyNoBodies(t *testing.T) {
	if AnalyzeMoney("", "") != nil {
		t.Fatalf("expected nil insights for empty bodies")
	}
	if AnalyzeMoney("not json", "") != nil {
		t.Fatalf("expected nil insights for unparseable bodies")
	}
}

func TestBuildArtifactBoundsBodyBytes(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{})
	urlFull := map[string]string{"r1": "https://api.example.com/v1/cart?x=1", "r3": "https://api.example.com/v1/checkout"}

	bigBody := strings.Repeat("a", 200)
	fetch := func(requestID string) (string, string, error) {
		return bigBody, bigBody, nil
	}

	artifact := BuildArtifact(trace, urlFull, Filter{Capture: CaptureAll, MaxBodyBytes: 50, MaxTotalBytes: 80}, fetch)
	if len(artifact.Items) == 0 {
		t.Fatalf("expected items")
	}
	var total int
	for _, it := range artifact.Items {
		total += len(it.RequestBody) + len(it.ResponseBody)
	}
	if total > 80 {
		t.Fatalf("expected total body bytes bounded by MaxTotalBytes=80, got %d", total)
	}
}

func TestBuildArtifactRedactsCapturedBodies(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{})
	urlFull := map[string]string{"r1": "https://api.example.com/v1/cart", "r3": "https://api.example.com/v1/checkout"}

	secretReq := `{"authorization":"Bearer abc123def456ghi789"}`
	secretResp := `{"apiKey": "sk_live_should_not_leak"}`
	fetch := func(requestID string) (string, string, error) {
		return secretReq, secretResp, nil
	}

	artifact := BuildArtifact(trace, urlFull, Filter{Capture: CaptureAll}, fetch)
	if len(artifact.Items) == 0 {
		t.Fatalf("expected items")
	}
	for _, it := range artifact.Items {
		if strings.Contains(it.RequestBody, "abc123def456ghi789") {
			t.Fatalf("expected bearer token redacted from captured request body, got %q", it.RequestBody)
		}
		if !strings.Contains(it.RequestBody, "[REDACTED:bearer-token]") {
			t.Fatalf("expected redaction marker in request body, got %q", it.RequestBody)
		}
	}
}

func TestBuildArtifactMetaCaptureOmitsBodies(t *testing.T) {
	trace := Build(sampleCompleted(), Filter{})
	urlFull := map[string]string{"r1": "https://api.example.com/v1/cart", "r3": "https://api.example.com/v1/checkout"}
	fetchCalled := false
	fetch := func(requestID string) (string, string, error) {
		fetchCalled = true
		return "body", "body", nil
	}
	artifact := BuildArtifact(trace, urlFull, Filter{Capture: CaptureMeta}, fetch)
	for _, it := range artifact.Items {
		if it.RequestBody != "" || it.ResponseBody != "" {
			t.Fatalf("expected no bodies with meta-only capture")
		}
	}
	if fetchCalled {
		t.Fatalf("expected fetch not called for meta-only capture")
	}
}
