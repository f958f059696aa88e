package nettrace

import (
	"encoding/json"
	"math"
	"strings"
)

const maxWalkDepth = 12

// moneyFieldNames are the JSON field names (case-insensitive) the walker
// treats as monetary amounts.
var moneyFieldNames = map[string]bool{
	"amount": true, "price": true, "total": true, "subtotal": true, "tax": true, "vat": true,
}

// MoneyFinding is one numeric monetary field found while walking a body.
type MoneyFinding struct {
	Path   string  `json:"path"`
	Field  string  `json:"field"`
	Value  float64 `json:"value"`
	Major  float64 `json:"major"` // normalized to major currency units
}

// MoneyInsights is the result of walking a request's and response's JSON
// bodies for monetary fields, with a payment-vs-cart mismatch flag.
type MoneyInsights struct {
	Currency        string         `json:"currency,omitempty"`
	RequestFindings []MoneyFinding `json:"requestFindings,omitempty"`
	ResponseFindings []MoneyFinding `json:"responseFindings,omitempty"`
	CartMajor       float64        `json:"cartMajor,omitempty"`
	PaymentMajor    float64        `json:"paymentMajor,omitempty"`
	Mismatch        bool           `json:"mismatch,omitempty"`
}

// minorUnits is a small ISO-4217-like table of currencies whose minor unit
// is not the default 2 decimal places.
var minorUnits = map[string]int{
	"JPY": 0, "KRW": 0, "VND": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "TND": 3,
	"USD": 2, "EUR": 2, "GBP": 2,
}

func minorUnitFor(currency string) int {
	if d, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// toMajor normalizes a captured numeric field into major currency units.
// The heuristic mirrors the original implementation's _money_normalize: a
// bare integer literal under a field path containing "amount" is assumed to
// be expressed in minor units (Stripe-style cents) and is divided by
// 10^minorUnitFor(currency); any other numeric literal (floats, or integers
// outside an "amount" field) is assumed already major and passed through
// unchanged. currency lookup falls back to 2 decimals for unknown codes.
func toMajor(num json.Number, path, currency string) float64 {
	value, err := num.Float64()
	if err != nil {
		return 0
	}
	if isIntegerLiteral(num) && strings.Contains(strings.ToLower(path), "amount") {
		decimals := minorUnitFor(currency)
		return roundTo(value/math.Pow(10, float64(decimals)), 6)
	}
	return value
}

// isIntegerLiteral reports whether num's original JSON text was a bare
// integer (no '.', 'e', or 'E') rather than a float literal, mirroring
// Python's json.loads int/float distinction that the original heuristic
// depends on.
func isIntegerLiteral(num json.Number) bool {
	s := string(num)
	return !strings.ContainsAny(s, ".eE")
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

var currencyFieldNames = map[string]bool{
	"currency": true, "currencycode": true, "currency_code": true,
}

// walkMoney recurses into a decoded JSON value up to maxWalkDepth, calling
// visit for every numeric field whose key matches moneyFieldNames. currency
// tracks the nearest enclosing "currency"-like field (updated per object,
// inherited by nested objects/arrays) so a minor-unit amount is normalized
// against the currency it was actually quoted in rather than a
// document-wide guess.
func walkMoney(v any, path string, depth int, currency string, visit func(field, path, currency string, value json.Number)) {
	if depth > maxWalkDepth {
		return
	}
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if currencyFieldNames[strings.ToLower(k)] {
				if s, ok := child.(string); ok && strings.TrimSpace(s) != "" {
					currency = strings.ToUpper(strings.TrimSpace(s))
				}
			}
		}
		for k, child := range node {
			childPath := path + "." + k
			lower := strings.ToLower(k)
			if moneyFieldNames[lower] {
				if num, ok := child.(json.Number); ok {
					visit(lower, childPath, currency, num)
				}
			}
			walkMoney(child, childPath, depth+1, currency, visit)
		}
	case []any:
		for _, child := range node {
			walkMoney(child, path+"[]", depth+1, currency, visit)
		}
	}
}

// decodeMoneyJSON decodes body with UseNumber so walkMoney can tell an
// integer literal (potential minor-unit amount) from a float literal
// (already major units) apart, the same distinction Python's json.loads
// makes natively.
func decodeMoneyJSON(body string, out any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func extractCurrency(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"currency", "currencyCode", "currency_code"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// AnalyzeMoney walks reqBody and respBody (raw JSON text, possibly empty)
// for monetary fields and flags a payment/cart mismatch when the ratio
// between the two totals is at least 1.20 in either direction.
func AnalyzeMoney(reqBody, respBody string) *MoneyInsights {
	var reqVal, respVal any
	hasReq := reqBody != "" && decodeMoneyJSON(reqBody, &reqVal) == nil
	hasResp := respBody != "" && decodeMoneyJSON(respBody, &respVal) == nil
	if !hasReq && !hasResp {
		return nil
	}

	insights := &MoneyInsights{}
	if c := extractCurrency(reqVal); c != "" {
		insights.Currency = c
	} else if c := extractCurrency(respVal); c != "" {
		insights.Currency = c
	}

	if hasReq {
		walkMoney(reqVal, "$", 0, insights.Currency, func(field, path, currency string, value json.Number) {
			num, _ := value.Float64()
			insights.RequestFindings = append(insights.RequestFindings, MoneyFinding{
				Path: path, Field: field, Value: num, Major: toMajor(value, path, currency),
			})
		})
	}
	if hasResp {
		walkMoney(respVal, "$", 0, insights.Currency, func(field, path, currency string, value json.Number) {
			num, _ := value.Float64()
			insights.ResponseFindings = append(insights.ResponseFindings, MoneyFinding{
				Path: path, Field: field, Value: num, Major: toMajor(value, path, currency),
			})
		})
	}

	insights.CartMajor = maxFieldMajor(insights.RequestFindings, "total", "subtotal", "amount")
	insights.PaymentMajor = maxFieldMajor(insights.ResponseFindings, "total", "amount", "price")

	if insights.CartMajor > 0 && insights.PaymentMajor > 0 {
		ratio := insights.CartMajor / insights.PaymentMajor
		if ratio < 1 {
			ratio = 1 / ratio
		}
		insights.Mismatch = ratio >= 1.20
	}

	if len(insights.RequestFindings) == 0 && len(insights.ResponseFindings) == 0 {
		return nil
	}
	return insights
}

func maxFieldMajor(findings []MoneyFinding, preferredFields ...string) float64 {
	for _, field := range preferredFields {
		for _, f := range findings {
			if f.Field == field {
				return f.Major
			}
		}
	}
	var max float64
	for _, f := range findings {
		if f.Major > max {
			max = f.Major
		}
	}
	return max
}
