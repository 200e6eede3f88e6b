package otlp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/courierlabs/otlp-courier/internal/envelope"
)

func testEncoder(t *testing.T, cfg Config) *Encoder {
	t.Helper()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "checkout-svc"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "1.2.3"
	}
	enc, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return enc
}

// decode parses an encoded document body into a generic tree, which
// also proves the hand-built JSON is well-formed.
func decode(t *testing.T, doc *Document) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		t.Fatalf("document is not valid JSON: %v\n%s", err, doc.Body)
	}
	return out
}

func spanEnv() *envelope.Envelope {
	return &envelope.Envelope{
		Kind:          envelope.KindSpan,
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:        "00f067aa0ba902b7",
		OperationName: "GET /orders",
		StartTime:     "2024-01-01T00:00:00.000Z",
		EndTime:       "2024-01-01T00:00:01.000Z",
		Status:        "OK",
		Attributes:    map[string]interface{}{"http.method": "GET"},
	}
}

func TestEncodeSpan(t *testing.T) {
	enc := testEncoder(t, Config{TenantID: "acme", TenantName: "Acme Corp"})
	doc, err := enc.EncodeSpan(spanEnv())
	if err != nil {
		t.Fatalf("EncodeSpan() error = %v", err)
	}
	if doc.Path != PathTraces {
		t.Errorf("Path = %q, want %q", doc.Path, PathTraces)
	}

	body := string(doc.Body)
	for _, want := range []string{
		`"traceId":"4bf92f3577b34da6a3ce929d0e0e4736"`,
		`"spanId":"00f067aa0ba902b7"`,
		`"name":"GET /orders"`,
		`"kind":1`,
		`"startTimeUnixNano":"1704067200000000000"`,
		`"endTimeUnixNano":"1704067201000000000"`,
		`"status":{"code":1}`,
		`"service.name"`,
		`"tenant.id"`,
		`"tenant.name"`,
		`"telemetry.sdk.language"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("document missing %s:\n%s", want, body)
		}
	}
	decode(t, doc)
}

func TestEncodeSpanErrorStatusCarriesMessage(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := spanEnv()
	env.Status = "ERROR"
	doc, err := enc.EncodeSpan(env)
	if err != nil {
		t.Fatalf("EncodeSpan() error = %v", err)
	}
	if !strings.Contains(string(doc.Body), `"status":{"code":2,"message":`) {
		t.Errorf("ERROR status missing message: %s", doc.Body)
	}

	// Any other status is UNSET with no message.
	env.Status = "CANCELLED"
	doc, _ = enc.EncodeSpan(env)
	if !strings.Contains(string(doc.Body), `"status":{"code":0}`) {
		t.Errorf("non-OK/ERROR status should be code 0: %s", doc.Body)
	}
}

func TestEncodeSpanEvents(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := spanEnv()
	env.Events = []envelope.Event{
		{Name: "cache.miss", Time: "2024-01-01T00:00:00.250Z", Attributes: map[string]interface{}{"cache.key": "user:42"}},
		{Name: "retry", Time: "2024-01-01T00:00:00.500Z"},
	}
	doc, err := enc.EncodeSpan(env)
	if err != nil {
		t.Fatalf("EncodeSpan() error = %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, `"name":"cache.miss","timeUnixNano":"1704067200250000000"`) {
		t.Errorf("first event not encoded: %s", body)
	}
	if !strings.Contains(body, `"name":"retry"`) {
		t.Errorf("second event not encoded: %s", body)
	}
	decode(t, doc)
}

func TestEncodeMetricBusinessVsTraced(t *testing.T) {
	enc := testEncoder(t, Config{TenantID: "acme"})

	// Scenario B, part one: no trace context means business category
	// and no trace.id/span.id attribute.
	env := &envelope.Envelope{
		Kind:      envelope.KindMetric,
		Name:      "orders_placed_total",
		Value:     5,
		Timestamp: "2024-01-01T00:00:00.000Z",
	}
	doc, err := enc.EncodeMetric(env)
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, `{"key":"metric.category","value":{"stringValue":"business"}}`) {
		t.Errorf("business metric missing category: %s", body)
	}
	if strings.Contains(body, "trace.id") || strings.Contains(body, "span.id") {
		t.Errorf("business metric must not carry correlation ids: %s", body)
	}

	// Part two: same envelope with a trace id becomes traced and
	// carries trace.id.
	env.TraceID = "4bf92f3577b34da6"
	env.SpanID = "00f067aa0ba902b7"
	doc, err = enc.EncodeMetric(env)
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	body = string(doc.Body)
	if !strings.Contains(body, `{"key":"metric.category","value":{"stringValue":"traced"}}`) {
		t.Errorf("traced metric missing category: %s", body)
	}
	if !strings.Contains(body, `{"key":"trace.id","value":{"stringValue":"4bf92f3577b34da6"}}`) {
		t.Errorf("traced metric missing trace.id: %s", body)
	}
	if !strings.Contains(body, `{"key":"span.id","value":{"stringValue":"00f067aa0ba902b7"}}`) {
		t.Errorf("traced metric missing span.id: %s", body)
	}
	decode(t, doc)
}

func TestEncodeMetricSentinelTraceIDIsBusiness(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := &envelope.Envelope{
		Kind:    envelope.KindMetric,
		Name:    "queue_depth",
		Value:   3.5,
		TraceID: "0",
	}
	doc, err := enc.EncodeMetric(env)
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	if !strings.Contains(string(doc.Body), `"stringValue":"business"`) {
		t.Errorf("sentinel trace id must classify as business: %s", doc.Body)
	}
}

func TestEncodeMetricCounterVsGauge(t *testing.T) {
	enc := testEncoder(t, Config{})

	doc, err := enc.EncodeMetric(&envelope.Envelope{Kind: envelope.KindMetric, Name: "http_requests_total", Value: 42})
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, `"sum":{"aggregationTemporality":2,"isMonotonic":true`) {
		t.Errorf("counter not encoded as monotonic sum: %s", body)
	}
	if !strings.Contains(body, `"asInt":"42"`) {
		t.Errorf("counter point must be integer: %s", body)
	}

	doc, err = enc.EncodeMetric(&envelope.Envelope{Kind: envelope.KindMetric, Name: "cpu_usage", Value: 0.37})
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	body = string(doc.Body)
	if !strings.Contains(body, `"gauge":{"dataPoints":[`) {
		t.Errorf("gauge not encoded as gauge: %s", body)
	}
	if !strings.Contains(body, `"asDouble":0.37`) {
		t.Errorf("gauge point must be double: %s", body)
	}
}

func TestEncodeMetricHistogramUsesDoublePoint(t *testing.T) {
	enc := testEncoder(t, Config{})

	doc, err := enc.EncodeMetric(&envelope.Envelope{Kind: envelope.KindMetric, Name: "request_duration_bucket", Value: 12.5})
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, `"asDouble":12.5`) {
		t.Errorf("histogram-classified point must be double: %s", body)
	}
	if strings.Contains(body, `"isMonotonic"`) {
		t.Errorf("histogram-classified metric must not be a monotonic sum: %s", body)
	}
}

func TestEncodeMetricOverrideBeatsHeuristic(t *testing.T) {
	enc := testEncoder(t, Config{
		MetricTypeOverrides: []ClassifyOverride{
			{Pattern: `^billing_total$`, Type: MetricGauge},
		},
	})
	doc, err := enc.EncodeMetric(&envelope.Envelope{Kind: envelope.KindMetric, Name: "billing_total", Value: 9.5})
	if err != nil {
		t.Fatalf("EncodeMetric() error = %v", err)
	}
	if strings.Contains(string(doc.Body), `"isMonotonic"`) {
		t.Errorf("override to gauge ignored: %s", doc.Body)
	}
}

func TestEncodeLog(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := &envelope.Envelope{
		Kind:      envelope.KindLog,
		Severity:  "error",
		Message:   "payment declined",
		Timestamp: "2024-01-01T00:00:00.000Z",
		TraceID:   "4bf92f3577b34da6",
		SpanID:    "00f067aa0ba902b7",
	}
	doc, err := enc.EncodeLog(env)
	if err != nil {
		t.Fatalf("EncodeLog() error = %v", err)
	}
	if doc.Path != PathLogs {
		t.Errorf("Path = %q, want %q", doc.Path, PathLogs)
	}
	body := string(doc.Body)
	for _, want := range []string{
		`"severityNumber":17`,
		`"severityText":"error"`,
		`"body":{"stringValue":"payment declined"}`,
		`"traceId":"4bf92f3577b34da6"`,
		`"spanId":"00f067aa0ba902b7"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("log document missing %s:\n%s", want, body)
		}
	}
	decode(t, doc)
}

func TestLogSeverityScale(t *testing.T) {
	tests := []struct {
		severity string
		want     int
	}{
		{"trace", 1},
		{"debug", 5},
		{"info", 9},
		{"warn", 13},
		{"warning", 13},
		{"ERROR", 17},
		{"fatal", 21},
		{"verbose", 9}, // unknown defaults to info
		{"", 9},
	}
	for _, tt := range tests {
		if got := logSeverityNumber(tt.severity); got != tt.want {
			t.Errorf("logSeverityNumber(%q) = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestUnencodableAttributeDoesNotLoseItem(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := spanEnv()
	env.Attributes = map[string]interface{}{
		"good":    "value",
		"bad":     map[string]interface{}{"nested": true},
		"":        "empty key",
		"nil_val": nil,
	}
	doc, err := enc.EncodeSpan(env)
	if err != nil {
		t.Fatalf("EncodeSpan() must not fail on malformed attributes: %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, `{"key":"good","value":{"stringValue":"value"}}`) {
		t.Errorf("surviving attribute lost: %s", body)
	}
	if strings.Contains(body, `"bad"`) || strings.Contains(body, "nested") {
		t.Errorf("unencodable attribute leaked into output: %s", body)
	}
	decode(t, doc)
}

func TestStringEscaping(t *testing.T) {
	enc := testEncoder(t, Config{})
	env := spanEnv()
	env.OperationName = "path \\ \"quoted\"\nnext\tline"
	doc, err := enc.EncodeSpan(env)
	if err != nil {
		t.Fatalf("EncodeSpan() error = %v", err)
	}
	tree := decode(t, doc)

	// Walk down to the span name and verify the round trip.
	rs := tree["resourceSpans"].([]interface{})[0].(map[string]interface{})
	ss := rs["scopeSpans"].([]interface{})[0].(map[string]interface{})
	span := ss["spans"].([]interface{})[0].(map[string]interface{})
	if span["name"] != env.OperationName {
		t.Errorf("escaped name round trip = %q, want %q", span["name"], env.OperationName)
	}
}

func TestEncodeDispatch(t *testing.T) {
	enc := testEncoder(t, Config{})
	if _, err := enc.Encode(&envelope.Envelope{Kind: "bogus"}); err == nil {
		t.Error("Encode() with unknown kind should fail")
	}
	if _, err := enc.Encode(spanEnv()); err != nil {
		t.Errorf("Encode(span) error = %v", err)
	}
}

func TestResourceIdenticalAcrossKinds(t *testing.T) {
	enc := testEncoder(t, Config{TenantID: "acme"})
	spanDoc, _ := enc.EncodeSpan(spanEnv())
	metricDoc, _ := enc.EncodeMetric(&envelope.Envelope{Kind: envelope.KindMetric, Name: "m", Value: 1})

	extract := func(body []byte, root string) interface{} {
		var tree map[string]interface{}
		if err := json.Unmarshal(body, &tree); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return tree[root].([]interface{})[0].(map[string]interface{})["resource"]
	}
	spanRes, _ := json.Marshal(extract(spanDoc.Body, "resourceSpans"))
	metricRes, _ := json.Marshal(extract(metricDoc.Body, "resourceMetrics"))
	if string(spanRes) != string(metricRes) {
		t.Errorf("resource differs across kinds:\n%s\n%s", spanRes, metricRes)
	}
}
