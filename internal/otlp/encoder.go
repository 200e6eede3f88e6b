// Package otlp turns envelopes into OTLP/HTTP JSON documents. The
// encoder is a pure transformation: no I/O, no retries, and no failure
// mode that loses a whole item over one bad attribute.
package otlp

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/courierlabs/otlp-courier/internal/envelope"
	"github.com/courierlabs/otlp-courier/internal/logging"
)

// sdkVersion is set at build time via ldflags.
var sdkVersion = "dev"

const sdkName = "otlp-courier"

// Collector paths per signal.
const (
	PathTraces  = "/v1/traces"
	PathMetrics = "/v1/metrics"
	PathLogs    = "/v1/logs"
)

// severityNumbers maps envelope severity text to the OTEL 6-level
// numeric scale.
var severityNumbers = map[string]int{
	"trace":   1,
	"debug":   5,
	"info":    9,
	"warn":    13,
	"warning": 13,
	"error":   17,
	"fatal":   21,
}

const defaultSeverityNumber = 9 // info

// Config holds the encoder's resource identity and classification
// overrides.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// InstanceID is the computed service.instance.id. Empty means the
	// encoder generates one at construction.
	InstanceID string
	// TenantID and TenantName are attached to the resource (and, for
	// metrics, to every data point) when set.
	TenantID   string
	TenantName string
	// MetricTypeOverrides pin metric name patterns to a type before
	// the built-in heuristics run.
	MetricTypeOverrides []ClassifyOverride
}

// Document is one finished OTLP request body, bound to its signal path.
type Document struct {
	Path string
	Body []byte
}

// Encoder converts envelopes into OTLP documents containing exactly
// one resource/scope/item. Safe for concurrent use.
type Encoder struct {
	cfg        Config
	classifier *Classifier
	// resource is the pre-encoded resource object, identical for all
	// kinds.
	resource string
}

// New creates an Encoder.
func New(cfg Config) (*Encoder, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("encoder: service name is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = newInstanceID()
	}
	classifier, err := NewClassifier(cfg.MetricTypeOverrides)
	if err != nil {
		return nil, err
	}
	e := &Encoder{cfg: cfg, classifier: classifier}
	e.resource = e.encodeResource()
	return e, nil
}

// InstanceID returns the computed service.instance.id.
func (e *Encoder) InstanceID() string {
	return e.cfg.InstanceID
}

// Encode dispatches on the envelope kind.
func (e *Encoder) Encode(env *envelope.Envelope) (*Document, error) {
	switch env.Kind {
	case envelope.KindSpan:
		return e.EncodeSpan(env)
	case envelope.KindMetric:
		return e.EncodeMetric(env)
	case envelope.KindLog:
		return e.EncodeLog(env)
	default:
		return nil, fmt.Errorf("encoder: unknown envelope kind %q", env.Kind)
	}
}

// encodeResource renders the resource object shared by all documents.
func (e *Encoder) encodeResource() string {
	b := NewBuffer()
	b.WriteString(`{"attributes":[`)
	writeStringAttr(b, "service.name", e.cfg.ServiceName, true)
	writeStringAttr(b, "service.version", e.cfg.ServiceVersion, false)
	if e.cfg.Environment != "" {
		writeStringAttr(b, "deployment.environment", e.cfg.Environment, false)
	}
	writeStringAttr(b, "service.instance.id", e.cfg.InstanceID, false)
	writeStringAttr(b, "telemetry.sdk.name", sdkName, false)
	writeStringAttr(b, "telemetry.sdk.version", sdkVersion, false)
	writeStringAttr(b, "telemetry.sdk.language", "go", false)
	if e.cfg.TenantID != "" {
		writeStringAttr(b, "tenant.id", e.cfg.TenantID, false)
		if e.cfg.TenantName != "" {
			writeStringAttr(b, "tenant.name", e.cfg.TenantName, false)
		}
	}
	b.WriteString(`]}`)
	return string(b.Bytes())
}

// writeScope renders the instrumentation scope object.
func (e *Encoder) writeScope(b *Buffer) {
	b.WriteString(`{"name":"`)
	b.WriteEscaped(sdkName)
	b.WriteString(`","version":"`)
	b.WriteEscaped(sdkVersion)
	b.WriteString(`"}`)
}

// EncodeSpan encodes a span envelope into a traces document.
func (e *Encoder) EncodeSpan(env *envelope.Envelope) (*Document, error) {
	if env.Kind != envelope.KindSpan {
		return nil, fmt.Errorf("encoder: expected span envelope, got %q", env.Kind)
	}
	b := NewBuffer()
	b.WriteString(`{"resourceSpans":[{"resource":`)
	b.WriteString(e.resource)
	b.WriteString(`,"scopeSpans":[{"scope":`)
	e.writeScope(b)
	b.WriteString(`,"spans":[{"traceId":"`)
	b.WriteEscaped(env.TraceID)
	b.WriteString(`","spanId":"`)
	b.WriteEscaped(env.SpanID)
	b.WriteByte('"')
	if env.ParentSpanID != "" {
		b.WriteString(`,"parentSpanId":"`)
		b.WriteEscaped(env.ParentSpanID)
		b.WriteByte('"')
	}
	b.WriteString(`,"name":"`)
	b.WriteEscaped(env.OperationName)
	// Span kind is fixed INTERNAL: the pipeline has no transport-level
	// parent/child knowledge to infer anything else.
	b.WriteString(`","kind":1`)
	b.WriteString(`,"startTimeUnixNano":"`)
	b.WriteString(FormatUnixNano(ToUnixNano(env.StartTime)))
	b.WriteString(`","endTimeUnixNano":"`)
	b.WriteString(FormatUnixNano(ToUnixNano(env.EndTime)))
	b.WriteString(`","status":`)
	writeStatus(b, env.Status)
	b.WriteString(`,"attributes":`)
	writeAttributes(b, env.Attributes, nil)
	b.WriteString(`,"events":[`)
	for i, ev := range env.Events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"name":"`)
		b.WriteEscaped(ev.Name)
		b.WriteString(`","timeUnixNano":"`)
		b.WriteString(FormatUnixNano(ToUnixNano(ev.Time)))
		b.WriteString(`","attributes":`)
		writeAttributes(b, ev.Attributes, nil)
		b.WriteByte('}')
	}
	b.WriteString(`]}]}]}]}`)
	return &Document{Path: PathTraces, Body: b.Bytes()}, nil
}

// writeStatus renders the span status object. A message is attached
// only on ERROR.
func writeStatus(b *Buffer, status string) {
	switch strings.ToUpper(status) {
	case "OK":
		b.WriteString(`{"code":1}`)
	case "ERROR":
		b.WriteString(`{"code":2,"message":"`)
		b.WriteEscaped(status)
		b.WriteString(`"}`)
	default:
		b.WriteString(`{"code":0}`)
	}
}

// EncodeMetric encodes a metric envelope into a metrics document.
func (e *Encoder) EncodeMetric(env *envelope.Envelope) (*Document, error) {
	if env.Kind != envelope.KindMetric {
		return nil, fmt.Errorf("encoder: expected metric envelope, got %q", env.Kind)
	}
	b := NewBuffer()
	b.WriteString(`{"resourceMetrics":[{"resource":`)
	b.WriteString(e.resource)
	b.WriteString(`,"scopeMetrics":[{"scope":`)
	e.writeScope(b)
	b.WriteString(`,"metrics":[{"name":"`)
	b.WriteEscaped(env.Name)
	b.WriteByte('"')
	if env.Unit != "" {
		b.WriteString(`,"unit":"`)
		b.WriteEscaped(env.Unit)
		b.WriteByte('"')
	}

	// Data point attributes carry the tenant plus the business/traced
	// category split. Downstream dashboards key on metric.category, so
	// the exact tagging must be preserved.
	extra := make([]attrPair, 0, 4)
	if e.cfg.TenantID != "" {
		extra = append(extra, attrPair{key: "tenant.id", val: e.cfg.TenantID})
	}
	if env.HasTraceContext() {
		extra = append(extra,
			attrPair{key: "metric.category", val: "traced"},
			attrPair{key: "trace.id", val: env.TraceID})
		if env.SpanID != "" {
			extra = append(extra, attrPair{key: "span.id", val: env.SpanID})
		}
	} else {
		extra = append(extra, attrPair{key: "metric.category", val: "business"})
	}

	point := NewBuffer()
	point.WriteString(`{"timeUnixNano":"`)
	point.WriteString(FormatUnixNano(ToUnixNano(env.Timestamp)))
	point.WriteString(`","attributes":`)
	writeAttributes(point, env.Attributes, extra)

	switch e.classifier.Classify(env.Name) {
	case MetricCounter:
		point.WriteString(`,"asInt":"`)
		point.WriteString(strconv.FormatInt(int64(env.Value), 10))
		point.WriteString(`"}`)
		b.WriteString(`,"sum":{"aggregationTemporality":2,"isMonotonic":true,"dataPoints":[`)
	default:
		point.WriteString(`,"asDouble":`)
		point.WriteString(formatDouble(env.Value))
		point.WriteByte('}')
		b.WriteString(`,"gauge":{"dataPoints":[`)
	}
	b.Write(point.Bytes())
	b.WriteString(`]}}]}]}]}`)
	return &Document{Path: PathMetrics, Body: b.Bytes()}, nil
}

// EncodeLog encodes a log envelope into a logs document.
func (e *Encoder) EncodeLog(env *envelope.Envelope) (*Document, error) {
	if env.Kind != envelope.KindLog {
		return nil, fmt.Errorf("encoder: expected log envelope, got %q", env.Kind)
	}
	b := NewBuffer()
	b.WriteString(`{"resourceLogs":[{"resource":`)
	b.WriteString(e.resource)
	b.WriteString(`,"scopeLogs":[{"scope":`)
	e.writeScope(b)
	b.WriteString(`,"logRecords":[{"timeUnixNano":"`)
	b.WriteString(FormatUnixNano(ToUnixNano(env.Timestamp)))
	b.WriteString(`","severityNumber":`)
	b.WriteString(strconv.Itoa(logSeverityNumber(env.Severity)))
	b.WriteString(`,"severityText":"`)
	b.WriteEscaped(env.Severity)
	b.WriteString(`","body":{"stringValue":"`)
	b.WriteEscaped(env.Message)
	b.WriteString(`"}`)
	// Correlation ids go directly on the record, not only as
	// attributes.
	if env.HasTraceContext() {
		b.WriteString(`,"traceId":"`)
		b.WriteEscaped(env.TraceID)
		b.WriteByte('"')
		if env.SpanID != "" {
			b.WriteString(`,"spanId":"`)
			b.WriteEscaped(env.SpanID)
			b.WriteByte('"')
		}
	}
	b.WriteString(`,"attributes":`)
	writeAttributes(b, env.Attributes, nil)
	b.WriteString(`}]}]}]}`)
	return &Document{Path: PathLogs, Body: b.Bytes()}, nil
}

// logSeverityNumber maps severity text to the numeric scale; unknown
// text defaults to info.
func logSeverityNumber(severity string) int {
	if n, ok := severityNumbers[strings.ToLower(severity)]; ok {
		return n
	}
	return defaultSeverityNumber
}

// attrPair is a pre-typed string attribute appended after the
// envelope's own attributes.
type attrPair struct {
	key string
	val string
}

// writeAttributes renders an OTLP attribute array from an envelope
// attribute map plus pipeline-added pairs. Envelope keys are sorted
// for stable output. An attribute whose value cannot be represented is
// dropped with a diagnostic; diagnostics are best-effort and this
// function never fails.
func writeAttributes(b *Buffer, attrs map[string]interface{}, extra []attrPair) {
	b.WriteByte('[')
	first := true

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			logging.Warn("otlp: dropping attribute with empty key")
			continue
		}
		val := NewBuffer()
		if !writeAnyValue(val, attrs[k]) {
			logging.Warn("otlp: dropping unencodable attribute", logging.F("key", k))
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(`{"key":"`)
		b.WriteEscaped(k)
		b.WriteString(`","value":`)
		b.Write(val.Bytes())
		b.WriteByte('}')
	}
	for _, p := range extra {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(`{"key":"`)
		b.WriteEscaped(p.key)
		b.WriteString(`","value":{"stringValue":"`)
		b.WriteEscaped(p.val)
		b.WriteString(`"}}`)
	}
	b.WriteByte(']')
}

// writeStringAttr appends one string attribute to an open attribute
// array; first suppresses the leading comma.
func writeStringAttr(b *Buffer, key, val string, first bool) {
	if !first {
		b.WriteByte(',')
	}
	b.WriteString(`{"key":"`)
	b.WriteEscaped(key)
	b.WriteString(`","value":{"stringValue":"`)
	b.WriteEscaped(val)
	b.WriteString(`"}}`)
}

// writeAnyValue renders a single AnyValue. Returns false for values
// with no JSON-safe representation.
func writeAnyValue(b *Buffer, v interface{}) bool {
	switch val := v.(type) {
	case string:
		b.WriteString(`{"stringValue":"`)
		b.WriteEscaped(val)
		b.WriteString(`"}`)
	case bool:
		if val {
			b.WriteString(`{"boolValue":true}`)
		} else {
			b.WriteString(`{"boolValue":false}`)
		}
	case int:
		writeIntValue(b, int64(val))
	case int32:
		writeIntValue(b, int64(val))
	case int64:
		writeIntValue(b, val)
	case float32:
		return writeAnyValue(b, float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return false
		}
		// JSON numbers from a decoded envelope arrive as float64;
		// integral values keep the intValue representation.
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			writeIntValue(b, int64(val))
			return true
		}
		b.WriteString(`{"doubleValue":`)
		b.WriteString(formatDouble(val))
		b.WriteByte('}')
	case nil:
		return false
	default:
		return false
	}
	return true
}

func writeIntValue(b *Buffer, v int64) {
	b.WriteString(`{"intValue":"`)
	b.WriteString(strconv.FormatInt(v, 10))
	b.WriteString(`"}`)
}

func formatDouble(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
