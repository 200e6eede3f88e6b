package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/courierlabs/otlp-courier/internal/breaker"
	"github.com/courierlabs/otlp-courier/internal/envelope"
	"github.com/courierlabs/otlp-courier/internal/otlp"
	"github.com/courierlabs/otlp-courier/internal/pulse"
	"github.com/courierlabs/otlp-courier/internal/queue"
	"github.com/courierlabs/otlp-courier/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	err   error
	sent  []*otlp.Document
	paths []string
}

func (f *fakeSender) Send(_ context.Context, doc *otlp.Document) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, doc)
	f.paths = append(f.paths, doc.Path)
	return nil
}

type fixture struct {
	worker *Worker
	store  *queue.Store
	sender *fakeSender
	brk    *breaker.Breaker
	pulse  *pulse.Controller
	dbPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	qcfg := queue.DefaultConfig()
	qcfg.Path = filepath.Join(t.TempDir(), "queue.db")
	store, err := queue.Open(qcfg)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	enc, err := otlp.New(otlp.Config{ServiceName: "worker-test", ServiceVersion: "0.0.1"})
	if err != nil {
		t.Fatalf("otlp.New() error = %v", err)
	}

	f := &fixture{
		store:  store,
		dbPath: qcfg.Path,
		sender: &fakeSender{},
		brk:    breaker.New(breaker.Config{MinSamples: 5, ErrorThreshold: 0.5}),
		pulse:  pulse.New(nil),
	}
	f.worker = New(store, enc, f.sender, f.brk, ratelimit.New(ratelimit.Config{}), f.pulse)
	return f
}

func (f *fixture) enqueue(t *testing.T, envs ...*envelope.Envelope) {
	t.Helper()
	for _, env := range envs {
		if err := f.store.Enqueue(context.Background(), env); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func span(op string) *envelope.Envelope {
	return &envelope.Envelope{Kind: envelope.KindSpan, TraceID: "t", SpanID: "s", OperationName: op}
}

func metric(name string) *envelope.Envelope {
	return &envelope.Envelope{Kind: envelope.KindMetric, Name: name, Value: 1}
}

func TestRunOnceDeliversBatch(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("a"), metric("requests_total"), span("b"))

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Drained != 3 || stats.Delivered != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	depth, _ := f.store.Depth(context.Background())
	if depth != 0 {
		t.Errorf("Depth() = %d after full delivery, want 0", depth)
	}

	// Spans drain before metrics, and each kind hits its own path.
	if f.sender.paths[0] != otlp.PathTraces || f.sender.paths[2] != otlp.PathMetrics {
		t.Errorf("delivery paths = %v", f.sender.paths)
	}
}

func TestRunOnceSkipsWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.brk.RecordFailure()
	}
	if f.brk.State() != breaker.StateOpen {
		t.Fatal("breaker not open")
	}

	f.enqueue(t, span("a"))
	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Drained != 0 {
		t.Errorf("open breaker drained %d items, want 0", stats.Drained)
	}

	// No attempt burned while the circuit is open.
	items, _ := f.store.Drain(context.Background(), 1)
	if items[0].Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", items[0].Attempts)
	}
}

func TestFailureRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("flaky"))
	f.sender.err = errors.New("connection refused")

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Failed != 1 || stats.Delivered != 0 {
		t.Errorf("stats = %+v", stats)
	}

	items, _ := f.store.Drain(context.Background(), 1)
	if len(items) != 1 {
		t.Fatal("failed item not retryable")
	}
	if items[0].Attempts != 1 || !strings.Contains(items[0].LastError, "connection refused") {
		t.Errorf("item = attempts %d, last_error %q", items[0].Attempts, items[0].LastError)
	}

	// The collector recovers; the retry succeeds.
	f.sender.err = nil
	stats, err = f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("retry RunOnce() error = %v", err)
	}
	if stats.Delivered != 1 {
		t.Errorf("retry stats = %+v", stats)
	}
}

func TestHibernationSkipsCycle(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("a"))
	f.pulse.SetMode(pulse.ModeHibernation)

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Drained != 0 {
		t.Errorf("hibernation drained %d items", stats.Drained)
	}
}

func TestIntervalStretchSkipsEarlyCycles(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("a"), span("b"))
	f.pulse.SetMode(pulse.ModeReduced) // interval x2

	now := time.Unix(1700000000, 0)
	f.worker.nowFunc = func() time.Time { return now }
	f.worker.SetBaseInterval(30 * time.Second)

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("first cycle Delivered = %d, want 1", stats.Delivered)
	}

	// The cron cadence fires again at 30s, but reduced mode stretches
	// the effective interval to 60s.
	now = now.Add(30 * time.Second)
	stats, _ = f.worker.RunOnce(context.Background())
	if stats.Drained != 0 {
		t.Errorf("stretched interval not honored: drained %d", stats.Drained)
	}

	now = now.Add(31 * time.Second)
	stats, _ = f.worker.RunOnce(context.Background())
	if stats.Delivered != 1 {
		t.Errorf("cycle past the stretched interval Delivered = %d, want 1", stats.Delivered)
	}
}

func TestCapacityMultiplierBoundsDrain(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.enqueue(t, span("op"))
	}
	f.pulse.SetMode(pulse.ModeConservative) // capacity x0.5, batch x0.5

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// Default batch 50: the batch multiplier gives 25, the capacity
	// multiplier bounds the drain at 12 of the 20 queued items.
	if stats.Drained != 12 {
		t.Fatalf("Drained = %d, want 12", stats.Drained)
	}
	if stats.Delivered != 12 {
		t.Errorf("Delivered = %d, want 12", stats.Delivered)
	}
}

func TestMinimalModeDefersMetrics(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("a"), metric("m"))
	f.pulse.SetMode(pulse.ModeMinimal) // metrics off, queue on

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Delivered != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// The metric was neither claimed nor failed, just deferred.
	items, _ := f.store.Drain(context.Background(), 10)
	if len(items) != 1 || items[0].Kind != "metric" || items[0].Attempts != 0 {
		t.Errorf("deferred items = %+v", items)
	}
}

func TestAttemptCapStopsRetries(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("doomed"))
	f.sender.err = errors.New("permanent refusal")

	for i := 0; i < 5; i++ {
		stats, err := f.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d error = %v", i, err)
		}
		if stats.Failed != 1 {
			t.Fatalf("cycle %d stats = %+v", i, stats)
		}
	}

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("post-cap RunOnce() error = %v", err)
	}
	if stats.Drained != 0 {
		t.Errorf("exhausted item drained again: %+v", stats)
	}
}

func TestUndecodablePayloadBurnsAttempt(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, span("ok"))

	// Corrupt the stored payload out of band.
	items, _ := f.store.Drain(context.Background(), 1)
	db, err := sql.Open("sqlite", f.dbPath)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if _, err := db.Exec(`UPDATE queue_items SET payload = ? WHERE id = ?`, []byte("{not json"), items[0].ID); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}
	db.Close()

	stats, err := f.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	got, _ := f.store.Get(context.Background(), items[0].ID)
	if !strings.Contains(got.LastError, "decode") {
		t.Errorf("LastError = %q, want decode diagnostic", got.LastError)
	}
}
