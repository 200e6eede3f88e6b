package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/courierlabs/otlp-courier/internal/envelope"
)

type fakeStore struct {
	state  map[string]string
	depth  int
	setErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: map[string]string{}, setErr: map[string]error{}}
}

func (f *fakeStore) GetState(_ context.Context, key string) (string, error) {
	return f.state[key], nil
}

func (f *fakeStore) SetState(_ context.Context, key, value string) error {
	if err := f.setErr[key]; err != nil {
		return err
	}
	f.state[key] = value
	return nil
}

func (f *fakeStore) Depth(_ context.Context) (int, error) {
	return f.depth, nil
}

type fakeJob struct {
	spec    string
	enabled bool
	fn      func()
}

type fakeJobs struct {
	jobs       map[string]*fakeJob
	enables    int
	disables   int
	enableErr  error
	disableErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*fakeJob{}}
}

func (f *fakeJobs) Exists(name string) bool {
	_, ok := f.jobs[name]
	return ok
}

func (f *fakeJobs) Ensure(name, spec string, enabled bool, fn func()) error {
	if _, ok := f.jobs[name]; ok {
		return nil
	}
	f.jobs[name] = &fakeJob{spec: spec, enabled: enabled, fn: fn}
	return nil
}

func (f *fakeJobs) Enable(name string) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enables++
	f.jobs[name].enabled = true
	return nil
}

func (f *fakeJobs) Disable(name string) error {
	if f.disableErr != nil {
		return f.disableErr
	}
	f.disables++
	f.jobs[name].enabled = false
	return nil
}

type fakeSendPath struct {
	forced  bool
	history []bool
}

func (f *fakeSendPath) SetForceQueued(on bool) (prev bool) {
	prev = f.forced
	f.forced = on
	f.history = append(f.history, on)
	return prev
}

type harness struct {
	orch     *Orchestrator
	store    *fakeStore
	jobs     *fakeJobs
	sendPath *fakeSendPath
	records  []*envelope.Envelope
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		jobs:     newFakeJobs(),
		sendPath: &fakeSendPath{},
		now:      time.Unix(1700000000, 0),
	}
	h.orch = New(cfg, h.store, h.jobs, h.sendPath, func() {}, func(env *envelope.Envelope) {
		h.records = append(h.records, env)
	})
	h.orch.nowFunc = func() time.Time { return h.now }
	return h
}

func (h *harness) heartbeatAt(age time.Duration, processed, planned int64) {
	past := h.now
	h.now = h.now.Add(-age)
	h.orch.RecordAgentHeartbeat(context.Background(), processed, planned)
	h.now = past
}

func (h *harness) transitionSpans() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, r := range h.records {
		if r.Kind == envelope.KindSpan && r.OperationName == "processing_mode_transition" {
			out = append(out, r)
		}
	}
	return out
}

func TestBootstrapCreatesJobs(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	hm, ok := h.jobs.jobs[JobHealthMonitor]
	if !ok || !hm.enabled {
		t.Error("health monitor job missing or disabled after bootstrap")
	}
	ld, ok := h.jobs.jobs[JobLocalDelivery]
	if !ok || ld.enabled {
		t.Error("local delivery job must exist and start disabled")
	}

	// Second tick must not re-register.
	before := len(h.jobs.jobs)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if len(h.jobs.jobs) != before {
		t.Error("bootstrap ran twice")
	}
}

func TestScenarioHeartbeatSilentTriggersFailover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Minute
	h := newHarness(t, cfg)

	// Agent silent for 3x the check interval, work pending.
	h.heartbeatAt(3*time.Minute, 100, 100)
	h.store.depth = 5

	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	mode, _ := h.orch.Mode(context.Background())
	if mode != ModeLocalFallback {
		t.Errorf("mode = %v, want LOCAL_FALLBACK", mode)
	}
	if !h.jobs.jobs[JobLocalDelivery].enabled {
		t.Error("local delivery job not enabled on fallback")
	}

	spans := h.transitionSpans()
	if len(spans) != 1 {
		t.Fatalf("transition spans = %d, want 1", len(spans))
	}
	if got := spans[0].Attributes["trigger.reason"]; got != ReasonHeartbeatMissing {
		t.Errorf("trigger.reason = %v, want %s", got, ReasonHeartbeatMissing)
	}
	if got := spans[0].Attributes["previous_mode"]; got != string(ModeAgentPrimary) {
		t.Errorf("previous_mode = %v", got)
	}

	// Send path pinned to queued during the switch, then restored.
	if len(h.sendPath.history) != 2 || !h.sendPath.history[0] || h.sendPath.history[1] {
		t.Errorf("force-queued toggles = %v, want [true false]", h.sendPath.history)
	}
}

func TestTickIdempotentUnderStableConditions(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.heartbeatAt(10*time.Minute, 100, 100) // dead
	h.store.depth = 10

	for i := 0; i < 5; i++ {
		if err := h.orch.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() %d error = %v", i, err)
		}
	}

	if got := len(h.transitionSpans()); got != 1 {
		t.Errorf("transition records = %d across 5 ticks, want 1", got)
	}
	if h.jobs.enables != 1 {
		t.Errorf("job enabled %d times, want 1", h.jobs.enables)
	}
}

func TestDegradedRequiresQueueDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepthThreshold = 100
	h := newHarness(t, cfg)
	h.heartbeatAt(10*time.Second, 60, 100) // degraded ratio 0.6

	h.store.depth = 50
	h.orch.Tick(context.Background())
	if mode, _ := h.orch.Mode(context.Background()); mode != ModeAgentPrimary {
		t.Errorf("shallow queue + degraded agent should stay primary, got %v", mode)
	}

	h.store.depth = 150
	h.orch.Tick(context.Background())
	if mode, _ := h.orch.Mode(context.Background()); mode != ModeLocalFallback {
		t.Error("deep queue + degraded agent should fall back")
	}
	spans := h.transitionSpans()
	if got := spans[0].Attributes["trigger.reason"]; got != ReasonAgentDegraded {
		t.Errorf("trigger.reason = %v, want %s", got, ReasonAgentDegraded)
	}
}

func TestUnknownAgentDeepQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepthThreshold = 100
	h := newHarness(t, cfg)
	// No heartbeat ever recorded.
	h.store.depth = 200

	h.orch.Tick(context.Background())
	if mode, _ := h.orch.Mode(context.Background()); mode != ModeLocalFallback {
		t.Error("unknown agent + deep queue should fall back")
	}
	spans := h.transitionSpans()
	if got := spans[0].Attributes["trigger.reason"]; got != ReasonQueueDepthExceeded {
		t.Errorf("trigger.reason = %v, want %s", got, ReasonQueueDepthExceeded)
	}
}

func TestRecoveryReturnsToPrimary(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.heartbeatAt(10*time.Minute, 100, 100)
	h.store.depth = 10
	h.orch.Tick(context.Background()) // enters fallback

	// Agent comes back healthy.
	h.heartbeatAt(10*time.Second, 100, 100)
	if err := h.orch.Tick(context.Background()); err != nil {
		t.Fatalf("recovery Tick() error = %v", err)
	}

	if mode, _ := h.orch.Mode(context.Background()); mode != ModeAgentPrimary {
		t.Error("healthy agent should restore AGENT_PRIMARY")
	}
	if h.jobs.jobs[JobLocalDelivery].enabled {
		t.Error("local delivery job should be disabled after recovery")
	}
	spans := h.transitionSpans()
	if len(spans) != 2 {
		t.Fatalf("transition spans = %d, want 2", len(spans))
	}
	if got := spans[1].Attributes["trigger.reason"]; got != ReasonAgentRecovered {
		t.Errorf("trigger.reason = %v, want %s", got, ReasonAgentRecovered)
	}
}

func TestFailoverDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	h.heartbeatAt(time.Hour, 0, 100)
	h.store.depth = 10000

	h.orch.Tick(context.Background())
	if mode, _ := h.orch.Mode(context.Background()); mode != ModeAgentPrimary {
		t.Error("disabled failover must never leave AGENT_PRIMARY")
	}
	if len(h.transitionSpans()) != 0 {
		t.Error("disabled failover emitted a transition")
	}
}

func TestPersistFailureLeavesModeIntact(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.heartbeatAt(10*time.Minute, 100, 100)
	h.store.depth = 10
	h.store.setErr[stateKeyMode] = errors.New("disk full")

	err := h.orch.Tick(context.Background())
	if err == nil {
		t.Fatal("Tick() should surface the persist failure")
	}
	if mode, _ := h.orch.Mode(context.Background()); mode != ModeAgentPrimary {
		t.Errorf("mode = %v after failed persist, want last persisted AGENT_PRIMARY", mode)
	}
	// The delivery job toggle is rolled back for coherence.
	if h.jobs.jobs[JobLocalDelivery].enabled {
		t.Error("local delivery job left enabled after failed persist")
	}
	if len(h.transitionSpans()) != 0 {
		t.Error("transition recorded despite failed persist")
	}
}

func TestHeartbeatRecordCadence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatLogInterval = 10 * time.Minute
	h := newHarness(t, cfg)
	h.heartbeatAt(10*time.Second, 100, 100) // healthy, no transitions

	countHeartbeats := func() int {
		n := 0
		for _, r := range h.records {
			if r.Kind == envelope.KindLog && r.Message == "failover heartbeat" {
				n++
			}
		}
		return n
	}

	h.orch.Tick(context.Background())
	h.now = h.now.Add(time.Minute)
	h.orch.Tick(context.Background())
	if got := countHeartbeats(); got != 1 {
		t.Errorf("heartbeat records = %d within the interval, want 1", got)
	}

	h.now = h.now.Add(15 * time.Minute)
	h.heartbeatAt(10*time.Second, 100, 100)
	h.orch.Tick(context.Background())
	if got := countHeartbeats(); got != 2 {
		t.Errorf("heartbeat records = %d after the interval, want 2", got)
	}
}
