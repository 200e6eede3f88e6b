// Package failover owns the Processing Mode state machine: it watches
// the primary delivery agent's heartbeats and switches the pipeline
// between agent-side delivery and the local fallback worker.
package failover

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/courierlabs/otlp-courier/internal/envelope"
	"github.com/courierlabs/otlp-courier/internal/logging"
	"github.com/courierlabs/otlp-courier/internal/otlp"
)

// ProcessingMode selects which subsystem currently owns delivery.
type ProcessingMode string

const (
	ModeAgentPrimary  ProcessingMode = "AGENT_PRIMARY"
	ModeLocalFallback ProcessingMode = "LOCAL_FALLBACK"
)

// State keys persisted in the pipeline state table.
const (
	stateKeyMode        = "processing_mode"
	stateKeyHeartbeatAt = "agent_heartbeat_at"
	stateKeyProcessed   = "agent_heartbeat_processed"
	stateKeyPlanned     = "agent_heartbeat_planned"
)

// Job names owned by the orchestrator.
const (
	JobHealthMonitor = "failover-health-monitor"
	JobLocalDelivery = "local-delivery"
)

// Transition trigger reasons carried on transition records.
const (
	ReasonHeartbeatMissing   = "agent_heartbeat_missing"
	ReasonAgentDegraded      = "agent_degraded"
	ReasonQueueDepthExceeded = "queue_depth_exceeded"
	ReasonAgentRecovered     = "agent_recovered"
)

// StateStore persists the processing mode and agent heartbeats, and
// reports pending queue depth. Implemented by the queue store.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	Depth(ctx context.Context) (int, error)
}

// JobControl registers and toggles the orchestrator's recurring jobs.
// Implemented by the scheduler.
type JobControl interface {
	Exists(name string) bool
	Ensure(name, spec string, enabled bool, fn func()) error
	Enable(name string) error
	Disable(name string) error
}

// SendPath lets the orchestrator pin the producer send path into
// queued mode during a switch. Implemented by the pipeline.
type SendPath interface {
	SetForceQueued(on bool) (prev bool)
}

// Config controls failover behavior. Zero values take defaults.
type Config struct {
	// Enabled gates all fallback decisions; when false the mode
	// never leaves AGENT_PRIMARY.
	Enabled bool
	// CheckInterval is the agent's expected heartbeat cadence.
	CheckInterval time.Duration
	// MaxMissedHeartbeats is how many missed intervals mark the
	// agent DEAD.
	MaxMissedHeartbeats int
	// DegradedRatio is the processed/planned ratio below which the
	// agent counts as DEGRADED.
	DegradedRatio float64
	// QueueDepthThreshold is the pending-item count above which a
	// DEGRADED or UNKNOWN agent triggers fallback.
	QueueDepthThreshold int
	// HealthMonitorSchedule and LocalDeliverySchedule are the cron
	// specs for the orchestrator's two jobs.
	HealthMonitorSchedule string
	LocalDeliverySchedule string
	// HeartbeatLogInterval is the cadence of the steady-state
	// heartbeat record emitted when no transition happens.
	HeartbeatLogInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		CheckInterval:         time.Minute,
		MaxMissedHeartbeats:   3,
		DegradedRatio:         0.7,
		QueueDepthThreshold:   1000,
		HealthMonitorSchedule: "@every 1m",
		LocalDeliverySchedule: "@every 30s",
		HeartbeatLogInterval:  10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = d.DegradedRatio
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = d.QueueDepthThreshold
	}
	if c.HealthMonitorSchedule == "" {
		c.HealthMonitorSchedule = d.HealthMonitorSchedule
	}
	if c.LocalDeliverySchedule == "" {
		c.LocalDeliverySchedule = d.LocalDeliverySchedule
	}
	if c.HeartbeatLogInterval <= 0 {
		c.HeartbeatLogInterval = d.HeartbeatLogInterval
	}
}

// Orchestrator runs the failover state machine. Ticks are serialized;
// the scheduler already never overlaps ticks of the same job, and the
// internal mutex covers direct calls.
type Orchestrator struct {
	cfg      Config
	store    StateStore
	jobs     JobControl
	sendPath SendPath

	// workerTick is the local delivery job body, injected by the
	// pipeline wiring.
	workerTick func()

	// record emits self-telemetry envelopes (transition traces and
	// heartbeat logs) through the pipeline. Best-effort; may be nil.
	record func(*envelope.Envelope)

	mu               sync.Mutex
	lastHeartbeatLog time.Time

	nowFunc func() time.Time
}

// New creates an orchestrator. workerTick becomes the body of the
// local delivery job; record, when non-nil, receives self-telemetry
// envelopes for transitions and steady-state heartbeats.
func New(cfg Config, store StateStore, jobs JobControl, sendPath SendPath, workerTick func(), record func(*envelope.Envelope)) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		jobs:       jobs,
		sendPath:   sendPath,
		workerTick: workerTick,
		record:     record,
		nowFunc:    time.Now,
	}
}

// RecordAgentHeartbeat persists the primary agent's self-report.
func (o *Orchestrator) RecordAgentHeartbeat(ctx context.Context, processed, planned int64) error {
	now := o.nowFunc()
	if err := o.store.SetState(ctx, stateKeyHeartbeatAt, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persist heartbeat time: %w", err)
	}
	if err := o.store.SetState(ctx, stateKeyProcessed, strconv.FormatInt(processed, 10)); err != nil {
		return fmt.Errorf("persist heartbeat processed: %w", err)
	}
	if err := o.store.SetState(ctx, stateKeyPlanned, strconv.FormatInt(planned, 10)); err != nil {
		return fmt.Errorf("persist heartbeat planned: %w", err)
	}
	return nil
}

// Mode reads the persisted processing mode; an unset store defaults
// to AGENT_PRIMARY.
func (o *Orchestrator) Mode(ctx context.Context) (ProcessingMode, error) {
	v, err := o.store.GetState(ctx, stateKeyMode)
	if err != nil {
		return ModeAgentPrimary, fmt.Errorf("read processing mode: %w", err)
	}
	if v == "" {
		return ModeAgentPrimary, nil
	}
	return ProcessingMode(v), nil
}

// Health derives the agent's current health snapshot.
func (o *Orchestrator) Health(ctx context.Context) HealthSnapshot {
	hb := o.readHeartbeat(ctx)
	return ClassifyHealth(hb, o.nowFunc(), o.cfg.CheckInterval, o.cfg.MaxMissedHeartbeats, o.cfg.DegradedRatio)
}

func (o *Orchestrator) readHeartbeat(ctx context.Context) *Heartbeat {
	at, err := o.store.GetState(ctx, stateKeyHeartbeatAt)
	if err != nil || at == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		logging.Warn("unreadable agent heartbeat time",
			logging.F("value", at),
			logging.F("error", err.Error()))
		return nil
	}
	hb := &Heartbeat{At: ts}
	if v, err := o.store.GetState(ctx, stateKeyProcessed); err == nil {
		hb.Processed, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := o.store.GetState(ctx, stateKeyPlanned); err == nil {
		hb.Planned, _ = strconv.ParseInt(v, 10, 64)
	}
	return hb
}

// Tick runs one orchestration cycle: bootstrap jobs if missing,
// classify agent health, decide fallback, and transition if needed.
// Errors toggling jobs or persisting the mode are returned to the
// caller; the persisted mode is never left half-written.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.bootstrap(); err != nil {
		return err
	}

	mode, err := o.Mode(ctx)
	if err != nil {
		return err
	}

	health := o.Health(ctx)
	agentHealthGauge.Set(healthValue(health.Status))

	depth, err := o.store.Depth(ctx)
	if err != nil {
		return fmt.Errorf("read queue depth: %w", err)
	}

	fallback, reason := o.shouldFallback(health, depth)

	switch {
	case mode == ModeAgentPrimary && fallback:
		return o.enterFallback(ctx, health, depth, reason)
	case mode == ModeLocalFallback && !fallback && health.Status == AgentHealthy:
		return o.exitFallback(ctx, health, depth)
	default:
		o.maybeLogHeartbeat(mode, health, depth, fallback)
		return nil
	}
}

// bootstrap creates the orchestrator's recurring jobs on first tick.
// The local delivery job starts disabled; entering fallback enables it.
func (o *Orchestrator) bootstrap() error {
	if o.jobs.Exists(JobHealthMonitor) {
		return nil
	}
	if err := o.jobs.Ensure(JobHealthMonitor, o.cfg.HealthMonitorSchedule, true, func() {
		if err := o.Tick(context.Background()); err != nil {
			logging.Error("orchestrator tick failed", logging.F("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("bootstrap health monitor job: %w", err)
	}
	if err := o.jobs.Ensure(JobLocalDelivery, o.cfg.LocalDeliverySchedule, false, o.workerTick); err != nil {
		return fmt.Errorf("bootstrap local delivery job: %w", err)
	}
	logging.Info("failover jobs bootstrapped",
		logging.F("health_monitor", o.cfg.HealthMonitorSchedule),
		logging.F("local_delivery", o.cfg.LocalDeliverySchedule))
	return nil
}

// shouldFallback decides whether the local worker should own delivery.
func (o *Orchestrator) shouldFallback(health HealthSnapshot, depth int) (bool, string) {
	if !o.cfg.Enabled {
		return false, ""
	}
	switch health.Status {
	case AgentDead:
		return true, ReasonHeartbeatMissing
	case AgentDegraded:
		if depth > o.cfg.QueueDepthThreshold {
			return true, ReasonAgentDegraded
		}
	case AgentUnknown:
		if depth > o.cfg.QueueDepthThreshold {
			return true, ReasonQueueDepthExceeded
		}
	}
	return false, ""
}

func (o *Orchestrator) enterFallback(ctx context.Context, health HealthSnapshot, depth int, reason string) error {
	// Pin producers into the queue while delivery ownership moves,
	// restoring their configured sync/async setting afterwards.
	var prevForced bool
	if o.sendPath != nil {
		prevForced = o.sendPath.SetForceQueued(true)
		defer o.sendPath.SetForceQueued(prevForced)
	}

	if err := o.jobs.Enable(JobLocalDelivery); err != nil {
		return fmt.Errorf("enable local delivery job: %w", err)
	}
	if err := o.store.SetState(ctx, stateKeyMode, string(ModeLocalFallback)); err != nil {
		// Roll the job back so mode and worker state stay coherent.
		if derr := o.jobs.Disable(JobLocalDelivery); derr != nil {
			logging.Error("failed to roll back local delivery job", logging.F("error", derr.Error()))
		}
		return fmt.Errorf("persist processing mode: %w", err)
	}

	o.emitTransition(ModeAgentPrimary, ModeLocalFallback, reason, health, depth)
	return nil
}

func (o *Orchestrator) exitFallback(ctx context.Context, health HealthSnapshot, depth int) error {
	if err := o.jobs.Disable(JobLocalDelivery); err != nil {
		return fmt.Errorf("disable local delivery job: %w", err)
	}
	if err := o.store.SetState(ctx, stateKeyMode, string(ModeAgentPrimary)); err != nil {
		if eerr := o.jobs.Enable(JobLocalDelivery); eerr != nil {
			logging.Error("failed to roll back local delivery job", logging.F("error", eerr.Error()))
		}
		return fmt.Errorf("persist processing mode: %w", err)
	}

	o.emitTransition(ModeLocalFallback, ModeAgentPrimary, ReasonAgentRecovered, health, depth)
	return nil
}

// emitTransition writes the transition to the process log, metrics,
// and as self-telemetry (a span plus a log record) when a recorder is
// wired. Self-telemetry is best-effort.
func (o *Orchestrator) emitTransition(from, to ProcessingMode, reason string, health HealthSnapshot, depth int) {
	transitionsTotal.WithLabelValues(string(from), string(to), reason).Inc()
	modeGauge.Set(modeValue(to))

	logging.Info("processing mode transition",
		logging.F("previous_mode", string(from)),
		logging.F("new_mode", string(to)),
		logging.F("trigger.reason", reason),
		logging.F("agent_health", string(health.Status)),
		logging.F("queue_depth", depth))

	if o.record == nil {
		return
	}
	now := o.nowFunc().UTC().Format(time.RFC3339Nano)
	attrs := map[string]interface{}{
		"previous_mode":  string(from),
		"new_mode":       string(to),
		"trigger.reason": reason,
		"agent_health":   string(health.Status),
		"queue_depth":    depth,
	}
	o.record(&envelope.Envelope{
		Kind:          envelope.KindSpan,
		TraceID:       otlp.NewTraceID(),
		SpanID:        otlp.NewSpanID(),
		OperationName: "processing_mode_transition",
		StartTime:     now,
		EndTime:       now,
		Status:        "OK",
		Attributes:    attrs,
	})
	o.record(&envelope.Envelope{
		Kind:       envelope.KindLog,
		Severity:   "info",
		Message:    fmt.Sprintf("processing mode %s -> %s (%s)", from, to, reason),
		Timestamp:  now,
		Attributes: attrs,
	})
}

// maybeLogHeartbeat emits the steady-state record at most once per
// HeartbeatLogInterval.
func (o *Orchestrator) maybeLogHeartbeat(mode ProcessingMode, health HealthSnapshot, depth int, fallback bool) {
	now := o.nowFunc()
	if now.Sub(o.lastHeartbeatLog) < o.cfg.HeartbeatLogInterval {
		return
	}
	o.lastHeartbeatLog = now

	logging.Debug("failover heartbeat",
		logging.F("mode", string(mode)),
		logging.F("agent_health", string(health.Status)),
		logging.F("queue_depth", depth),
		logging.F("should_fallback", fallback))

	if o.record != nil {
		o.record(&envelope.Envelope{
			Kind:      envelope.KindLog,
			Severity:  "debug",
			Message:   "failover heartbeat",
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			Attributes: map[string]interface{}{
				"mode":            string(mode),
				"agent_health":    string(health.Status),
				"queue_depth":     depth,
				"should_fallback": fallback,
			},
		})
	}
}

func modeValue(m ProcessingMode) float64 {
	if m == ModeLocalFallback {
		return 1
	}
	return 0
}

func healthValue(s AgentStatus) float64 {
	switch s {
	case AgentHealthy:
		return 0
	case AgentDegraded:
		return 1
	case AgentDead:
		return 2
	default:
		return 3
	}
}
