// Package worker drains the durable queue and delivers claimed items
// through the encoder and transport. One RunOnce call is one delivery
// cycle; the scheduler invokes it as the local-delivery job.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/courierlabs/otlp-courier/internal/breaker"
	"github.com/courierlabs/otlp-courier/internal/logging"
	"github.com/courierlabs/otlp-courier/internal/otlp"
	"github.com/courierlabs/otlp-courier/internal/pulse"
	"github.com/courierlabs/otlp-courier/internal/queue"
	"github.com/courierlabs/otlp-courier/internal/ratelimit"
)

// Sender delivers one encoded document. Implemented by the transport.
type Sender interface {
	Send(ctx context.Context, doc *otlp.Document) error
}

// Worker owns one delivery loop over the queue.
type Worker struct {
	store    *queue.Store
	encoder  *otlp.Encoder
	sender   Sender
	breaker  *breaker.Breaker
	limiter  *ratelimit.Controller
	throttle *pulse.Controller

	mu           sync.Mutex
	baseInterval time.Duration
	lastCycle    time.Time

	nowFunc func() time.Time
}

// New wires a worker. All collaborators are required except throttle,
// which defaults to full capacity when nil.
func New(store *queue.Store, enc *otlp.Encoder, sender Sender, brk *breaker.Breaker, limiter *ratelimit.Controller, throttle *pulse.Controller) *Worker {
	if throttle == nil {
		throttle = pulse.New(nil)
	}
	return &Worker{
		store:    store,
		encoder:  enc,
		sender:   sender,
		breaker:  brk,
		limiter:  limiter,
		throttle: throttle,
		nowFunc:  time.Now,
	}
}

// SetBaseInterval declares the nominal delivery cadence. With a base
// interval set, RunOnce skips cycles that arrive before the
// throttle-stretched interval has elapsed; hibernation's 60x stretch
// slows the loop without touching the cron schedule. Zero disables
// the gate.
func (w *Worker) SetBaseInterval(d time.Duration) {
	w.mu.Lock()
	w.baseInterval = d
	w.mu.Unlock()
}

// cadenceAllows reports whether enough stretched time has passed since
// the last cycle, recording the new cycle start when it has.
func (w *Worker) cadenceAllows() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.nowFunc()
	if w.baseInterval > 0 && !w.lastCycle.IsZero() {
		if now.Sub(w.lastCycle) < w.throttle.ScaleInterval(w.baseInterval) {
			return false
		}
	}
	w.lastCycle = now
	return true
}

// CycleStats summarizes one RunOnce call.
type CycleStats struct {
	Drained   int
	Delivered int
	Failed    int
	Skipped   int
}

// RunOnce runs one delivery cycle: breaker and throttle gates, batch
// sizing, then a sequential claim/encode/send/resolve pass over the
// drained items. An open breaker skips the whole cycle without
// touching attempt counts. Item-level failures are recorded on the
// item and never abort the cycle; only queue access errors are
// returned.
func (w *Worker) RunOnce(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	if !w.throttle.QueueEnabled() {
		return stats, nil
	}
	if !w.breaker.Allow() {
		cyclesSkippedTotal.WithLabelValues("breaker_open").Inc()
		logging.Debug("delivery cycle skipped, circuit open")
		return stats, nil
	}
	if !w.cadenceAllows() {
		cyclesSkippedTotal.WithLabelValues("interval_stretch").Inc()
		return stats, nil
	}

	// Batch multiplier shapes the send batch; capacity multiplier
	// bounds how many items this cycle may claim at all.
	batch := w.throttle.ScaleBatch(w.limiter.OptimalBatchSize())
	items, err := w.store.Drain(ctx, w.throttle.ScaleCapacity(batch))
	if err != nil {
		return stats, err
	}
	stats.Drained = len(items)

	for _, it := range items {
		// A disabled category stays queued for a later cycle; no
		// claim, no attempt burned.
		if !w.throttle.CategoryEnabled(it.Kind) {
			stats.Skipped++
			continue
		}

		if err := w.store.Claim(ctx, it); err != nil {
			if err == queue.ErrClaimLost {
				// Another worker owns it; expected under overlap.
				stats.Skipped++
				continue
			}
			return stats, err
		}

		if w.deliver(ctx, it) {
			stats.Delivered++
		} else {
			stats.Failed++
		}
	}

	if depth, err := w.store.Depth(ctx); err == nil {
		queueDepthAfterCycle.Set(float64(depth))
	}
	return stats, nil
}

// deliver attempts one claimed item and resolves its outcome. Returns
// true on successful delivery.
func (w *Worker) deliver(ctx context.Context, it *queue.Item) bool {
	env, err := it.Envelope()
	if err != nil {
		// Undecodable payloads are retried to the attempt cap like
		// any other failure; the cap is the backstop.
		w.resolveFailure(ctx, it, "decode: "+err.Error())
		return false
	}

	doc, err := w.encoder.Encode(env)
	if err != nil {
		w.resolveFailure(ctx, it, "encode: "+err.Error())
		return false
	}

	start := time.Now()
	err = w.sender.Send(ctx, doc)
	latency := time.Since(start)

	w.limiter.RecordOutcome(latency, err == nil)
	if err != nil {
		w.breaker.RecordFailure()
		w.resolveFailure(ctx, it, err.Error())
		return false
	}
	w.breaker.RecordSuccess()

	if err := w.store.MarkProcessed(ctx, it.ID); err != nil {
		logging.Error("failed to mark item processed",
			logging.F("item_id", it.ID),
			logging.F("error", err.Error()))
		return false
	}
	return true
}

// resolveFailure records the error text on the item. Best-effort:
// losing the diagnostic must not escalate.
func (w *Worker) resolveFailure(ctx context.Context, it *queue.Item, errText string) {
	if err := w.store.MarkFailed(ctx, it.ID, errText); err != nil {
		logging.Error("failed to record item failure",
			logging.F("item_id", it.ID),
			logging.F("error", err.Error()))
	}
	if it.Attempts >= w.store.MaxAttempts() {
		exhaustedTotal.WithLabelValues(it.Kind).Inc()
		logging.Warn("item exhausted delivery attempts",
			logging.F("item_id", it.ID),
			logging.F("kind", it.Kind),
			logging.F("last_error", errText))
	}
}
