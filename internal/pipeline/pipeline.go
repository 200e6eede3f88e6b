// Package pipeline is the producer-facing send path. Instrumented
// code hands it envelopes; the pipeline samples and routes each one
// either synchronously through the transport or into the durable
// queue. A pipeline failure never propagates into the producer's own
// work: the worst outcome for a caller is a dropped diagnostic.
package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/courierlabs/otlp-courier/internal/envelope"
	"github.com/courierlabs/otlp-courier/internal/logging"
	"github.com/courierlabs/otlp-courier/internal/otlp"
	"github.com/courierlabs/otlp-courier/internal/pulse"
	"github.com/courierlabs/otlp-courier/internal/queue"
)

// Sender delivers one encoded document. Implemented by the transport.
type Sender interface {
	Send(ctx context.Context, doc *otlp.Document) error
}

// Config controls the send path.
type Config struct {
	// SyncSend attempts direct delivery before falling back to the
	// queue. Off by default: queued delivery is the resilient path.
	SyncSend bool
}

// Pipeline routes envelopes from producers to the queue or transport.
type Pipeline struct {
	cfg      Config
	store    *queue.Store
	encoder  *otlp.Encoder
	sender   Sender
	throttle *pulse.Controller

	// forceQueued pins the path into the queue regardless of
	// SyncSend; the failover orchestrator holds it during mode
	// switches.
	forceQueued atomic.Bool
}

// New wires a pipeline. throttle may be nil for full capacity.
func New(cfg Config, store *queue.Store, enc *otlp.Encoder, sender Sender, throttle *pulse.Controller) *Pipeline {
	if throttle == nil {
		throttle = pulse.New(nil)
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		encoder:  enc,
		sender:   sender,
		throttle: throttle,
	}
}

// SetForceQueued pins or unpins the queued path, returning the prior
// setting so callers can restore it.
func (p *Pipeline) SetForceQueued(on bool) (prev bool) {
	return p.forceQueued.Swap(on)
}

// Send accepts one envelope from a producer. Throttle-disabled
// categories and sampled-out items are dropped; everything else is
// enqueued, or delivered inline when SyncSend is on and nothing pins
// the queue. Errors are resolved internally; the return value only
// reports envelopes rejected as invalid.
func (p *Pipeline) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		rejectedTotal.Inc()
		return err
	}

	if !p.throttle.CategoryEnabled(string(env.Kind)) {
		droppedTotal.WithLabelValues(string(env.Kind), "category_disabled").Inc()
		return nil
	}
	if !p.throttle.Sample() {
		droppedTotal.WithLabelValues(string(env.Kind), "sampled_out").Inc()
		return nil
	}

	if !p.cfg.SyncSend || p.forceQueued.Load() {
		return p.enqueue(ctx, env)
	}

	doc, err := p.encoder.Encode(env)
	if err != nil {
		// Unencodable now may be encodable after a config change;
		// park it in the queue like any other failure.
		logging.Warn("inline encode failed, queueing item",
			logging.F("kind", string(env.Kind)),
			logging.F("error", err.Error()))
		return p.enqueue(ctx, env)
	}
	if err := p.sender.Send(ctx, doc); err != nil {
		syncFailuresTotal.WithLabelValues(string(env.Kind)).Inc()
		logging.Debug("inline delivery failed, queueing item",
			logging.F("kind", string(env.Kind)),
			logging.F("error", err.Error()))
		return p.enqueue(ctx, env)
	}
	sentTotal.WithLabelValues(string(env.Kind), "sync").Inc()
	return nil
}

func (p *Pipeline) enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := p.store.Enqueue(ctx, env); err != nil {
		// Failure isolation: the producer's own work must not fail
		// because telemetry could not be persisted.
		droppedTotal.WithLabelValues(string(env.Kind), "enqueue_failed").Inc()
		logging.Error("failed to enqueue envelope",
			logging.F("kind", string(env.Kind)),
			logging.F("error", err.Error()))
		return nil
	}
	sentTotal.WithLabelValues(string(env.Kind), "queued").Inc()
	return nil
}
