// Package breaker implements a windowed error-rate circuit breaker
// protecting the delivery path. Unlike a consecutive-failure breaker,
// it trips on the failure fraction over a sliding window, so sporadic
// errors under load do not open the circuit.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/courierlabs/otlp-courier/internal/logging"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior. Zero values take defaults.
type Config struct {
	// Window is the sliding window over which the error rate is
	// computed while closed.
	Window time.Duration
	// MinSamples is the minimum number of outcomes in the window
	// before the error rate is evaluated at all.
	MinSamples int
	// ErrorThreshold is the failure fraction (0..1) that opens the
	// circuit once MinSamples is reached.
	ErrorThreshold float64
	// RecoveryTimeout is how long the circuit stays open before
	// probing is allowed.
	RecoveryTimeout time.Duration
	// HalfOpenSamples is the number of outcomes observed in half-open
	// before a close/reopen decision is made. Half-open does not
	// reduce traffic; only the promotion decision is gated.
	HalfOpenSamples int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:          2 * time.Minute,
		MinSamples:      50,
		ErrorThreshold:  0.5,
		RecoveryTimeout: 5 * time.Minute,
		HalfOpenSamples: 10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenSamples <= 0 {
		c.HalfOpenSamples = d.HalfOpenSamples
	}
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker is a sliding-window error-rate circuit breaker.
// Thread-safe for concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    atomic.Int32 // State
	samples  []sample     // window outcomes, oldest first
	openedAt time.Time

	// Half-open probe accounting.
	probeSuccesses int
	probeFailures  int

	// Optional transition callback.
	onTransition func(from, to State)

	nowFunc func() time.Time
}

// New creates a breaker with the given config.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		cfg:     cfg,
		nowFunc: time.Now,
	}
	b.state.Store(int32(StateClosed))
	return b
}

// SetTransitionCallback sets an optional callback for state transitions.
func (b *Breaker) SetTransitionCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a delivery attempt may proceed. An open
// circuit past its recovery timeout transitions to half-open, which
// admits full traffic while the promotion decision accumulates.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if State(b.state.Load()) != StateOpen {
			return true
		}
		if b.nowFunc().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.probeSuccesses = 0
			b.probeFailures = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful delivery outcome.
func (b *Breaker) RecordSuccess() { b.record(true) }

// RecordFailure records a failed delivery outcome.
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		now := b.nowFunc()
		b.samples = append(b.samples, sample{at: now, ok: ok})
		b.prune(now)
		total, failures := b.tally()
		// Strictly greater: exactly at the threshold stays closed.
		if total >= b.cfg.MinSamples && float64(failures)/float64(total) > b.cfg.ErrorThreshold {
			b.openedAt = now
			b.transition(StateOpen)
			b.samples = b.samples[:0]
		}
	case StateHalfOpen:
		if ok {
			b.probeSuccesses++
		} else {
			b.probeFailures++
		}
		if b.probeSuccesses+b.probeFailures >= b.cfg.HalfOpenSamples {
			b.decideHalfOpen()
		}
	case StateOpen:
		// Stragglers from in-flight attempts; ignored.
	}
}

// decideHalfOpen resolves a half-open observation window. Closes when
// the observed error rate is at or below half the trip threshold,
// reopens otherwise. Must be called under mu.
func (b *Breaker) decideHalfOpen() {
	total := b.probeSuccesses + b.probeFailures
	rate := float64(b.probeFailures) / float64(total)
	if rate <= b.cfg.ErrorThreshold/2 {
		b.transition(StateClosed)
		b.samples = b.samples[:0]
	} else {
		b.openedAt = b.nowFunc()
		b.transition(StateOpen)
	}
}

// prune drops samples that fell out of the window. Must be called
// under mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) tally() (total, failures int) {
	for _, s := range b.samples {
		total++
		if !s.ok {
			failures++
		}
	}
	return total, failures
}

// ErrorRate returns the current windowed failure fraction and sample
// count. Diagnostic only.
func (b *Breaker) ErrorRate() (rate float64, samples int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.nowFunc())
	total, failures := b.tally()
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// transition changes the state (must be called under mu.Lock).
func (b *Breaker) transition(to State) {
	from := State(b.state.Load())
	if from == to {
		return
	}
	b.state.Store(int32(to))
	stateGauge.Set(float64(to))
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	logging.Info("circuit breaker state change",
		logging.F("from", from.String()),
		logging.F("to", to.String()))
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
