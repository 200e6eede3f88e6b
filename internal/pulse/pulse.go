// Package pulse implements the coarse 5-level degradation ladder.
// Each level scales capacity, batch size, cycle intervals, and
// sampling, and can switch whole telemetry categories off. The
// controller is a configuration lookup: escalation policy (when to
// change levels) lives with the operator, not here.
package pulse

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/courierlabs/otlp-courier/internal/logging"
)

// Mode identifies one throttle level.
type Mode int

const (
	ModeFull         Mode = 1
	ModeReduced      Mode = 2
	ModeConservative Mode = 3
	ModeMinimal      Mode = 4
	ModeHibernation  Mode = 5
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeReduced:
		return "reduced"
	case ModeConservative:
		return "conservative"
	case ModeMinimal:
		return "minimal"
	case ModeHibernation:
		return "hibernation"
	default:
		return "unknown"
	}
}

// ModeConfig carries the multipliers and toggles for one level.
type ModeConfig struct {
	CapacityMultiplier float64 `yaml:"capacity_multiplier"`
	BatchMultiplier    float64 `yaml:"batch_multiplier"`
	IntervalMultiplier float64 `yaml:"interval_multiplier"`
	SamplingRate       float64 `yaml:"sampling_rate"`
	MetricsEnabled     bool    `yaml:"metrics_enabled"`
	LogsEnabled        bool    `yaml:"logs_enabled"`
	QueueEnabled       bool    `yaml:"queue_enabled"`
}

// DefaultTable returns the built-in mode table. Level 1 is full
// capacity; hibernation disables queue processing, samples at 5%,
// and stretches intervals 60x.
func DefaultTable() map[Mode]ModeConfig {
	return map[Mode]ModeConfig{
		ModeFull:         {CapacityMultiplier: 1.0, BatchMultiplier: 1.0, IntervalMultiplier: 1.0, SamplingRate: 1.0, MetricsEnabled: true, LogsEnabled: true, QueueEnabled: true},
		ModeReduced:      {CapacityMultiplier: 0.75, BatchMultiplier: 0.75, IntervalMultiplier: 2.0, SamplingRate: 0.75, MetricsEnabled: true, LogsEnabled: true, QueueEnabled: true},
		ModeConservative: {CapacityMultiplier: 0.5, BatchMultiplier: 0.5, IntervalMultiplier: 4.0, SamplingRate: 0.5, MetricsEnabled: true, LogsEnabled: false, QueueEnabled: true},
		ModeMinimal:      {CapacityMultiplier: 0.25, BatchMultiplier: 0.25, IntervalMultiplier: 10.0, SamplingRate: 0.25, MetricsEnabled: false, LogsEnabled: false, QueueEnabled: true},
		ModeHibernation:  {CapacityMultiplier: 0.05, BatchMultiplier: 0.1, IntervalMultiplier: 60.0, SamplingRate: 0.05, MetricsEnabled: false, LogsEnabled: false, QueueEnabled: false},
	}
}

// Controller holds the mode table and the currently active mode.
// Thread-safe for concurrent use.
type Controller struct {
	mu    sync.RWMutex
	table map[Mode]ModeConfig
	mode  Mode

	randFunc func() float64
}

// New creates a controller starting at full capacity. A nil or empty
// table uses DefaultTable; a partial table is backfilled from it.
func New(table map[Mode]ModeConfig) *Controller {
	merged := DefaultTable()
	for m, cfg := range table {
		merged[m] = cfg
	}
	return &Controller{
		table:    merged,
		mode:     ModeFull,
		randFunc: rand.Float64,
	}
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode switches the active level.
func (c *Controller) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.table[m]; !ok {
		return fmt.Errorf("unknown pulse mode %d", m)
	}
	if m == c.mode {
		return nil
	}
	prev := c.mode
	c.mode = m
	modeGauge.Set(float64(m))
	logging.Info("pulse mode change",
		logging.F("from", prev.String()),
		logging.F("to", m.String()))
	return nil
}

// Active returns the config of the active mode.
func (c *Controller) Active() ModeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table[c.mode]
}

// ScaleBatch applies the active batch multiplier, never going below 1.
func (c *Controller) ScaleBatch(size int) int {
	scaled := int(float64(size) * c.Active().BatchMultiplier)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// ScaleCapacity applies the active capacity multiplier to a cycle's
// item budget, never going below 1.
func (c *Controller) ScaleCapacity(n int) int {
	scaled := int(float64(n) * c.Active().CapacityMultiplier)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// ScaleInterval applies the active interval multiplier.
func (c *Controller) ScaleInterval(d time.Duration) time.Duration {
	return time.Duration(float64(d) * c.Active().IntervalMultiplier)
}

// QueueEnabled reports whether queue processing runs at all.
func (c *Controller) QueueEnabled() bool {
	return c.Active().QueueEnabled
}

// CategoryEnabled reports whether a telemetry kind is admitted.
// Spans are never switched off; they carry the correlation backbone.
func (c *Controller) CategoryEnabled(kind string) bool {
	cfg := c.Active()
	switch kind {
	case "metric":
		return cfg.MetricsEnabled
	case "log":
		return cfg.LogsEnabled
	default:
		return true
	}
}

// SetRandFunc overrides the sampling randomness source. Intended for
// deterministic tests.
func (c *Controller) SetRandFunc(fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.randFunc = fn
}

// Sample reports whether one item passes the active sampling rate.
func (c *Controller) Sample() bool {
	c.mu.RLock()
	rate := c.table[c.mode].SamplingRate
	rnd := c.randFunc
	c.mu.RUnlock()

	if rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rnd() < rate
}
