// Package ratelimit computes the delivery batch size from recent
// latency and error-rate signals. It is admission control for the
// delivery worker, not a hard throughput cap.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Tier maps an observed latency ceiling to a batch size. Lower
// priority numbers are more generous.
type Tier struct {
	Priority         int           `yaml:"priority"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	BatchSize        int           `yaml:"batch_size"`
}

// Config controls batch sizing. Zero values take defaults.
type Config struct {
	// Tiers is the ordered latency/batch table. The most generous
	// tier whose threshold still covers observed latency wins.
	Tiers []Tier
	// Window is the observation window for latency and error rate.
	Window time.Duration
	// DefaultBatch is used until the first outcome arrives.
	DefaultBatch int
	// MinBatch and MaxBatch clamp the final result.
	MinBatch int
	MaxBatch int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{Priority: 1, LatencyThreshold: 200 * time.Millisecond, BatchSize: 200},
			{Priority: 2, LatencyThreshold: 500 * time.Millisecond, BatchSize: 100},
			{Priority: 3, LatencyThreshold: time.Second, BatchSize: 50},
			{Priority: 4, LatencyThreshold: 5 * time.Second, BatchSize: 20},
		},
		Window:       5 * time.Minute,
		DefaultBatch: 50,
		MinBatch:     1,
		MaxBatch:     500,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.DefaultBatch <= 0 {
		c.DefaultBatch = d.DefaultBatch
	}
	if c.MinBatch <= 0 {
		c.MinBatch = d.MinBatch
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = c.MinBatch
	}
}

type outcome struct {
	at      time.Time
	latency time.Duration
	ok      bool
}

// Controller tracks delivery outcomes and derives the batch size.
// Thread-safe for concurrent use.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	outcomes []outcome

	nowFunc func() time.Time
}

// New creates a controller. Tiers are sorted by priority so lookup
// always walks from most to least generous.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	sort.Slice(cfg.Tiers, func(i, j int) bool {
		return cfg.Tiers[i].Priority < cfg.Tiers[j].Priority
	})
	return &Controller{
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// RecordOutcome records one delivery attempt's latency and result.
func (c *Controller) RecordOutcome(latency time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	c.outcomes = append(c.outcomes, outcome{at: now, latency: latency, ok: ok})
	c.prune(now)
}

// OptimalBatchSize returns the batch size for the next delivery
// cycle: tier lookup by average latency, an error-rate penalty, then
// a clamp to [MinBatch, MaxBatch].
func (c *Controller) OptimalBatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.nowFunc())

	size := c.cfg.DefaultBatch
	if len(c.outcomes) > 0 {
		avg, errRate := c.aggregate()
		size = c.tierFor(avg)
		switch {
		case errRate > 0.10:
			size = size / 2
		case errRate > 0.05:
			size = size * 3 / 4
		}
	}

	if size < c.cfg.MinBatch {
		size = c.cfg.MinBatch
	}
	if size > c.cfg.MaxBatch {
		size = c.cfg.MaxBatch
	}
	batchSizeGauge.Set(float64(size))
	return size
}

// tierFor returns the batch size of the most generous tier whose
// threshold covers the observed latency, or the least generous tier's
// size when nothing covers it. Must be called under mu.
func (c *Controller) tierFor(latency time.Duration) int {
	for _, t := range c.cfg.Tiers {
		if latency <= t.LatencyThreshold {
			return t.BatchSize
		}
	}
	return c.cfg.Tiers[len(c.cfg.Tiers)-1].BatchSize
}

// aggregate returns average latency and error rate over the window.
// Must be called under mu with at least one outcome present.
func (c *Controller) aggregate() (avg time.Duration, errRate float64) {
	var sum time.Duration
	failures := 0
	for _, o := range c.outcomes {
		sum += o.latency
		if !o.ok {
			failures++
		}
	}
	n := len(c.outcomes)
	return sum / time.Duration(n), float64(failures) / float64(n)
}

func (c *Controller) prune(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.outcomes) && c.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.outcomes = append(c.outcomes[:0], c.outcomes[i:]...)
	}
}
