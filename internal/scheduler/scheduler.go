// Package scheduler runs the pipeline's recurring jobs (worker ticks,
// orchestrator ticks) on cron schedules. Jobs are registered by name
// and can be enabled or disabled at runtime; a disabled job stays
// registered but its ticks become no-ops. Two ticks of the same job
// never overlap.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/courierlabs/otlp-courier/internal/logging"
)

type job struct {
	name    string
	spec    string
	entryID cron.EntryID
	enabled atomic.Bool
	running atomic.Bool
}

// Scheduler manages named recurring jobs. Thread-safe.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*job
	started bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: map[string]*job{},
	}
}

// SpecInterval returns the nominal gap between two consecutive runs
// of a cron spec.
func SpecInterval(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	first := sched.Next(time.Now())
	return sched.Next(first).Sub(first), nil
}

// Exists reports whether a job with the given name is registered.
func (s *Scheduler) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Ensure registers a job under the given name if it does not already
// exist. The spec uses cron syntax, including "@every 30s" intervals.
// A job created with enabled=false stays registered but dormant until
// Enable is called.
func (s *Scheduler) Ensure(name, spec string, enabled bool, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	j := &job{name: name, spec: spec}
	j.enabled.Store(enabled)

	id, err := s.cron.AddFunc(spec, func() {
		if !j.enabled.Load() {
			return
		}
		// One tick at a time; overlapping fires are skipped, not queued.
		if !j.running.CompareAndSwap(false, true) {
			skippedTicksTotal.WithLabelValues(j.name).Inc()
			logging.Warn("job tick skipped, previous tick still running",
				logging.F("job", j.name))
			return
		}
		defer j.running.Store(false)
		ticksTotal.WithLabelValues(j.name).Inc()
		fn()
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j

	logging.Info("job registered",
		logging.F("job", name),
		logging.F("schedule", spec),
		logging.F("enabled", enabled))
	return nil
}

// Enable turns a registered job's ticks on.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable turns a registered job's ticks off without unregistering it.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

// Enabled reports whether the named job's ticks currently run.
func (s *Scheduler) Enabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return ok && j.enabled.Load()
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	if j.enabled.Swap(enabled) != enabled {
		logging.Info("job toggled",
			logging.F("job", name),
			logging.F("enabled", enabled))
	}
	return nil
}

// NextRun returns the next fire time of a registered job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entryID).Next, true
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts scheduling and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	logging.Info("scheduler stopped")
}
