package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestEnsureIdempotent(t *testing.T) {
	s := New()
	ran := atomic.Int32{}

	if err := s.Ensure("worker", "@every 1h", true, func() { ran.Add(1) }); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := s.Ensure("worker", "@every 1s", true, func() { t.Error("second fn registered") }); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if !s.Exists("worker") {
		t.Error("Exists() = false after Ensure")
	}
}

func TestEnsureRejectsBadSchedule(t *testing.T) {
	s := New()
	if err := s.Ensure("bad", "not a schedule", true, func() {}); err == nil {
		t.Error("Ensure() should reject an invalid schedule")
	}
	if s.Exists("bad") {
		t.Error("invalid job must not be registered")
	}
}

func TestSpecInterval(t *testing.T) {
	got, err := SpecInterval("@every 30s")
	if err != nil {
		t.Fatalf("SpecInterval() error = %v", err)
	}
	if got != 30*time.Second {
		t.Errorf("SpecInterval(@every 30s) = %v, want 30s", got)
	}
	if _, err := SpecInterval("not a schedule"); err == nil {
		t.Error("SpecInterval() should reject an invalid spec")
	}
}

func TestEnableDisable(t *testing.T) {
	s := New()
	s.Ensure("delivery", "@every 1h", false, func() {})

	if s.Enabled("delivery") {
		t.Error("job created disabled reports enabled")
	}
	if err := s.Enable("delivery"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !s.Enabled("delivery") {
		t.Error("Enabled() = false after Enable")
	}
	if err := s.Disable("delivery"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if s.Enabled("delivery") {
		t.Error("Enabled() = true after Disable")
	}

	if err := s.Enable("missing"); err == nil {
		t.Error("Enable(missing) should fail")
	}
}

func TestDisabledJobDoesNotRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	ran := atomic.Int32{}
	s.Ensure("dormant", "@every 100ms", false, func() { ran.Add(1) })
	s.Start()
	time.Sleep(350 * time.Millisecond)
	s.Stop()

	if ran.Load() != 0 {
		t.Errorf("disabled job ran %d times", ran.Load())
	}
}

func TestEnabledJobRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	ran := atomic.Int32{}
	s.Ensure("active", "@every 100ms", true, func() { ran.Add(1) })
	s.Start()
	time.Sleep(350 * time.Millisecond)
	s.Stop()

	if ran.Load() == 0 {
		t.Error("enabled job never ran")
	}
}

func TestNoOverlappingTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	var concurrent, peak atomic.Int32
	s.Ensure("slow", "@every 100ms", true, func() {
		cur := concurrent.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(250 * time.Millisecond)
		concurrent.Add(-1)
	})
	s.Start()
	time.Sleep(600 * time.Millisecond)
	s.Stop()

	if peak.Load() > 1 {
		t.Errorf("same job ran %d ticks concurrently", peak.Load())
	}
}

func TestNextRun(t *testing.T) {
	s := New()
	s.Ensure("worker", "@every 1h", true, func() {})
	s.Start()
	defer s.Stop()

	next, ok := s.NextRun("worker")
	if !ok {
		t.Fatal("NextRun() not found for registered job")
	}
	if next.IsZero() {
		t.Error("NextRun() zero after Start")
	}
	if _, ok := s.NextRun("missing"); ok {
		t.Error("NextRun(missing) should report not found")
	}
}
