package failover

import (
	"time"
)

// AgentStatus classifies the primary delivery agent's health.
type AgentStatus string

const (
	AgentHealthy  AgentStatus = "HEALTHY"
	AgentDegraded AgentStatus = "DEGRADED"
	AgentDead     AgentStatus = "DEAD"
	AgentUnknown  AgentStatus = "UNKNOWN"
)

// Heartbeat is the primary agent's last self-report.
type Heartbeat struct {
	At        time.Time
	Processed int64
	Planned   int64
}

// HealthSnapshot is derived on demand from the last heartbeat.
type HealthSnapshot struct {
	Status        AgentStatus
	MissedRuns    int
	ProcessedRate float64
	LastHeartbeat time.Time
}

// ClassifyHealth derives the agent's health from its last heartbeat.
// No heartbeat at all is UNKNOWN; maxMissed or more missed check
// intervals is DEAD; a processed/planned ratio under degradedRatio is
// DEGRADED; anything else is HEALTHY.
func ClassifyHealth(hb *Heartbeat, now time.Time, checkInterval time.Duration, maxMissed int, degradedRatio float64) HealthSnapshot {
	if hb == nil || hb.At.IsZero() {
		return HealthSnapshot{Status: AgentUnknown}
	}

	snap := HealthSnapshot{LastHeartbeat: hb.At}
	if checkInterval > 0 {
		snap.MissedRuns = int(now.Sub(hb.At) / checkInterval)
	}
	if hb.Planned > 0 {
		snap.ProcessedRate = float64(hb.Processed) / float64(hb.Planned)
	} else {
		snap.ProcessedRate = 1.0
	}

	switch {
	case snap.MissedRuns >= maxMissed:
		snap.Status = AgentDead
	case snap.ProcessedRate < degradedRatio:
		snap.Status = AgentDegraded
	default:
		snap.Status = AgentHealthy
	}
	return snap
}
