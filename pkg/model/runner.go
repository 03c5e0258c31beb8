package model

import "time"

// RunnerStatus is derived from capacity usage and heartbeat age. The value
// persisted on the record is a snapshot for observability only; readers must
// recompute it with StatusAt.
type RunnerStatus string

const (
	RunnerIdle    RunnerStatus = "idle"
	RunnerBusy    RunnerStatus = "busy"
	RunnerOffline RunnerStatus = "offline"
)

// Runner describes a worker process in the pool. current_jobs is owned by
// the coordinator (assignment increments, result ingestion decrements); the
// runner itself only refreshes last_heartbeat.
type Runner struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Capacity      int          `json:"capacity"`
	CurrentJobs   int          `json:"current_jobs"`
	Capabilities  []string     `json:"capabilities"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Status        RunnerStatus `json:"status"`
}

// AvailableSlots never goes negative even if the stored record is skewed by
// a lost decrement.
func (r *Runner) AvailableSlots() int {
	if slots := r.Capacity - r.CurrentJobs; slots > 0 {
		return slots
	}
	return 0
}

// Load is the fraction of capacity in use, used to rank candidates during
// dispatch. A zero-capacity record ranks as fully loaded.
func (r *Runner) Load() float64 {
	if r.Capacity <= 0 {
		return 1.0
	}
	return float64(r.CurrentJobs) / float64(r.Capacity)
}

// StatusAt derives the runner status at the given instant. Staleness wins
// over whatever the record claims.
func (r *Runner) StatusAt(now time.Time, timeout time.Duration) RunnerStatus {
	if now.Sub(r.LastHeartbeat) > timeout {
		return RunnerOffline
	}
	if r.AvailableSlots() == 0 {
		return RunnerBusy
	}
	return RunnerIdle
}

// HasCapabilities reports whether every required tag is advertised.
func (r *Runner) HasCapabilities(requirements []string) bool {
	for _, req := range requirements {
		found := false
		for _, cap := range r.Capabilities {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
