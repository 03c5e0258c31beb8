package coordinator

import (
	"sort"
	"time"

	"forgeq/pkg/model"
)

// eligibleLocked filters the runner pool for a job's requirements and ranks
// the survivors. A runner qualifies when its heartbeat is fresh, it has a
// free slot, and it advertises every required tag. Candidates come back
// sorted by load percentage ascending; ties keep registration order, which
// is a simplicity choice, not a fairness guarantee. Callers hold mu.
func (c *Coordinator) eligibleLocked(requirements []string, now time.Time) []*model.Runner {
	var candidates []*model.Runner
	for _, id := range c.order {
		r := c.runners[id]
		if r.StatusAt(now, c.cfg.RunnerTimeout) == model.RunnerOffline {
			continue
		}
		if r.AvailableSlots() == 0 {
			continue
		}
		if !r.HasCapabilities(requirements) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Load() < candidates[j].Load()
	})
	return candidates
}

// AvailableRunners returns copies of the runners eligible for the given
// requirements, in dispatch preference order.
func (c *Coordinator) AvailableRunners(requirements []string) []model.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := c.eligibleLocked(requirements, c.clock.Now())
	out := make([]model.Runner, 0, len(candidates))
	for _, r := range candidates {
		out = append(out, *r)
	}
	return out
}
