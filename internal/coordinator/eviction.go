package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

// runEviction sweeps every heartbeat interval: it syncs the runner cache
// with the store (runners heartbeat the store directly, not through this
// process), evicts the stale ones, and reclaims orphaned jobs.
func (c *Coordinator) runEviction(ctx context.Context) error {
	ticker := c.clock.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.evictOnce(ctx)
		}
	}
}

// evictOnce runs one sweep. Store errors are logged and left for the next
// tick.
func (c *Coordinator) evictOnce(ctx context.Context) {
	rawRunners, err := c.store.HashGetAll(ctx, store.TableRunners)
	if err != nil {
		c.log.Warn("runner sweep skipped", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeRunnersLocked(rawRunners)

	now := c.clock.Now()
	kept := c.order[:0]
	for _, id := range c.order {
		r := c.runners[id]
		if now.Sub(r.LastHeartbeat) <= c.cfg.RunnerTimeout {
			kept = append(kept, id)
			continue
		}
		if err := c.store.HashDelete(ctx, store.TableRunners, id); err != nil {
			c.log.Warn("failed to delete stale runner, retrying next sweep",
				zap.String("runner_id", id), zap.Error(err))
			kept = append(kept, id)
			continue
		}
		delete(c.runners, id)
		c.log.Warn("evicted stale runner",
			zap.String("runner_id", id),
			zap.Time("last_heartbeat", r.LastHeartbeat))
	}
	c.order = kept

	c.reclaimOrphansLocked(ctx, now)
}

// reclaimOrphansLocked requeues RUNNING jobs whose deadline has passed with
// no result — the runner crashed or lost the job. The missed deadline
// counts as a failed attempt against the retry budget. Grace of one sweep
// interval keeps a slow result push from being double-counted. Callers
// hold mu.
func (c *Coordinator) reclaimOrphansLocked(ctx context.Context, now time.Time) {
	grace := c.cfg.HeartbeatInterval
	for _, job := range c.jobs {
		if job.Status != model.JobRunning || job.StartedAt == nil {
			continue
		}
		if now.Sub(*job.StartedAt) <= job.Timeout()+grace {
			continue
		}

		c.log.Warn("reclaiming orphaned job",
			zap.String("job_id", job.ID),
			zap.String("runner_id", job.RunnerID),
			zap.Time("started_at", *job.StartedAt))

		c.releaseSlotLocked(ctx, job.RunnerID)

		if job.CanRetry() {
			if err := c.requeueFailedLocked(ctx, job, "runner did not report a result before the job deadline"); err != nil {
				c.log.Warn("failed to requeue orphaned job",
					zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}

		if !c.transition(job, model.JobFailed) {
			continue
		}
		job.Error = "runner did not report a result before the job deadline"
		completed := now
		job.CompletedAt = &completed
		if err := c.persistJobLocked(ctx, job); err != nil {
			c.log.Warn("failed to persist orphaned job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		c.jobsFailed.Inc()
	}
}
