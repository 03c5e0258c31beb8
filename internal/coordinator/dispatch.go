package coordinator

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

type dispatchOutcome int

const (
	// dispatchIdle: nothing popped, or the popped entry needed no work.
	dispatchIdle dispatchOutcome = iota
	dispatchAssigned
	dispatchRequeued
)

// runDispatch pops the pending queue and hands jobs to the least-loaded
// eligible runner. When no runner qualifies the job goes back to the tail
// and the loop backs off with jitter, doubling up to the cap; any
// successful assignment resets the backoff.
func (c *Coordinator) runDispatch(ctx context.Context) error {
	backoff := c.cfg.BackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		outcome, err := c.dispatchOnce(ctx)
		if err != nil {
			c.log.Warn("dispatch iteration failed", zap.Error(err))
			continue
		}
		switch outcome {
		case dispatchAssigned:
			backoff = c.cfg.BackoffBase
		case dispatchRequeued:
			c.sleep(ctx, withJitter(backoff))
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}
	}
}

// dispatchOnce handles at most one pending job id.
func (c *Coordinator) dispatchOnce(ctx context.Context) (dispatchOutcome, error) {
	raw, err := c.store.ListBlockingPop(ctx, store.QueuePending, c.cfg.PollTimeout)
	if errors.Is(err, store.ErrEmpty) {
		return dispatchIdle, nil
	}
	if err != nil {
		return dispatchIdle, errors.Wrap(err, "pop pending queue")
	}
	jobID := string(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.jobLocked(ctx, jobID)
	if job == nil {
		c.log.Warn("pending queue references unknown job", zap.String("job_id", jobID))
		return dispatchIdle, nil
	}
	if job.Status != model.JobPending {
		// Cancelled (or otherwise moved on) while queued; drop the entry.
		c.log.Debug("skipping non-pending job in queue",
			zap.String("job_id", jobID), zap.Stringer("status", job.Status))
		return dispatchIdle, nil
	}

	now := c.clock.Now()
	candidates := c.eligibleLocked(job.Requirements, now)
	if len(candidates) == 0 {
		if err := c.store.ListPush(ctx, store.QueuePending, []byte(jobID)); err != nil {
			return dispatchIdle, errors.Wrapf(err, "requeue job %s", jobID)
		}
		return dispatchRequeued, nil
	}

	if err := c.assignLocked(ctx, job, candidates[0], now); err != nil {
		return dispatchIdle, err
	}
	return dispatchAssigned, nil
}

// assignLocked binds the job to the runner: job turns RUNNING, the runner's
// slot count goes up, and the job id lands on the runner's private queue.
// Store and cache are updated best-effort, not atomically; a failure in the
// middle is logged and repaired by the watchdog. Callers hold mu.
func (c *Coordinator) assignLocked(ctx context.Context, job *model.Job, r *model.Runner, now time.Time) error {
	if !c.transition(job, model.JobRunning) {
		return nil
	}
	job.RunnerID = r.ID
	job.StartedAt = &now
	r.CurrentJobs++

	if err := c.persistJobLocked(ctx, job); err != nil {
		return err
	}
	if err := c.persistRunnerLocked(ctx, r); err != nil {
		return err
	}
	if err := c.store.ListPush(ctx, store.RunnerQueue(r.ID), []byte(job.ID)); err != nil {
		return errors.Wrapf(err, "push job %s to runner %s", job.ID, r.ID)
	}

	c.log.Info("job assigned",
		zap.String("job_id", job.ID),
		zap.String("runner_id", r.ID),
		zap.Int("runner_jobs", r.CurrentJobs),
		zap.Int("runner_capacity", r.Capacity))
	return nil
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.clock.After(d):
	}
}

// withJitter spreads a delay by ±10% to avoid synchronized re-dispatch.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int63n(spread))
}
