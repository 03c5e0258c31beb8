package coordinator

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

// runResults ingests execution outcomes pushed by runners. This is the only
// writer of terminal job states and the only retry trigger besides the
// watchdog.
func (c *Coordinator) runResults(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.resultOnce(ctx); err != nil {
			c.log.Warn("result iteration failed", zap.Error(err))
		}
	}
}

// resultOnce processes at most one result. The runner's slot is released
// even when the job record can no longer accept the outcome (e.g. it was
// cancelled mid-flight), so capacity never leaks.
func (c *Coordinator) resultOnce(ctx context.Context) (bool, error) {
	raw, err := c.store.ListBlockingPop(ctx, store.QueueResults, c.cfg.PollTimeout)
	if errors.Is(err, store.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pop result queue")
	}

	var res model.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		c.log.Warn("dropping malformed result", zap.Error(err))
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.jobLocked(ctx, res.JobID)

	runnerID := res.RunnerID
	if runnerID == "" && job != nil {
		runnerID = job.RunnerID
	}
	c.releaseSlotLocked(ctx, runnerID)

	if job == nil {
		c.log.Warn("result for unknown job", zap.String("job_id", res.JobID))
		return true, nil
	}
	if job.Status != model.JobRunning {
		c.log.Warn("ignoring result for job not running",
			zap.String("job_id", job.ID), zap.Stringer("status", job.Status))
		return true, nil
	}

	if !res.Success && job.CanRetry() {
		if err := c.requeueFailedLocked(ctx, job, res.Error); err != nil {
			return true, err
		}
		return true, nil
	}

	to := model.JobCompleted
	if !res.Success {
		to = model.JobFailed
	}
	if !c.transition(job, to) {
		return true, nil
	}
	now := c.clock.Now()
	job.CompletedAt = &now
	job.Result = res.Output
	job.Error = res.Error
	if err := c.persistJobLocked(ctx, job); err != nil {
		return true, err
	}
	if res.Success {
		c.jobsCompleted.Inc()
	} else {
		c.jobsFailed.Inc()
	}
	c.log.Info("job finished",
		zap.String("job_id", job.ID),
		zap.Stringer("status", job.Status),
		zap.Int("retries", job.RetryCount))
	return true, nil
}

// requeueFailedLocked spends one retry: the failed attempt is recorded and
// the job goes back to the pending queue tail as PENDING. Callers hold mu.
func (c *Coordinator) requeueFailedLocked(ctx context.Context, job *model.Job, attemptErr string) error {
	if !c.transition(job, model.JobFailed) {
		return nil
	}
	job.RetryCount++
	job.Error = attemptErr
	if !c.transition(job, model.JobPending) {
		return nil
	}
	job.RunnerID = ""
	job.StartedAt = nil

	if err := c.persistJobLocked(ctx, job); err != nil {
		return err
	}
	if err := c.store.ListPush(ctx, store.QueuePending, []byte(job.ID)); err != nil {
		return errors.Wrapf(err, "requeue job %s", job.ID)
	}
	c.log.Info("job requeued after failed attempt",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Int("max_retries", job.MaxRetries),
		zap.String("error", attemptErr))
	return nil
}

// releaseSlotLocked decrements a runner's job count, clamped at zero.
// Callers hold mu.
func (c *Coordinator) releaseSlotLocked(ctx context.Context, runnerID string) {
	if runnerID == "" {
		return
	}
	r, ok := c.runners[runnerID]
	if !ok {
		// Evicted before its result came back; nothing to release.
		return
	}
	if r.CurrentJobs > 0 {
		r.CurrentJobs--
	}
	if err := c.persistRunnerLocked(ctx, r); err != nil {
		c.log.Warn("failed to persist runner after slot release",
			zap.String("runner_id", runnerID), zap.Error(err))
	}
}
