// Package runner implements the agent that executes jobs. It registers
// itself in the shared store, heartbeats its record, pops assigned job ids
// from its private queue and reports outcomes on the shared result queue.
// It never writes job records; that is the coordinator's job.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeq/internal/runner/executor"
	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

type Config struct {
	// ID defaults to "<hostname>-<short uuid>".
	ID string

	// Capacity bounds concurrent executions; the coordinator assigns at
	// most this many jobs at a time, and the agent enforces it locally
	// with a semaphore as well.
	Capacity int

	HeartbeatInterval time.Duration
	PollTimeout       time.Duration
}

type Agent struct {
	id       string
	hostname string
	cfg      Config
	caps     []string

	store store.Store
	clock clock.Clock
	log   *zap.Logger

	shell  executor.Executor
	docker executor.Executor // nil when no docker daemon is reachable

	sem chan struct{}
}

type Option func(*Agent)

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithShellExecutor substitutes the default shell executor, used by tests.
func WithShellExecutor(e executor.Executor) Option {
	return func(a *Agent) { a.shell = e }
}

// WithDockerExecutor enables container execution for jobs requiring the
// "docker" tag.
func WithDockerExecutor(e executor.Executor) Option {
	return func(a *Agent) { a.docker = e }
}

func New(s store.Store, cfg Config, probe Probe, log *zap.Logger, opts ...Option) *Agent {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "runner"
	}
	id := cfg.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}

	a := &Agent{
		id:       id,
		hostname: hostname,
		cfg:      cfg,
		store:    s,
		clock:    clock.New(),
		log:      log.Named("runner").With(zap.String("runner_id", id)),
		shell:    executor.NewShell(),
		sem:      make(chan struct{}, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.caps = probe.Detect(context.Background())
	return a
}

func (a *Agent) ID() string { return a.id }

// Run registers the agent and drives the heartbeat and job-processing
// loops until ctx is cancelled. Registration failure is fatal; everything
// after that is logged and retried by loop periodicity.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	a.log.Info("runner online",
		zap.Int("capacity", a.cfg.Capacity),
		zap.Strings("capabilities", a.caps))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runHeartbeat(ctx) })
	g.Go(func() error { return a.runJobs(ctx) })
	return g.Wait()
}

// Register writes a fresh runner record. Also used to rejoin after the
// coordinator evicted this runner during a long store outage.
func (a *Agent) Register(ctx context.Context) error {
	r := model.Runner{
		ID:            a.id,
		Hostname:      a.hostname,
		Capacity:      a.cfg.Capacity,
		CurrentJobs:   0,
		Capabilities:  a.caps,
		LastHeartbeat: a.clock.Now(),
		Status:        model.RunnerIdle,
	}
	raw, err := json.Marshal(&r)
	if err != nil {
		return errors.Wrap(err, "encode runner record")
	}
	return errors.Wrap(a.store.HashSet(ctx, store.TableRunners, a.id, raw), "register runner")
}

func (a *Agent) runHeartbeat(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.heartbeatOnce(ctx); err != nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// heartbeatOnce refreshes last_heartbeat on this runner's record without
// touching the coordinator-owned fields. The read-modify-write can race
// with the coordinator's slot accounting; last-write-wins is safe because
// the heartbeat only moves the timestamp forward.
func (a *Agent) heartbeatOnce(ctx context.Context) error {
	raw, err := a.store.HashGet(ctx, store.TableRunners, a.id)
	if errors.Is(err, store.ErrNotFound) {
		// Evicted; rejoin with a clean record.
		a.log.Warn("runner record missing, re-registering")
		return a.Register(ctx)
	}
	if err != nil {
		return err
	}
	var r model.Runner
	if err := json.Unmarshal(raw, &r); err != nil {
		return errors.Wrap(err, "decode runner record")
	}
	r.LastHeartbeat = a.clock.Now()
	updated, err := json.Marshal(&r)
	if err != nil {
		return errors.Wrap(err, "encode runner record")
	}
	return a.store.HashSet(ctx, store.TableRunners, a.id, updated)
}

func (a *Agent) runJobs(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := a.processOnce(ctx); err != nil {
			a.log.Warn("job intake failed", zap.Error(err))
		}
	}
}

// processOnce pops at most one assigned job id and starts executing it in
// the background, bounded by the capacity semaphore.
func (a *Agent) processOnce(ctx context.Context) (bool, error) {
	raw, err := a.store.ListBlockingPop(ctx, store.RunnerQueue(a.id), a.cfg.PollTimeout)
	if errors.Is(err, store.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pop runner queue")
	}
	jobID := string(raw)

	jobRaw, err := a.store.HashGet(ctx, store.TableJobs, jobID)
	if err != nil {
		a.log.Warn("assigned job not readable", zap.String("job_id", jobID), zap.Error(err))
		return true, nil
	}
	var job model.Job
	if err := json.Unmarshal(jobRaw, &job); err != nil {
		a.log.Warn("assigned job not decodable", zap.String("job_id", jobID), zap.Error(err))
		return true, nil
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return false, nil
	}
	go func() {
		defer func() { <-a.sem }()
		a.execute(ctx, &job)
	}()
	return true, nil
}

// execute runs one attempt and pushes the outcome to the shared result
// queue. Execution errors never crash the agent; they become the result.
func (a *Agent) execute(ctx context.Context, job *model.Job) {
	a.log.Info("executing job",
		zap.String("job_id", job.ID),
		zap.String("command", job.Command))

	output, err := a.pick(job).Run(ctx, job)

	res := model.Result{
		JobID:    job.ID,
		RunnerID: a.id,
		Success:  err == nil,
		Output:   output,
	}
	if err != nil {
		res.Error = err.Error()
		a.log.Warn("job attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		a.log.Info("job attempt succeeded", zap.String("job_id", job.ID))
	}

	raw, err := json.Marshal(&res)
	if err != nil {
		a.log.Error("failed to encode result", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := a.store.ListPush(ctx, store.QueueResults, raw); err != nil {
		// Lost result: the coordinator's watchdog will reclaim the job
		// after its deadline.
		a.log.Error("failed to report result", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// pick selects the executor for a job: container execution for jobs that
// require "docker" when a daemon is available, plain shell otherwise.
func (a *Agent) pick(job *model.Job) executor.Executor {
	if a.docker == nil {
		return a.shell
	}
	for _, req := range job.Requirements {
		if req == "docker" {
			return a.docker
		}
	}
	return a.shell
}
