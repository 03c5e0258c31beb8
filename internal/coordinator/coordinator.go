// Package coordinator matches submitted jobs to registered runners and
// tracks both through their lifecycles. All state of record lives in the
// shared store; the maps held here are a cache that one coordinator process
// owns exclusively.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

// Config carries the tunables of the three background loops.
type Config struct {
	// RunnerTimeout: a runner whose heartbeat is older than this is
	// offline and will be evicted.
	RunnerTimeout time.Duration

	// HeartbeatInterval is the eviction/watchdog sweep period.
	HeartbeatInterval time.Duration

	// PollTimeout bounds every blocking pop so the loops periodically
	// wake even with no work.
	PollTimeout time.Duration

	// BackoffBase/BackoffMax shape the dispatch backoff applied while no
	// runner is eligible for a popped job.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Coordinator struct {
	store store.Store
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	// mu serializes access to the caches below across the three loops
	// and the public API.
	mu      sync.Mutex
	runners map[string]*model.Runner
	order   []string // registration order, the dispatch tie-breaker
	jobs    map[string]*model.Job

	jobsTotal     atomic.Int64
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
}

type Option func(*Coordinator)

// WithClock substitutes the wall clock, used by tests to drive staleness
// and watchdog deadlines.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func New(s store.Store, cfg Config, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		cfg:     cfg,
		clock:   clock.New(),
		log:     log.Named("coordinator"),
		runners: make(map[string]*model.Runner),
		jobs:    make(map[string]*model.Job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the dispatch, result and eviction loops until ctx is
// cancelled. Loop-level errors are logged and retried by the loops
// themselves; Run only returns on shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runDispatch(ctx) })
	g.Go(func() error { return c.runResults(ctx) })
	g.Go(func() error { return c.runEviction(ctx) })
	return g.Wait()
}

// Recover rehydrates the caches from the store after a restart. The store
// is the source of truth; anything in flight before the restart picks up
// where the records say it was.
func (c *Coordinator) Recover(ctx context.Context) error {
	rawRunners, err := c.store.HashGetAll(ctx, store.TableRunners)
	if err != nil {
		return errors.Wrap(err, "recover runners")
	}
	rawJobs, err := c.store.HashGetAll(ctx, store.TableJobs)
	if err != nil {
		return errors.Wrap(err, "recover jobs")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeRunnersLocked(rawRunners)

	var total, completed, failed int64
	for id, raw := range rawJobs {
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			c.log.Warn("dropping unreadable job record", zap.String("job_id", id), zap.Error(err))
			continue
		}
		c.jobs[job.ID] = &job
		total++
		switch job.Status {
		case model.JobCompleted:
			completed++
		case model.JobFailed:
			failed++
		}
	}
	c.jobsTotal.Store(total)
	c.jobsCompleted.Store(completed)
	c.jobsFailed.Store(failed)

	c.log.Info("recovered state from store",
		zap.Int("runners", len(c.runners)), zap.Int64("jobs", total))
	return nil
}

// RegisterRunner writes the runner record to the store and the cache.
// Re-registering an existing id refreshes the record in place.
func (c *Coordinator) RegisterRunner(ctx context.Context, r model.Runner) error {
	if r.ID == "" || r.Capacity <= 0 {
		return errors.Errorf("invalid runner registration: id=%q capacity=%d", r.ID, r.Capacity)
	}
	if r.LastHeartbeat.IsZero() {
		r.LastHeartbeat = c.clock.Now()
	}
	r.Status = r.StatusAt(c.clock.Now(), c.cfg.RunnerTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistRunnerLocked(ctx, &r); err != nil {
		return err
	}
	if _, known := c.runners[r.ID]; !known {
		c.order = append(c.order, r.ID)
	}
	c.runners[r.ID] = &r
	c.log.Info("runner registered",
		zap.String("runner_id", r.ID),
		zap.Int("capacity", r.Capacity),
		zap.Strings("capabilities", r.Capabilities))
	return nil
}

// SubmitJob persists the job and queues it for dispatch. The record is
// visible to GetJobStatus before the id ever hits the pending queue.
func (c *Coordinator) SubmitJob(ctx context.Context, job model.Job) (string, error) {
	if job.Command == "" {
		return "", errors.New("job command must not be empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = 3600
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = 0
	}
	job.Status = model.JobPending
	job.RetryCount = 0
	job.CreatedAt = c.clock.Now()
	job.StartedAt = nil
	job.CompletedAt = nil
	job.RunnerID = ""

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistJobLocked(ctx, &job); err != nil {
		return "", err
	}
	if err := c.store.ListPush(ctx, store.QueuePending, []byte(job.ID)); err != nil {
		return "", errors.Wrap(err, "queue job")
	}
	c.jobs[job.ID] = &job
	c.jobsTotal.Inc()
	c.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.Strings("requirements", job.Requirements))
	return job.ID, nil
}

// GetJobStatus reads the job record from the store, which stays
// authoritative over the cache. Returns store.ErrNotFound for unknown ids.
func (c *Coordinator) GetJobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	raw, err := c.store.HashGet(ctx, store.TableJobs, jobID)
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", jobID)
	}
	return &job, nil
}

// CancelJob is legal from PENDING or RUNNING. A running job gets no signal;
// its record turns terminal now and the eventual stale result is rejected
// by the transition table while the runner's slot is still released.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.jobLocked(ctx, jobID)
	if job == nil {
		return store.ErrNotFound
	}
	if !c.transition(job, model.JobCancelled) {
		return errors.Errorf("job %s is %s and cannot be cancelled", jobID, job.Status)
	}
	now := c.clock.Now()
	job.CompletedAt = &now
	if err := c.persistJobLocked(ctx, job); err != nil {
		return err
	}
	c.log.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// Stats is the coordinator-wide snapshot served by the stats API.
type Stats struct {
	Runners       int   `json:"runners"`
	ActiveRunners int   `json:"active_runners"`
	TotalCapacity int   `json:"total_capacity"`
	JobsPending   int64 `json:"jobs_pending"`
	JobsTotal     int64 `json:"jobs_total"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	pending, err := c.store.ListLength(ctx, store.QueuePending)
	if err != nil {
		return Stats{}, errors.Wrap(err, "pending queue length")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	s := Stats{
		Runners:       len(c.runners),
		JobsPending:   pending,
		JobsTotal:     c.jobsTotal.Load(),
		JobsCompleted: c.jobsCompleted.Load(),
		JobsFailed:    c.jobsFailed.Load(),
	}
	for _, r := range c.runners {
		s.TotalCapacity += r.Capacity
		if r.StatusAt(now, c.cfg.RunnerTimeout) != model.RunnerOffline {
			s.ActiveRunners++
		}
	}
	return s, nil
}

// transition applies a status change after validating it against the state
// machine. Illegal requests are rejected with a warning, never applied
// silently.
func (c *Coordinator) transition(job *model.Job, to model.JobStatus) bool {
	if !job.Status.CanTransition(to) {
		c.log.Warn("rejecting illegal job state transition",
			zap.String("job_id", job.ID),
			zap.Stringer("from", job.Status),
			zap.Stringer("to", to))
		return false
	}
	job.Status = to
	return true
}

// jobLocked returns the cached job, falling back to the store for jobs
// submitted before a restart. Callers hold mu.
func (c *Coordinator) jobLocked(ctx context.Context, jobID string) *model.Job {
	if job, ok := c.jobs[jobID]; ok {
		return job
	}
	raw, err := c.store.HashGet(ctx, store.TableJobs, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return nil
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		c.log.Warn("unreadable job record", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	c.jobs[job.ID] = &job
	return &job
}

func (c *Coordinator) persistJobLocked(ctx context.Context, job *model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", job.ID)
	}
	return c.store.HashSet(ctx, store.TableJobs, job.ID, raw)
}

func (c *Coordinator) persistRunnerLocked(ctx context.Context, r *model.Runner) error {
	r.Status = r.StatusAt(c.clock.Now(), c.cfg.RunnerTimeout)
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "encode runner %s", r.ID)
	}
	return c.store.HashSet(ctx, store.TableRunners, r.ID, raw)
}

// mergeRunnersLocked folds the store's runner table into the cache,
// preserving registration order for known runners and appending newcomers
// in a stable order.
func (c *Coordinator) mergeRunnersLocked(raw map[string][]byte) {
	seen := make(map[string]bool, len(raw))
	var added []string
	for id, data := range raw {
		var r model.Runner
		if err := json.Unmarshal(data, &r); err != nil {
			c.log.Warn("dropping unreadable runner record", zap.String("runner_id", id), zap.Error(err))
			continue
		}
		seen[id] = true
		if _, known := c.runners[id]; !known {
			added = append(added, id)
		}
		c.runners[id] = &r
	}
	sort.Strings(added)
	c.order = append(c.order, added...)

	// Runners deleted from the store (by an operator, or a previous
	// eviction) drop out of the cache too.
	kept := c.order[:0]
	for _, id := range c.order {
		if seen[id] {
			kept = append(kept, id)
		} else {
			delete(c.runners, id)
		}
	}
	c.order = kept
}
