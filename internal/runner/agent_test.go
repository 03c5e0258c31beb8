package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

func newTestAgent(t *testing.T, opts ...Option) (*Agent, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	a := New(st, Config{
		ID:                "test-runner",
		Capacity:          2,
		HeartbeatInterval: 10 * time.Second,
		PollTimeout:       20 * time.Millisecond,
	}, StaticProbe{"basic", "docker"}, zaptest.NewLogger(t), opts...)
	return a, st
}

func runnerRecord(t *testing.T, st *store.MemoryStore, id string) model.Runner {
	t.Helper()
	raw, err := st.HashGet(context.Background(), store.TableRunners, id)
	require.NoError(t, err)
	var r model.Runner
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

func TestRegisterWritesRecord(t *testing.T) {
	a, st := newTestAgent(t)
	require.NoError(t, a.Register(context.Background()))

	r := runnerRecord(t, st, "test-runner")
	require.Equal(t, "test-runner", r.ID)
	require.Equal(t, 2, r.Capacity)
	require.Zero(t, r.CurrentJobs)
	require.Equal(t, []string{"basic", "docker"}, r.Capabilities)
	require.False(t, r.LastHeartbeat.IsZero())
}

// The heartbeat refreshes last_heartbeat without clobbering the
// coordinator-owned slot count.
func TestHeartbeatPreservesSlotCount(t *testing.T) {
	mock := clock.NewMock()
	a, st := newTestAgent(t, WithClock(mock))
	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	// Simulate the coordinator assigning a job.
	r := runnerRecord(t, st, "test-runner")
	r.CurrentJobs = 1
	raw, err := json.Marshal(&r)
	require.NoError(t, err)
	require.NoError(t, st.HashSet(ctx, store.TableRunners, "test-runner", raw))

	mock.Add(10 * time.Second)
	require.NoError(t, a.heartbeatOnce(ctx))

	r = runnerRecord(t, st, "test-runner")
	require.Equal(t, 1, r.CurrentJobs)
	require.True(t, r.LastHeartbeat.Equal(mock.Now()))
}

// After an eviction the next heartbeat re-registers instead of failing
// forever.
func TestHeartbeatReregistersAfterEviction(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	require.NoError(t, st.HashDelete(ctx, store.TableRunners, "test-runner"))
	require.NoError(t, a.heartbeatOnce(ctx))

	r := runnerRecord(t, st, "test-runner")
	require.Equal(t, 2, r.Capacity)
	require.Zero(t, r.CurrentJobs)
}

func popResult(t *testing.T, st *store.MemoryStore) model.Result {
	t.Helper()
	raw, err := st.ListBlockingPop(context.Background(), store.QueueResults, 5*time.Second)
	require.NoError(t, err)
	var res model.Result
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func TestProcessOnceExecutesAndReports(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	job := model.Job{ID: "job-1", Command: "echo from-runner", TimeoutSeconds: 10, Status: model.JobRunning}
	raw, err := json.Marshal(&job)
	require.NoError(t, err)
	require.NoError(t, st.HashSet(ctx, store.TableJobs, job.ID, raw))
	require.NoError(t, st.ListPush(ctx, store.RunnerQueue(a.ID()), []byte(job.ID)))

	processed, err := a.processOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	res := popResult(t, st)
	require.Equal(t, "job-1", res.JobID)
	require.Equal(t, a.ID(), res.RunnerID)
	require.True(t, res.Success)
	require.Contains(t, res.Output, "from-runner")
	require.Empty(t, res.Error)
}

func TestProcessOnceReportsFailure(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	job := model.Job{ID: "job-2", Command: "echo doomed; exit 7", TimeoutSeconds: 10, Status: model.JobRunning}
	raw, err := json.Marshal(&job)
	require.NoError(t, err)
	require.NoError(t, st.HashSet(ctx, store.TableJobs, job.ID, raw))
	require.NoError(t, st.ListPush(ctx, store.RunnerQueue(a.ID()), []byte(job.ID)))

	processed, err := a.processOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	res := popResult(t, st)
	require.Equal(t, "job-2", res.JobID)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
	require.Contains(t, res.Output, "doomed")
}

// A queue entry pointing at a missing job record is dropped, not fatal.
func TestProcessOnceSkipsUnknownJob(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, st.ListPush(ctx, store.RunnerQueue(a.ID()), []byte("ghost")))
	processed, err := a.processOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	n, err := st.ListLength(ctx, store.QueueResults)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessOnceIdleQueue(t *testing.T) {
	a, _ := newTestAgent(t)
	processed, err := a.processOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestStaticProbe(t *testing.T) {
	caps := StaticProbe{"basic", "gpu"}.Detect(context.Background())
	require.Equal(t, []string{"basic", "gpu"}, caps)
}
