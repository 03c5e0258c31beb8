package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

func newTestAPI(t *testing.T) (*Coordinator, *httptest.Server) {
	t.Helper()
	st := store.NewMemoryStore()
	c := New(st, Config{
		RunnerTimeout:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollTimeout:       20 * time.Millisecond,
		BackoffBase:       time.Millisecond,
		BackoffMax:        8 * time.Millisecond,
	}, zaptest.NewLogger(t))
	srv := httptest.NewServer(c.Router())
	t.Cleanup(srv.Close)
	return c, srv
}

func TestAPISubmitAndStatus(t *testing.T) {
	_, srv := newTestAPI(t)

	body, err := json.Marshal(SubmitRequest{
		Command:        "go test ./...",
		Requirements:   []string{"docker"},
		TimeoutSeconds: 300,
		MaxRetries:     1,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	require.NotEmpty(t, submitted.JobID)

	statusResp, err := http.Get(srv.URL + "/api/v1/jobs/" + submitted.JobID)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var job model.Job
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&job))
	require.Equal(t, submitted.JobID, job.ID)
	require.Equal(t, "go test ./...", job.Command)
	require.Equal(t, model.JobPending, job.Status)
}

func TestAPISubmitValidation(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader([]byte(`not json`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIUnknownJob(t *testing.T) {
	_, srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/api/v1/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPICancel(t *testing.T) {
	c, srv := newTestAPI(t)

	id, err := c.SubmitJob(context.Background(), model.Job{Command: "sleep 30"})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/jobs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Second cancel hits the transition guard.
	resp, err = http.Post(srv.URL+"/api/v1/jobs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/jobs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIStatsAndHealth(t *testing.T) {
	c, srv := newTestAPI(t)

	require.NoError(t, c.RegisterRunner(context.Background(), model.Runner{
		ID: "r1", Hostname: "r1", Capacity: 4, Capabilities: []string{"basic"},
	}))
	_, err := c.SubmitJob(context.Background(), model.Job{Command: "true"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 1, stats.Runners)
	require.Equal(t, 4, stats.TotalCapacity)
	require.Equal(t, int64(1), stats.JobsTotal)
	require.Equal(t, int64(1), stats.JobsPending)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}
