package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	legal := []struct {
		from, to JobStatus
	}{
		{JobPending, JobRunning},
		{JobPending, JobCancelled},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobFailed, JobPending},
	}
	allowed := make(map[[2]JobStatus]bool)
	for _, tc := range legal {
		allowed[[2]JobStatus{tc.from, tc.to}] = true
		require.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	statuses := []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled}
	for _, from := range statuses {
		for _, to := range statuses {
			if allowed[[2]JobStatus{from, to}] {
				continue
			}
			require.False(t, from.CanTransition(to), "%s -> %s should be illegal", from, to)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	require.True(t, JobCompleted.Terminal())
	require.True(t, JobCancelled.Terminal())
	require.False(t, JobPending.Terminal())
	require.False(t, JobRunning.Terminal())
	// FAILED may still retry; the budget check lives on the job.
	require.False(t, JobFailed.Terminal())
}

func TestJobCanRetry(t *testing.T) {
	job := &Job{MaxRetries: 2}
	require.True(t, job.CanRetry())
	job.RetryCount = 1
	require.True(t, job.CanRetry())
	job.RetryCount = 2
	require.False(t, job.CanRetry())
}

func TestJobTimeout(t *testing.T) {
	job := &Job{TimeoutSeconds: 90}
	require.Equal(t, 90*time.Second, job.Timeout())
}
