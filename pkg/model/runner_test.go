package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunnerAvailableSlots(t *testing.T) {
	r := &Runner{Capacity: 3, CurrentJobs: 1}
	require.Equal(t, 2, r.AvailableSlots())

	r.CurrentJobs = 3
	require.Equal(t, 0, r.AvailableSlots())

	// A skewed record must never report negative slots.
	r.CurrentJobs = 5
	require.Equal(t, 0, r.AvailableSlots())
}

func TestRunnerLoad(t *testing.T) {
	r := &Runner{Capacity: 4, CurrentJobs: 1}
	require.InDelta(t, 0.25, r.Load(), 1e-9)

	r = &Runner{Capacity: 0}
	require.Equal(t, 1.0, r.Load())
}

func TestRunnerStatusAt(t *testing.T) {
	now := time.Now()
	timeout := 30 * time.Second

	r := &Runner{Capacity: 2, CurrentJobs: 0, LastHeartbeat: now}
	require.Equal(t, RunnerIdle, r.StatusAt(now, timeout))

	r.CurrentJobs = 2
	require.Equal(t, RunnerBusy, r.StatusAt(now, timeout))

	// Staleness wins over whatever the record says.
	r.Status = RunnerIdle
	r.LastHeartbeat = now.Add(-31 * time.Second)
	require.Equal(t, RunnerOffline, r.StatusAt(now, timeout))
}

func TestRunnerHasCapabilities(t *testing.T) {
	r := &Runner{Capabilities: []string{"basic", "docker", "gpu"}}
	require.True(t, r.HasCapabilities(nil))
	require.True(t, r.HasCapabilities([]string{"gpu"}))
	require.True(t, r.HasCapabilities([]string{"docker", "basic"}))
	require.False(t, r.HasCapabilities([]string{"docker", "arm64"}))
}
