package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Hash tables and queue names used by the coordinator and the runners.
// Everything both sides coordinate through lives under these names.
const (
	TableJobs    = "jobs"
	TableRunners = "runners"

	QueuePending = "pending"
	QueueResults = "results"
)

// RunnerQueue is the private queue a runner pops assigned job ids from.
func RunnerQueue(runnerID string) string {
	return "runner/" + runnerID
}

var (
	// ErrNotFound is returned by HashGet for a missing key.
	ErrNotFound = errors.New("store: key not found")

	// ErrEmpty is returned by ListBlockingPop when the timeout elapses
	// with nothing to pop. Callers treat it as "no work", not a failure.
	ErrEmpty = errors.New("store: queue empty")
)

// Store is the shared coordination surface: hash-map fields for records and
// FIFO queues for hand-off. It is the single source of truth; any in-process
// map is a cache of it. All methods may fail with a connectivity error,
// which steady-state loops treat as transient.
//
// A multi-coordinator deployment would additionally need a compare-and-swap
// claim on the job record before assignment; with a single coordinator the
// pop itself is the claim.
type Store interface {
	HashSet(ctx context.Context, table, key string, value []byte) error
	HashGet(ctx context.Context, table, key string) ([]byte, error)
	HashGetAll(ctx context.Context, table string) (map[string][]byte, error)
	HashDelete(ctx context.Context, table, key string) error

	ListPush(ctx context.Context, queue string, value []byte) error
	ListBlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	ListLength(ctx context.Context, queue string) (int64, error)

	// Ping verifies connectivity. Fatal at process startup, transient later.
	Ping(ctx context.Context) error

	Close() error
}
