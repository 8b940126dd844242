package queue

import (
	"context"
	"errors"

	"vid2gif/models"
)

// ErrUnavailable indicates the backing store rejected a read or write.
// Callers may retry the surrounding request.
var ErrUnavailable = errors.New("queue unavailable")

// ErrStaleLease indicates a transition was rejected because the job is
// no longer active, usually because stall recovery reclaimed it while
// the worker was still running. The worker's attempt is void; whatever
// state the job is in now stands.
var ErrStaleLease = errors.New("job no longer leased")

// Payload is the immutable content of a job fixed at enqueue time.
type Payload struct {
	InputFilename  string
	OutputFilename string
	OwnerID        string
}

// Stall describes one leased job that produced no progress within the
// stall window (or overran its TTL) and was requeued or failed.
type Stall struct {
	JobID    string
	Reason   string
	Requeued bool
}

// Queue is the durable job store contract. The backend guarantees lease
// exclusivity: concurrent Lease calls never hand the same job to two
// workers. All state transitions happen here; no other component
// mutates job state.
type Queue interface {
	// Enqueue stores a new job in the queued state and returns its ID.
	Enqueue(ctx context.Context, p Payload, policy models.Policy) (string, error)

	// Lease hands over at most one queued job, moving it to active and
	// counting an attempt. IDs whose record is no longer in the queued
	// state are dropped, never handed out. Returns (nil, nil) when the
	// queue is empty so callers can poll on an interval instead of
	// blocking.
	Lease(ctx context.Context) (*models.Job, error)

	// ReportProgress records a progress percentage for an active job.
	// Values are clamped to 0-100 and never decrease within an attempt.
	ReportProgress(ctx context.Context, jobID string, percent int) error

	// Complete transitions an active job to completed with the given
	// result and fixes progress at 100. Returns ErrStaleLease when the
	// job is not active anymore; terminal jobs are never touched.
	Complete(ctx context.Context, jobID, result string) error

	// Fail records a failed attempt. While attempts remain the job is
	// requeued with exponential backoff; otherwise it becomes terminally
	// failed. The returned job reflects the post-transition state.
	// Returns ErrStaleLease when the job is not active anymore.
	Fail(ctx context.Context, jobID, reason string) (*models.Job, error)

	// Get returns a job by ID, or (nil, nil) when it does not exist.
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// ListByState returns all jobs currently in any of the given states,
	// in no particular order.
	ListByState(ctx context.Context, states ...models.State) ([]models.Job, error)

	// Remove deletes a job record regardless of state.
	Remove(ctx context.Context, jobID string) error

	// RequeueStalled scans active jobs for ones whose last progress
	// update is older than the stall window or whose runtime exceeded
	// the job TTL, and applies the failure transition to each.
	RequeueStalled(ctx context.Context) ([]Stall, error)
}
