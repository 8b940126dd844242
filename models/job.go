package models

import "time"

// State is the lifecycle state of a conversion job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether a job in this state can no longer change,
// except by being removed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Policy controls retry and expiry behaviour for a job. It is fixed at
// enqueue time.
type Policy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	TTL         time.Duration `json:"ttl"`
}

// Job is one queued request to convert one uploaded video into one
// animated GIF for one owner. Jobs are values; all state transitions go
// through the queue, nothing else mutates them.
type Job struct {
	ID             string    `json:"id"`
	InputFilename  string    `json:"inputFilename"`
	OutputFilename string    `json:"outputFilename"`
	OwnerID        string    `json:"ownerId"`
	State          State     `json:"state"`
	Progress       int       `json:"progress"`
	Attempts       int       `json:"attempts"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Policy         Policy    `json:"policy"`
	CreatedAt      time.Time `json:"createdAt"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
}

// JobView is the caller-visible projection of a Job. Internal fields
// (owner, attempts, policy, input path) are deliberately absent.
type JobView struct {
	ID        string      `json:"id"`
	State     State       `json:"state"`
	Progress  int         `json:"progress"`
	Result    *ResultView `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// ResultView carries the produced artifact name for a completed job.
type ResultView struct {
	OutputFilename string `json:"outputFilename"`
}

// View projects a Job into its caller-visible form.
func (j Job) View() JobView {
	v := JobView{
		ID:       j.ID,
		State:    j.State,
		Progress: j.Progress,
		Error:    j.Error,
	}
	if j.State == StateCompleted {
		v.Result = &ResultView{OutputFilename: j.Result}
	}
	if !j.FinishedAt.IsZero() {
		v.Timestamp = j.FinishedAt.UnixMilli()
	}
	return v
}
