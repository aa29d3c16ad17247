package worker

import (
	"encoding/json"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// HandleState is the dispatch-level state of one execution attempt.
type HandleState string

const (
	HandleQueued    HandleState = "queued"
	HandleStarted   HandleState = "started"
	HandleSucceeded HandleState = "succeeded"
	HandleFailed    HandleState = "failed"
	HandleRevoked   HandleState = "revoked"
)

// Terminal reports whether no further change is possible.
func (s HandleState) Terminal() bool {
	switch s {
	case HandleSucceeded, HandleFailed, HandleRevoked:
		return true
	default:
		return false
	}
}

// Spec describes the execution unit a handle runs. The dispatcher never
// interprets it.
type Spec struct {
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Timeout  time.Duration   `json:"timeout"`
	Queue    string          `json:"queue"`
	Priority int             `json:"priority"`
	Owner    string          `json:"owner,omitempty"`

	// Group names the concurrency group the run counts against, and
	// GroupLimit caps simultaneous runs in it. Batches use "batch:<id>"
	// with their parallel limit.
	Group      string `json:"group,omitempty"`
	GroupLimit int    `json:"group_limit,omitempty"`
}

// Handle is one submitted execution of a job.
type Handle struct {
	ID    id.HandleID `json:"id"`
	JobID id.JobID    `json:"job_id"`
	Spec
	State HandleState `json:"state"`

	// Terminate asks the pool running a revoked handle to kill it.
	Terminate bool `json:"terminate,omitempty"`

	WorkerID    string     `json:"worker_id,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of h.
func (h *Handle) Clone() *Handle {
	c := *h
	if h.Input != nil {
		c.Input = append(json.RawMessage(nil), h.Input...)
	}
	c.StartedAt = cloneTime(h.StartedAt)
	c.HeartbeatAt = cloneTime(h.HeartbeatAt)
	c.FinishedAt = cloneTime(h.FinishedAt)
	return &c
}

// ConcurrencyGroup is the queue.Manager key the run counts against.
func (h *Handle) ConcurrencyGroup() string {
	if h.Group != "" {
		return h.Group
	}
	return h.Queue
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
