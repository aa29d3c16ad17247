// Package batch groups jobs under a batch id and rolls their states up
// into an aggregate status. A batch keeps no progress of its own: every
// status read re-reads the member jobs.
package batch

import (
	"context"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// Status is the aggregate state of a batch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Batch is an ordered group of jobs.
type Batch struct {
	vacalibration.Entity
	ID            id.BatchID `json:"batch_id"`
	Name          string     `json:"name,omitempty"`
	JobIDs        []id.JobID `json:"job_ids"`
	ParallelLimit int        `json:"parallel_limit"`
	FailFast      bool       `json:"fail_fast"`
	Owner         string     `json:"owner,omitempty"`
}

// Group is the concurrency group members of b are dispatched under.
func (b *Batch) Group() string { return "batch:" + b.ID.String() }

// Store defines the persistence contract for batches.
type Store interface {
	PutBatch(ctx context.Context, b *Batch) error
	// GetBatch returns vacalibration.ErrBatchNotFound for unknown or
	// expired batches.
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)
	DeleteBatch(ctx context.Context, batchID id.BatchID) (bool, error)
}

// Member is one job's contribution to a rollup.
type Member struct {
	JobID    id.JobID  `json:"job_id"`
	Status   job.State `json:"status"`
	Progress int       `json:"progress"`
	// Missing is set when the job record is gone, usually through TTL
	// expiry. A missing member counts as failed.
	Missing bool `json:"missing,omitempty"`
}

// Rollup is the aggregate view of a batch at one instant.
type Rollup struct {
	BatchID       id.BatchID `json:"batch_id"`
	Status        Status     `json:"batch_status"`
	TotalJobs     int        `json:"total_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	RunningJobs   int        `json:"running_jobs"`
	PendingJobs   int        `json:"pending_jobs"`
	// Progress is the mean member progress, 0..100.
	Progress float64  `json:"progress"`
	Members  []Member `json:"job_statuses"`
}

// Aggregate computes the rollup of b from its members' current records.
// jobs is parallel to b.JobIDs; a nil entry marks a missing job.
//
// Precedence: completed when every member completed; failed when
// FailFast and any member ended unsuccessfully; running when any member
// runs; pending when any member waits; partial otherwise.
func Aggregate(b *Batch, jobs []*job.Job) Rollup {
	r := Rollup{
		BatchID:   b.ID,
		TotalJobs: len(b.JobIDs),
		Members:   make([]Member, len(b.JobIDs)),
	}

	total := 0
	for i, jid := range b.JobIDs {
		m := Member{JobID: jid}
		var j *job.Job
		if i < len(jobs) {
			j = jobs[i]
		}
		if j == nil {
			m.Missing = true
			r.FailedJobs++
			r.Members[i] = m
			continue
		}
		m.Status, m.Progress = j.State, j.Progress
		total += j.Progress
		switch j.State {
		case job.StateCompleted:
			r.CompletedJobs++
		case job.StateRunning:
			r.RunningJobs++
		case job.StatePending:
			r.PendingJobs++
		default:
			r.FailedJobs++
		}
		r.Members[i] = m
	}
	if r.TotalJobs > 0 {
		r.Progress = float64(total) / float64(r.TotalJobs)
	}

	switch {
	case r.CompletedJobs == r.TotalJobs:
		r.Status = StatusCompleted
	case b.FailFast && r.FailedJobs > 0:
		r.Status = StatusFailed
	case r.RunningJobs > 0:
		r.Status = StatusRunning
	case r.PendingJobs > 0:
		r.Status = StatusPending
	default:
		r.Status = StatusPartial
	}
	return r
}

// Clone returns a deep copy of b.
func (b *Batch) Clone() *Batch {
	c := *b
	c.JobIDs = append([]id.JobID(nil), b.JobIDs...)
	return &c
}
