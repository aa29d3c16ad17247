package job

import (
	"context"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// ListOpts controls pagination and filtering for job list queries. Zero
// values disable a filter.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of matching jobs to skip.
	Offset int

	State         State
	Owner         string
	Name          string
	BatchID       id.BatchID
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// UpdatedBefore selects jobs whose last write is older than the given
	// time.
	UpdatedBefore time.Time
}

// Match reports whether j passes every filter in o. Pagination is ignored.
func (o ListOpts) Match(j *Job) bool {
	switch {
	case o.State != "" && j.State != o.State:
		return false
	case o.Owner != "" && j.Owner != o.Owner:
		return false
	case o.Name != "" && j.Name != o.Name:
		return false
	case !o.BatchID.IsNil() && j.BatchID.String() != o.BatchID.String():
		return false
	case !o.CreatedAfter.IsZero() && !j.CreatedAt.After(o.CreatedAfter):
		return false
	case !o.CreatedBefore.IsZero() && !j.CreatedAt.Before(o.CreatedBefore):
		return false
	case !o.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(o.UpdatedBefore):
		return false
	}
	return true
}

// Store defines the persistence contract for jobs. Records are TTL-bounded;
// every write refreshes the TTL of the record and its derived keys.
type Store interface {
	// PutJob inserts or replaces a job record unconditionally and moves it
	// to the head of the recency index. It is used to create jobs.
	PutJob(ctx context.Context, j *Job) error

	// UpdateJob replaces the stored record with j only when the record is
	// still at revision j.Revision and not terminal; check and write are
	// atomic across processes. On success j.Revision is advanced. It
	// returns vacalibration.ErrJobConflict when another writer got there
	// first, vacalibration.ErrInvalidTransition when the stored job is
	// terminal, and vacalibration.ErrJobNotFound when it is gone.
	UpdateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Unknown or expired jobs return
	// vacalibration.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// DeleteJob removes a job, its index entry, and every derived key (logs,
	// events, sequence counter, dispatch slot). It reports whether the job
	// existed.
	DeleteJob(ctx context.Context, jobID id.JobID) (bool, error)

	// ListJobs returns matching jobs ordered by last update, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts, ignoring
	// pagination.
	CountJobs(ctx context.Context, opts ListOpts) (int64, error)

	// AppendLog appends a line to the job's log, evicting the oldest lines
	// beyond limit. A job whose stored record is terminal refuses the line
	// with vacalibration.ErrInvalidTransition.
	AppendLog(ctx context.Context, jobID id.JobID, line string, limit int) error

	// ReadLogs returns the retained log lines starting at index from.
	ReadLogs(ctx context.Context, jobID id.JobID, from int) ([]string, error)

	// SweepJobs removes index entries last updated before cutoff together
	// with any record or derived key still left behind. It returns the
	// number of entries removed.
	SweepJobs(ctx context.Context, cutoff time.Time) (int, error)
}
