package job

import (
	"time"

	"github.com/cliu238/vacalibration/id"
)

// DefaultQueue is the dispatch queue jobs go to unless told otherwise.
const DefaultQueue = "default"

// Options configures a single job at creation time.
type Options struct {
	// Queue is the dispatch queue the job is pushed to.
	Queue string

	// Priority determines dequeue ordering. Higher values are processed first.
	Priority int

	// Timeout is the maximum duration a job may run before the reaper moves
	// it to timeout.
	Timeout time.Duration

	// MaxRetries bounds how many retry jobs may descend from this one.
	MaxRetries int

	// UseCache enables the result cache for lookup and store.
	UseCache bool

	// Owner restricts access to the job. Empty means anonymous.
	Owner string

	// Group names the concurrency group the job's execution counts
	// against; GroupLimit caps simultaneous executions in it.
	Group      string
	GroupLimit int

	BatchID    id.BatchID
	ParentID   id.JobID
	RetryCount int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Queue:      DefaultQueue,
		Priority:   5,
		Timeout:    30 * time.Minute,
		MaxRetries: 3,
		UseCache:   true,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithCache turns the result cache on or off for the job.
func WithCache(enabled bool) Option {
	return func(o *Options) {
		o.UseCache = enabled
	}
}

// WithOwner sets the identity allowed to read and mutate the job.
func WithOwner(owner string) Option {
	return func(o *Options) {
		o.Owner = owner
	}
}

// WithBatch marks the job as a member of a batch.
func WithBatch(batchID id.BatchID) Option {
	return func(o *Options) {
		o.BatchID = batchID
	}
}

// WithGroup runs the job in a concurrency group of at most limit
// simultaneous executions.
func WithGroup(name string, limit int) Option {
	return func(o *Options) {
		o.Group = name
		o.GroupLimit = limit
	}
}

// WithParent records retry lineage.
func WithParent(parentID id.JobID, retryCount int) Option {
	return func(o *Options) {
		o.ParentID = parentID
		o.RetryCount = retryCount
	}
}
