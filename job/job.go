package job

import (
	"encoding/json"
	"fmt"
	"time"

	vacalibration "github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is recorded but no execution has started.
	StatePending State = "pending"
	// StateRunning means an execution unit confirmed it started.
	StateRunning State = "running"
	// StateCompleted means the job produced a result.
	StateCompleted State = "completed"
	// StateFailed means the execution unit failed or could not run.
	StateFailed State = "failed"
	// StateCancelled means a user cancelled the job.
	StateCancelled State = "cancelled"
	// StateTimeout means the job ran past its deadline.
	StateTimeout State = "timeout"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled, StateTimeout}

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", vacalibration.ErrInvalidInput, s)
	}
	return st, nil
}

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	// ErrorReported means the execution unit explicitly signalled failure.
	ErrorReported ErrorKind = "reported"
	// ErrorNoOutput means the execution unit exited without a result
	// document.
	ErrorNoOutput ErrorKind = "no-output"
	// ErrorException means the execution could not be carried out at all,
	// for example an unknown runner or a panic.
	ErrorException ErrorKind = "exception"
	// ErrorTimeout is recorded by the reaper on timed-out jobs.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorCancelled is recorded on cancelled jobs.
	ErrorCancelled ErrorKind = "cancelled"
)

// Error is the structured failure stored on a job in a terminal non-success
// state.
type Error struct {
	Kind    ErrorKind `json:"kind"    msgpack:"kind"`
	Message string    `json:"message" msgpack:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// CacheInfo marks a job whose result was served from the result cache.
type CacheInfo struct {
	SourceJobID id.JobID  `json:"source_job_id"`
	Fingerprint string    `json:"fingerprint"`
	CachedAt    time.Time `json:"cached_at"`
}

// Job is a single request to run an execution unit.
type Job struct {
	vacalibration.Entity

	ID          id.JobID        `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Input       json.RawMessage `json:"input"`
	Fingerprint string          `json:"input_fingerprint"`
	State       State           `json:"status"`
	Progress    int             `json:"progress"`
	Stage       string          `json:"stage,omitempty"`
	Priority    int             `json:"priority"`
	Timeout     time.Duration   `json:"timeout"`
	MaxRetries  int             `json:"max_retries"`
	RetryCount  int             `json:"retry_count"`
	ParentID    id.JobID        `json:"parent_id"`
	BatchID     id.BatchID      `json:"batch_id"`
	Group       string          `json:"group,omitempty"`
	GroupLimit  int             `json:"group_limit,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	UseCache    bool            `json:"use_cache"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Cache       *CacheInfo      `json:"cache_info,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	// Revision counts the writes applied to the stored record. Conditional
	// updates compare it to detect a concurrent writer.
	Revision int64 `json:"revision"`
}

// Deadline returns started_at + timeout for a running job. ok is false when
// the job is not running or has no timeout.
func (j *Job) Deadline() (deadline time.Time, ok bool) {
	if j.State != StateRunning || j.StartedAt == nil || j.Timeout <= 0 {
		return time.Time{}, false
	}
	return j.StartedAt.Add(j.Timeout), true
}

// ExecutionTime is the wall time between start and completion. It is zero
// until both are known.
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Input = cloneRaw(j.Input)
	cp.Result = cloneRaw(j.Result)
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Cache != nil {
		c := *j.Cache
		cp.Cache = &c
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
