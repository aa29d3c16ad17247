package job

import (
	"encoding/json"
	"fmt"
	"time"

	vacalibration "github.com/cliu238/vacalibration"
)

// CancelMessage is recorded on jobs cancelled without an explicit reason.
const CancelMessage = "Job cancelled by user"

// maxRunningProgress is the highest progress a non-completed job may show.
const maxRunningProgress = 99

// Report is something that happened to a job. The set of variants is closed.
type Report interface {
	report()
}

// Started reports that the execution unit began running.
type Started struct{}

// Progressed reports a progress percentage and an optional stage label.
type Progressed struct {
	Percent int
	Stage   string
}

// Logged reports a free-text output line.
type Logged struct {
	Line string
}

// Succeeded reports a result document. Cache is set when the result was
// served from the result cache instead of an execution.
type Succeeded struct {
	Result json.RawMessage
	Cache  *CacheInfo
}

// Failed reports a terminal failure.
type Failed struct {
	Err Error
}

// Cancelled reports a user cancellation.
type Cancelled struct {
	Reason string
}

// TimedOut reports that the job ran past its deadline.
type TimedOut struct {
	After time.Duration
}

func (Started) report()    {}
func (Progressed) report() {}
func (Logged) report()     {}
func (Succeeded) report()  {}
func (Failed) report()     {}
func (Cancelled) report()  {}
func (TimedOut) report()   {}

// Next returns the state a job in state from moves to when r is applied.
// Illegal reports return an error wrapping
// vacalibration.ErrInvalidTransition.
func Next(from State, r Report) (State, error) {
	if from.Terminal() {
		return from, invalid(from, r)
	}

	switch rep := r.(type) {
	case Started:
		if from == StatePending {
			return StateRunning, nil
		}
	case Progressed:
		if from == StateRunning {
			return StateRunning, nil
		}
	case Logged:
		return from, nil
	case Succeeded:
		if from == StateRunning || (from == StatePending && rep.Cache != nil) {
			return StateCompleted, nil
		}
	case Failed:
		return StateFailed, nil
	case Cancelled:
		return StateCancelled, nil
	case TimedOut:
		if from == StateRunning {
			return StateTimeout, nil
		}
	}

	return from, invalid(from, r)
}

// Apply validates r against j's current state and mutates j accordingly.
// On error j is left untouched.
func Apply(j *Job, r Report, now time.Time) error {
	next, err := Next(j.State, r)
	if err != nil {
		return err
	}
	now = now.UTC()

	switch rep := r.(type) {
	case Started:
		j.StartedAt = &now
	case Progressed:
		p := min(max(rep.Percent, 0), maxRunningProgress)
		if p > j.Progress {
			j.Progress = p
		}
		if rep.Stage != "" {
			j.Stage = rep.Stage
		}
	case Logged:
	case Succeeded:
		j.Result = cloneRaw(rep.Result)
		if len(j.Result) == 0 {
			j.Result = json.RawMessage("null")
		}
		j.Error = nil
		j.Progress = 100
		if rep.Cache != nil {
			c := *rep.Cache
			j.Cache = &c
			j.Stage = "cached"
		}
		j.CompletedAt = &now
	case Failed:
		e := rep.Err
		if e.Kind == "" {
			e.Kind = ErrorException
		}
		if e.Message == "" {
			e.Message = "execution failed"
		}
		j.fail(e, now)
	case Cancelled:
		msg := rep.Reason
		if msg == "" {
			msg = CancelMessage
		}
		j.fail(Error{Kind: ErrorCancelled, Message: msg}, now)
	case TimedOut:
		j.fail(Error{Kind: ErrorTimeout, Message: fmt.Sprintf("Job timed out after %s", rep.After)}, now)
	}

	j.State = next
	j.Touch(now)
	return nil
}

func (j *Job) fail(e Error, now time.Time) {
	j.Error = &e
	j.Result = nil
	j.CompletedAt = &now
}

func invalid(from State, r Report) error {
	return fmt.Errorf("%w: %s report on %s job", vacalibration.ErrInvalidTransition, ReportName(r), from)
}

// ReportName returns a short name for a report variant.
func ReportName(r Report) string {
	switch r.(type) {
	case Started:
		return "started"
	case Progressed:
		return "progress"
	case Logged:
		return "log"
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	case Cancelled:
		return "cancel"
	case TimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}
