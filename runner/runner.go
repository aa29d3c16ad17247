package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
)

// Request is one execution of a job.
type Request struct {
	JobID   id.JobID
	Name    string
	Input   json.RawMessage
	Timeout time.Duration
}

// Outcome is what an execution produced. Exactly one of Result and Err is
// set.
type Outcome struct {
	Result json.RawMessage
	Err    *job.Error
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return o.Err != nil }

// Emit receives output lines while a unit runs. Runners call it from a
// single goroutine at a time.
type Emit func(Line)

// Runner executes a job's unit of work. A returned error means the unit
// could not be run at all (or ctx ended); failures the unit itself
// reports are returned in Outcome.Err.
type Runner interface {
	Run(ctx context.Context, req Request, emit Emit) (Outcome, error)
}

// Func adapts a plain function to Runner. A returned error becomes a
// reported failure.
type Func func(ctx context.Context, input json.RawMessage, emit Emit) (json.RawMessage, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, req Request, emit Emit) (Outcome, error) {
	result, err := f(ctx, req.Input, emit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Outcome{}, err
		}
		return Outcome{Err: &job.Error{Kind: job.ErrorReported, Message: err.Error()}}, nil
	}
	return Outcome{Result: result}, nil
}

// DecodeOutcome interprets an output document. {"success": false, ...} and
// documents carrying only an "error" are reported failures; anything else
// is the result.
func DecodeOutcome(doc []byte) (Outcome, error) {
	doc = bytes.TrimSpace(doc)
	if !json.Valid(doc) {
		return Outcome{}, errors.New("runner: output document is not valid JSON")
	}

	var probe struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		// Not an object; the document is the result as-is.
		return Outcome{Result: json.RawMessage(doc)}, nil //nolint:nilerr // non-object results are valid
	}

	failed := (probe.Success != nil && !*probe.Success) ||
		(probe.Success == nil && len(probe.Error) > 0 && string(probe.Error) != "null")
	if !failed {
		return Outcome{Result: json.RawMessage(doc)}, nil
	}

	msg := errorMessage(probe.Error)
	if msg == "" {
		msg = probe.Message
	}
	if msg == "" {
		msg = "execution unit reported failure"
	}
	return Outcome{Err: &job.Error{Kind: job.ErrorReported, Message: msg}}, nil
}

// errorMessage accepts "error": "text" and "error": {"message": "text"}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// Registry maps job names to runners. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds name to r, replacing any previous binding.
func (r *Registry) Register(name string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = rn
}

// Get returns the runner for name.
func (r *Registry) Get(name string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[name]
	return rn, ok
}

// Names returns all registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up the runner for req.Name and runs it.
func (r *Registry) Run(ctx context.Context, req Request, emit Emit) (Outcome, error) {
	rn, ok := r.Get(req.Name)
	if !ok {
		return Outcome{}, fmt.Errorf("runner: no runner registered for %q", req.Name)
	}
	return rn.Run(ctx, req, emit)
}
