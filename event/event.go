// Package event implements the per-job event bus: sequence-numbered
// events, a bounded replay buffer for late subscribers, and gap detection
// across buffer-eviction boundaries.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the payload variant carried by an Event.
type Kind string

const (
	KindLog        Kind = "log"
	KindProgress   Kind = "progress"
	KindStatus     Kind = "status"
	KindResult     Kind = "result"
	KindError      Kind = "error"
	KindHeartbeat  Kind = "heartbeat"
	KindConnection Kind = "connection"
)

// Event is one message on a job's stream. Seq is assigned at publish time
// and strictly increases per job; heartbeat and connection events are not
// sequenced and carry Seq 0.
type Event struct {
	JobID     string          `json:"job_id"        msgpack:"job_id"`
	Seq       uint64          `json:"seq"           msgpack:"seq"`
	Kind      Kind            `json:"kind"          msgpack:"kind"`
	Timestamp time.Time       `json:"ts"            msgpack:"ts"`
	Payload   json.RawMessage `json:"payload"       msgpack:"payload"`
	Gap       uint64          `json:"gap,omitempty" msgpack:"gap,omitempty"`
}

// Payload is implemented by every payload variant.
type Payload interface {
	Kind() Kind
}

// LogPayload is an output line. Level is "info", "error" or "output".
type LogPayload struct {
	Level string `json:"level"`
	Line  string `json:"line"`
}

// ProgressPayload reports execution progress.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// StatusPayload reports a state change.
type StatusPayload struct {
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ResultPayload carries a success document. SourceJobID is set when the
// result came from the cache.
type ResultPayload struct {
	Result        json.RawMessage `json:"result"`
	SourceJobID   string          `json:"source_job_id,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
}

// ErrorPayload carries a terminal failure.
type ErrorPayload struct {
	Status    string `json:"status"`
	ErrorKind string `json:"kind"`
	Message   string `json:"message"`
}

// HeartbeatPayload is sent on live connections to prove liveness.
type HeartbeatPayload struct {
	Time time.Time `json:"time"`
}

// ConnectionPayload greets a new live subscriber.
type ConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
	ResumeAfter  uint64 `json:"resume_after"`
	Status       string `json:"status,omitempty"`
}

func (LogPayload) Kind() Kind        { return KindLog }
func (ProgressPayload) Kind() Kind   { return KindProgress }
func (StatusPayload) Kind() Kind     { return KindStatus }
func (ResultPayload) Kind() Kind     { return KindResult }
func (ErrorPayload) Kind() Kind      { return KindError }
func (HeartbeatPayload) Kind() Kind  { return KindHeartbeat }
func (ConnectionPayload) Kind() Kind { return KindConnection }

// New builds an event for jobID carrying p.
func New(jobID string, seq uint64, p Payload) (*Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s payload: %w", p.Kind(), err)
	}
	return &Event{
		JobID:     jobID,
		Seq:       seq,
		Kind:      p.Kind(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode returns the typed payload of e.
func (e *Event) Decode() (Payload, error) {
	var p Payload
	switch e.Kind {
	case KindLog:
		p = &LogPayload{}
	case KindProgress:
		p = &ProgressPayload{}
	case KindStatus:
		p = &StatusPayload{}
	case KindResult:
		p = &ResultPayload{}
	case KindError:
		p = &ErrorPayload{}
	case KindHeartbeat:
		p = &HeartbeatPayload{}
	case KindConnection:
		p = &ConnectionPayload{}
	default:
		return nil, fmt.Errorf("event: unknown kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("event: decode %s payload: %w", e.Kind, err)
	}
	return p, nil
}

// Terminal reports whether e announces a terminal job state.
func (e *Event) Terminal() bool {
	return e.Kind == KindResult || e.Kind == KindError
}
