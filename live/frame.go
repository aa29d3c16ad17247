// Package live is the connection manager for real-time job subscribers.
// Each live connection follows one job: it is greeted with a welcome
// frame, receives the job's buffered history and then its live events,
// and is pinged periodically. Connections that stop answering or cannot
// keep up are closed without affecting other subscribers of the same job.
//
// Frames travel over WebSocket (JSON text or msgpack binary) or, read-only,
// over Server-Sent Events.
package live

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cliu238/vacalibration/event"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameWelcome FrameType = "welcome"
	FrameEvent   FrameType = "event"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FrameError   FrameType = "error"
)

// Frame is the envelope of every message on a live connection.
type Frame struct {
	ID    string    `json:"id"               msgpack:"id"`
	Type  FrameType `json:"type"             msgpack:"type"`
	JobID string    `json:"job_id,omitempty" msgpack:"job_id,omitempty"`

	// Event is set on event frames.
	Event *event.Event `json:"event,omitempty" msgpack:"event,omitempty"`

	// Error is set on error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Data carries the welcome and ping payloads.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error frame.
type ErrorDetail struct {
	Code    int    `json:"code"    msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Well-known error codes.
const (
	ErrCodeBadRequest  = 400
	ErrCodeNotFound    = 404
	ErrCodeUnavailable = 503
)

// NewFrameID returns a new unique frame ID.
func NewFrameID() string { return uuid.NewString() }

func newFrame(t FrameType, jobID string) *Frame {
	return &Frame{
		ID:        NewFrameID(),
		Type:      t,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame wraps e for delivery.
func NewEventFrame(e *event.Event) *Frame {
	f := newFrame(FrameEvent, e.JobID)
	f.Event = e
	return f
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(jobID string, code int, message string) *Frame {
	f := newFrame(FrameError, jobID)
	f.Error = &ErrorDetail{Code: code, Message: message}
	return f
}

// NewPingFrame creates a ping carrying a heartbeat payload.
func NewPingFrame(jobID string) *Frame {
	f := newFrame(FramePing, jobID)
	f.Data = mustPayload(event.HeartbeatPayload{Time: f.Timestamp})
	return f
}

// NewPongFrame answers a ping.
func NewPongFrame(jobID string) *Frame { return newFrame(FramePong, jobID) }

// NewWelcomeFrame greets a connection with its id and replay start.
func NewWelcomeFrame(jobID, connID string, after uint64) *Frame {
	f := newFrame(FrameWelcome, jobID)
	f.Data = mustPayload(event.ConnectionPayload{ConnectionID: connID, ResumeAfter: after, Status: "connected"})
	return f
}

// Welcome decodes the payload of a welcome frame.
func (f *Frame) Welcome() (event.ConnectionPayload, error) {
	var p event.ConnectionPayload
	err := json.Unmarshal(f.Data, &p)
	return p, err
}

func mustPayload(p event.Payload) json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		panic("live: marshal " + string(p.Kind()) + " payload: " + err.Error())
	}
	return raw
}
