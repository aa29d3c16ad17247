package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cliu238/vacalibration/id"
)

// ServeEventStream serves jobID's events as Server-Sent Events until the
// client goes away. Event frames are named after the event kind and carry
// the sequence number as their SSE id, so a reconnecting EventSource
// resumes through Last-Event-ID.
func (m *Manager) ServeEventStream(w http.ResponseWriter, r *http.Request, jobID id.JobID, after uint64, who *Identity) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	return m.Serve(r.Context(), NewEventStreamTransport(w), jobID, after, who)
}

// EventStreamTransport is a write-only Transport over an HTTP response.
type EventStreamTransport struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewEventStreamTransport wraps w.
func NewEventStreamTransport(w http.ResponseWriter) *EventStreamTransport {
	return &EventStreamTransport{w: w, rc: http.NewResponseController(w)}
}

// Send implements Transport. Frames are always JSON.
func (t *EventStreamTransport) Send(f *Frame, deadline time.Time) error {
	if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	name := string(f.Type)
	if f.Event != nil {
		name = string(f.Event.Kind)
		if f.Event.Seq > 0 {
			if _, err := fmt.Fprintf(t.w, "id: %s\n", strconv.FormatUint(f.Event.Seq, 10)); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return t.rc.Flush()
}

// Close implements Transport. The response ends when the handler returns.
func (t *EventStreamTransport) Close() error { return nil }
