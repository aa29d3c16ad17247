package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/live"
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	Queue          string          `json:"queue,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
	TimeoutMinutes *int            `json:"timeout_minutes,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	UseCache       *bool           `json:"use_cache,omitempty"`
}

func (req CreateJobRequest) options() []job.Option {
	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(*req.Priority))
	}
	if req.TimeoutMinutes != nil {
		opts = append(opts, job.WithTimeout(time.Duration(*req.TimeoutMinutes)*time.Minute))
	}
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}
	if req.UseCache != nil {
		opts = append(opts, job.WithCache(*req.UseCache))
	}
	return opts
}

// JobView is a job as returned by the API.
type JobView struct {
	*job.Job
	// ExecutionTime is completed_at - started_at in seconds.
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

func viewOf(j *job.Job) JobView {
	return JobView{Job: j, ExecutionTime: j.ExecutionTime().Seconds()}
}

// JobListResponse is the body of GET /v1/jobs.
type JobListResponse struct {
	Jobs   []JobView `json:"jobs"`
	Total  int64     `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// OutputResponse is the body of GET /v1/jobs/{jobId}/output.
type OutputResponse struct {
	Lines   []string `json:"lines"`
	From    int      `json:"from"`
	Next    int      `json:"next"`
	HasMore bool     `json:"has_more"`
}

// DispatchFailedResponse accompanies a job that was recorded but could not
// be queued. The job can be dispatched again later.
type DispatchFailedResponse struct {
	Error string  `json:"error"`
	Job   JobView `json:"job"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: %v", vacalibration.ErrInvalidInput, err))
		return
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: input is not valid JSON", vacalibration.ErrInvalidInput))
		return
	}

	j, err := a.eng.Controller().Create(r.Context(), req.Name, req.Input, req.options()...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, viewOf(j))
	case j != nil && errors.Is(err, vacalibration.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, DispatchFailedResponse{Error: err.Error(), Job: viewOf(j)})
	default:
		writeError(w, err)
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOpts(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if opts.Limit == 0 {
		opts.Limit = defaultPageSize
	}

	jobs, total, err := a.eng.Controller().List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: views, Total: total, Limit: opts.Limit, Offset: opts.Offset})
}

func (a *API) deleteJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOpts(r)
	if err != nil {
		writeError(w, err)
		return
	}
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm")) //nolint:errcheck // anything else means no
	n, err := a.eng.Controller().DeleteMany(r.Context(), opts, confirm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Controller().Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (a *API) getResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Controller().Result(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (a *API) getOutput(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	from, err := intQuery(r, "from")
	if err != nil {
		writeError(w, err)
		return
	}
	lines, more, err := a.eng.Controller().Output(r.Context(), jobID, from)
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, OutputResponse{Lines: lines, From: from, Next: from + len(lines), HasMore: more})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Controller().Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Controller().Retry(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(j))
}

func (a *API) resubmitJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Controller().Resubmit(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(j))
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	deleted, err := a.eng.Controller().Delete(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, fmt.Errorf("%w: %s", vacalibration.ErrJobNotFound, jobID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// watchJob serves the job's events over a WebSocket. The job is looked up
// before the upgrade so unknown and foreign jobs get a plain HTTP error.
func (a *API) watchJob(w http.ResponseWriter, r *http.Request) {
	jobID, after, ok := a.subscription(w, r)
	if !ok {
		return
	}
	codec, err := live.GetCodec(r.URL.Query().Get("format"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.Live().ServeWebSocket(w, r, jobID, after, codec, identityFrom(r.Context())); err != nil {
		a.logger.Debug("websocket closed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// streamJob serves the job's events as a server-sent event stream.
func (a *API) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID, after, ok := a.subscription(w, r)
	if !ok {
		return
	}
	if err := a.eng.Live().ServeEventStream(w, r, jobID, after, identityFrom(r.Context())); err != nil {
		a.logger.Debug("event stream closed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (a *API) subscription(w http.ResponseWriter, r *http.Request) (id.JobID, uint64, bool) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return id.Nil, 0, false
	}
	if _, err := a.eng.Controller().Get(r.Context(), jobID); err != nil {
		writeError(w, err)
		return id.Nil, 0, false
	}
	after, err := live.ParseResume(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return id.Nil, 0, false
	}
	return jobID, after, true
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: job id: %v", vacalibration.ErrInvalidInput, err))
		return id.Nil, false
	}
	return jobID, true
}

// listOpts reads the job filters shared by listing and bulk deletion.
func listOpts(r *http.Request) (job.ListOpts, error) {
	q := r.URL.Query()
	var opts job.ListOpts
	var err error

	if s := q.Get("status"); s != "" {
		if opts.State, err = job.ParseState(s); err != nil {
			return opts, err
		}
	}
	opts.Name = q.Get("name")
	if s := q.Get("batch_id"); s != "" {
		if opts.BatchID, err = id.ParseBatchID(s); err != nil {
			return opts, fmt.Errorf("%w: batch_id: %v", vacalibration.ErrInvalidInput, err)
		}
	}
	if opts.CreatedAfter, err = timeQuery(r, "created_after"); err != nil {
		return opts, err
	}
	if opts.CreatedBefore, err = timeQuery(r, "created_before"); err != nil {
		return opts, err
	}
	if opts.Limit, err = intQuery(r, "limit"); err != nil {
		return opts, err
	}
	opts.Limit = min(opts.Limit, maxPageSize)
	if opts.Offset, err = intQuery(r, "offset"); err != nil {
		return opts, err
	}
	return opts, nil
}

func intQuery(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", vacalibration.ErrInvalidInput, key)
	}
	return n, nil
}

func timeQuery(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 time", vacalibration.ErrInvalidInput, key)
	}
	return t, nil
}
