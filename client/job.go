package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/job"
)

// Job is a job as reported by the server.
type Job struct {
	job.Job
	// ExecutionTime is completed_at - started_at in seconds.
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// Output is a page of a job's retained log lines.
type Output struct {
	Lines   []string `json:"lines"`
	From    int      `json:"from"`
	Next    int      `json:"next"`
	HasMore bool     `json:"has_more"`
}

// Batch is a batch and its current rollup.
type Batch struct {
	batch.Rollup
	Name          string    `json:"name,omitempty"`
	JobIDs        []string  `json:"job_ids"`
	ParallelLimit int       `json:"parallel_limit"`
	FailFast      bool      `json:"fail_fast"`
	CreatedAt     time.Time `json:"created_at"`
}

type submitRequest struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	Queue          string          `json:"queue,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
	TimeoutMinutes *int            `json:"timeout_minutes,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	UseCache       *bool           `json:"use_cache,omitempty"`
}

// SubmitOption configures a submit request.
type SubmitOption func(*submitRequest)

// WithQueue sets the target queue.
func WithQueue(queue string) SubmitOption {
	return func(r *submitRequest) { r.Queue = queue }
}

// WithPriority sets the job priority.
func WithPriority(priority int) SubmitOption {
	return func(r *submitRequest) { r.Priority = &priority }
}

// WithTimeout sets the job timeout, rounded up to whole minutes.
func WithTimeout(d time.Duration) SubmitOption {
	return func(r *submitRequest) {
		m := int((d + time.Minute - 1) / time.Minute)
		r.TimeoutMinutes = &m
	}
}

// WithMaxRetries sets how many manual retries the job allows.
func WithMaxRetries(n int) SubmitOption {
	return func(r *submitRequest) { r.MaxRetries = &n }
}

// WithCache turns the result cache on or off for the job.
func WithCache(enabled bool) SubmitOption {
	return func(r *submitRequest) { r.UseCache = &enabled }
}

// Submit creates a job named name with the JSON encoding of input.
func (c *Client) Submit(ctx context.Context, name string, input any, opts ...SubmitOption) (*Job, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	req := submitRequest{Name: name, Input: raw}
	for _, opt := range opts {
		opt(&req)
	}
	var j Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return c.jobCall(ctx, http.MethodGet, jobID, "")
}

// Result retrieves a finished job. A job still running yields an error
// matching vacalibration.ErrInvalidTransition (409).
func (c *Client) Result(ctx context.Context, jobID string) (*Job, error) {
	return c.jobCall(ctx, http.MethodGet, jobID, "/result")
}

// CancelJob cancels a pending or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	return c.jobCall(ctx, http.MethodPost, jobID, "/cancel")
}

// RetryJob creates a new job from a failed, cancelled or timed-out one.
func (c *Client) RetryJob(ctx context.Context, jobID string) (*Job, error) {
	return c.jobCall(ctx, http.MethodPost, jobID, "/retry")
}

// Dispatch queues a pending job again after a failed dispatch.
func (c *Client) Dispatch(ctx context.Context, jobID string) (*Job, error) {
	return c.jobCall(ctx, http.MethodPost, jobID, "/dispatch")
}

// DeleteJob deletes a job and everything derived from it.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil)
}

// JobOutput returns the job's log lines from index from onwards.
func (c *Client) JobOutput(ctx context.Context, jobID string, from int) (*Output, error) {
	var out Output
	path := "/v1/jobs/" + url.PathEscape(jobID) + "/output?from=" + strconv.Itoa(from)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) jobCall(ctx context.Context, method, jobID, suffix string) (*Job, error) {
	var j Job
	if err := c.do(ctx, method, "/v1/jobs/"+url.PathEscape(jobID)+suffix, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Status  job.State
	Name    string
	BatchID string
	Limit   int
	Offset  int
}

// JobList is a page of jobs and the total number of matches.
type JobList struct {
	Jobs   []*Job `json:"jobs"`
	Total  int64  `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// ListJobs lists the caller's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.BatchID != "" {
		q.Set("batch_id", opts.BatchID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// BatchOptions configures SubmitBatch.
type BatchOptions struct {
	Name          string `json:"batch_name,omitempty"`
	ParallelLimit int    `json:"parallel_limit,omitempty"`
	FailFast      bool   `json:"fail_fast,omitempty"`
}

// SubmitBatch creates one job named name per input, grouped as a batch.
func (c *Client) SubmitBatch(ctx context.Context, name string, inputs []json.RawMessage, opts BatchOptions) (*Batch, error) {
	body := struct {
		BatchOptions
		Name   string            `json:"name"`
		Inputs []json.RawMessage `json:"inputs"`
	}{BatchOptions: opts, Name: name, Inputs: inputs}
	var b Batch
	if err := c.do(ctx, http.MethodPost, "/v1/batches", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatch returns a batch's current rollup.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var b Batch
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(batchID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
