package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/batch"
	"github.com/cliu238/vacalibration/id"
)

// CreateBatchRequest is the body of POST /v1/batches. It either groups
// existing jobs (JobIDs) or submits one new job per input under Name.
type CreateBatchRequest struct {
	JobIDs        []string          `json:"job_ids,omitempty"`
	Name          string            `json:"name,omitempty"`
	Inputs        []json.RawMessage `json:"inputs,omitempty"`
	BatchName     string            `json:"batch_name,omitempty"`
	ParallelLimit int               `json:"parallel_limit,omitempty"`
	FailFast      bool              `json:"fail_fast,omitempty"`
	UseCache      *bool             `json:"use_cache,omitempty"`
}

// BatchView is a batch and its current rollup.
type BatchView struct {
	batch.Rollup
	Name          string    `json:"name,omitempty"`
	JobIDs        []string  `json:"job_ids"`
	ParallelLimit int       `json:"parallel_limit"`
	FailFast      bool      `json:"fail_fast"`
	CreatedAt     time.Time `json:"created_at"`
}

func (a *API) createBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: %v", vacalibration.ErrInvalidInput, err))
		return
	}
	params := batch.Params{Name: req.BatchName, ParallelLimit: req.ParallelLimit, FailFast: req.FailFast}
	ctx := r.Context()

	var (
		b   *batch.Batch
		err error
	)
	switch {
	case len(req.JobIDs) > 0 && len(req.Inputs) > 0:
		err = fmt.Errorf("%w: give either job_ids or inputs", vacalibration.ErrInvalidInput)
	case len(req.JobIDs) > 0:
		ids := make([]id.JobID, 0, len(req.JobIDs))
		for _, s := range req.JobIDs {
			jid, perr := id.ParseJobID(s)
			if perr != nil {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: job id: %v", vacalibration.ErrInvalidInput, perr))
				return
			}
			ids = append(ids, jid)
		}
		b, err = a.eng.Batches().Create(ctx, ids, params)
	default:
		opts := CreateJobRequest{UseCache: req.UseCache}.options()
		b, err = a.eng.Batches().Submit(ctx, req.Name, req.Inputs, params, opts...)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := a.batchView(r, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := id.ParseBatchID(chi.URLParam(r, "batchId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: batch id: %v", vacalibration.ErrInvalidInput, err))
		return
	}
	b, err := a.eng.Batches().Get(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := a.batchView(r, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) batchView(r *http.Request, b *batch.Batch) (BatchView, error) {
	rollup, err := a.eng.Batches().Status(r.Context(), b.ID)
	if err != nil {
		return BatchView{}, err
	}
	ids := make([]string, len(b.JobIDs))
	for i, jid := range b.JobIDs {
		ids[i] = jid.String()
	}
	return BatchView{
		Rollup:        rollup,
		Name:          b.Name,
		JobIDs:        ids,
		ParallelLimit: b.ParallelLimit,
		FailFast:      b.FailFast,
		CreatedAt:     b.CreatedAt,
	}, nil
}
