package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/job"
	"github.com/cliu238/vacalibration/live"
	"github.com/cliu238/vacalibration/stream"
)

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Jobs   map[job.State]int64 `json:"jobs"`
	Live   live.Stats          `json:"live"`
	Broker stream.BrokerStats  `json:"broker"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	counts := make(map[job.State]int64, len(job.States))
	for _, state := range job.States {
		_, total, err := a.eng.Controller().List(r.Context(), job.ListOpts{State: state, Limit: 1})
		if err != nil {
			writeError(w, err)
			return
		}
		counts[state] = total
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Jobs:   counts,
		Live:   a.eng.Live().Stats(),
		Broker: a.eng.Broker().Stats(),
	})
}

func (a *API) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Cache().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) clearCache(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm")) //nolint:errcheck // anything else means no
	if !confirm {
		writeError(w, fmt.Errorf("%w: clearing the cache", vacalibration.ErrConfirmationRequired))
		return
	}

	preds := []cache.Predicate{cache.All()}
	if name := r.URL.Query().Get("name"); name != "" {
		preds = append(preds, cache.ByJobName(name))
	}
	before, err := timeQuery(r, "cached_before")
	if err != nil {
		writeError(w, err)
		return
	}
	if !before.IsZero() {
		preds = append(preds, cache.CachedBefore(before))
	}

	n, err := a.eng.Cache().Clear(r.Context(), cache.And(preds...))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
