package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/live"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps vacalibration sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case vacalibration.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, live.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, vacalibration.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, vacalibration.ErrInvalidInput),
		errors.Is(err, vacalibration.ErrConfirmationRequired):
		return http.StatusBadRequest
	case errors.Is(err, vacalibration.ErrInvalidTransition),
		errors.Is(err, vacalibration.ErrJobNotFinished),
		errors.Is(err, vacalibration.ErrJobAlreadyExists),
		errors.Is(err, vacalibration.ErrJobConflict):
		return http.StatusConflict
	case errors.Is(err, vacalibration.ErrMaxRetriesExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vacalibration.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeError(w http.ResponseWriter, err error) {
	writeErr(w, statusFor(err), err)
}
