package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"research-job-service/internal/service"
)

// apiError is the body of every non-2xx JSON response.
type apiError struct {
	Message string `json:"message" example:"job not found"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// snapshots go stale as soon as the next event is published
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps JobService errors onto status codes. Anything
// unexpected is logged and answered with a bare 500.
func (h *Handler) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		code, msg = http.StatusNotFound, "job not found"
	case errors.Is(err, service.ErrJobFinished):
		code, msg = http.StatusConflict, "job already finished"
	default:
		h.logger.Error("request failed",
			"req_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	writeErr(w, code, msg)
}
