package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/UniQw/docqw"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps orchestrator errors to HTTP status codes. An unknown task is
// reported as not found even when it also failed progress validation.
func statusFor(err error) int {
	switch {
	case errors.Is(err, docqw.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, docqw.ErrProgressInvalid),
		errors.Is(err, docqw.ErrInvalidRequest),
		errors.Is(err, docqw.ErrUnknownTaskType):
		return http.StatusBadRequest
	case errors.Is(err, docqw.ErrDuplicateTask), errors.Is(err, docqw.ErrNotRevocable):
		return http.StatusConflict
	case errors.Is(err, docqw.ErrStillProcessing):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusGatewayTimeout {
		h.log.Errorf("http: %s %s failed: %v", r.Method, r.URL.Path, err)
		respondError(w, code, "internal error")
		return
	}
	respondError(w, code, err.Error())
}

func respondResult(w http.ResponseWriter, res *docqw.TaskResult) {
	if res.Kind == docqw.ResultZip {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="converted_docs.zip"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Zip)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
