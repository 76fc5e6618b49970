package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/UniQw/docqw"
)

var validate = validator.New()

// sourceRequest is the body of the /convert and /chunk endpoints. Options
// apply to convert tasks; chunk tasks take ConvertOptions and ChunkingOptions.
type sourceRequest struct {
	Sources             []docqw.Source  `json:"sources" validate:"required,min=1"`
	Options             json.RawMessage `json:"options,omitempty"`
	ConvertOptions      json.RawMessage `json:"convert_options,omitempty"`
	ChunkingOptions     json.RawMessage `json:"chunking_options,omitempty"`
	IncludeConvertedDoc bool            `json:"include_converted_doc"`
	Target              *docqw.Target   `json:"target,omitempty"`
}

func (req *sourceRequest) options(t docqw.TaskType) []docqw.Option {
	var opts []docqw.Option
	if req.Target != nil {
		opts = append(opts, docqw.WithTarget(*req.Target))
	}
	if t == docqw.TaskChunk {
		opts = append(opts,
			docqw.WithConvertOptions(req.ConvertOptions),
			docqw.WithChunkingOptions(req.ChunkingOptions),
			docqw.WithChunkingExport(docqw.ChunkingExport{IncludeConvertedDoc: req.IncludeConvertedDoc}),
		)
		return opts
	}
	return append(opts, docqw.WithConvertOptions(req.Options))
}

func decodeSourceRequest(r *http.Request) (*sourceRequest, error) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", docqw.ErrInvalidRequest, err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", docqw.ErrInvalidRequest, err)
	}
	return &req, nil
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, t docqw.TaskType) (*docqw.Task, bool) {
	req, err := decodeSourceRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	task, err := h.o.Enqueue(r.Context(), t, req.Sources, req.options(t)...)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return task, true
}

func (h *Handler) view(r *http.Request, task *docqw.Task) docqw.TaskView {
	pos, ok, err := h.o.QueuePosition(r.Context(), task.ID)
	if err != nil {
		h.log.Warnf("http: queue position failed: id=%s err=%v", task.ID, err)
	}
	return docqw.NewTaskView(task, pos, ok)
}

func (h *Handler) enqueueAsync(t docqw.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := h.enqueue(w, r, t)
		if !ok {
			return
		}
		respondJSON(w, http.StatusOK, h.view(r, task))
	}
}

// enqueueSync waits for the task and answers with its result. A failed task
// is answered with its result when it has one, so every document error is
// reported; otherwise, like a revoked task, with its final status.
func (h *Handler) enqueueSync(t docqw.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := h.enqueue(w, r, t)
		if !ok {
			return
		}
		done, err := h.o.WaitTask(r.Context(), task.ID)
		if errors.Is(err, docqw.ErrStillProcessing) {
			respondError(w, http.StatusGatewayTimeout,
				fmt.Sprintf("conversion is taking too long; task %s is still processing", task.ID))
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		res, err := h.o.TaskResult(r.Context(), task.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if res == nil {
			if done.Status != docqw.StatusSuccess {
				respondJSON(w, http.StatusOK, docqw.NewTaskView(done, 0, false))
				return
			}
			respondError(w, http.StatusNotFound, "task result not found")
			return
		}
		respondResult(w, res)
	}
}

// pollStatus answers GET /v1/status/poll/{id}?wait=<seconds>.
func (h *Handler) pollStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var wait time.Duration
	if s := r.URL.Query().Get("wait"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs < 0 {
			respondError(w, http.StatusBadRequest, "wait must be a non-negative number of seconds")
			return
		}
		wait = time.Duration(secs * float64(time.Second))
	}
	task, err := h.o.TaskStatus(r.Context(), id, wait)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(r, task))
}

func (h *Handler) taskResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.o.TaskResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res == nil {
		respondError(w, http.StatusNotFound, "task result not found, wait for a completion status")
		return
	}
	respondResult(w, res)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.o.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.o.RevokeTask(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	task, err := h.o.TaskStatus(r.Context(), id, 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, docqw.NewTaskView(task, 0, false))
}

func (h *Handler) taskProgress(w http.ResponseWriter, r *http.Request) {
	var req docqw.ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid progress payload: %v", err))
		return
	}
	if err := h.o.ReceiveTaskProgress(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ack"})
}

func (h *Handler) clearConverters(w http.ResponseWriter, r *http.Request) {
	if err := h.o.ClearConverters(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clearResults answers GET /v1/clear/results?older_then=<seconds>, default one hour.
func (h *Handler) clearResults(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Hour
	if s := r.URL.Query().Get("older_then"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "older_then must be a number of seconds")
			return
		}
		olderThan = time.Duration(secs * float64(time.Second))
	}
	if err := h.o.ClearResults(r.Context(), olderThan); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
