// Package httpapi exposes an Orchestrator over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UniQw/docqw"
)

// Handler serves the task API of one replica.
type Handler struct {
	o   *docqw.Orchestrator
	n   *docqw.Notifier
	log docqw.Logger
}

// NewRouter builds the router. n must be bound to o; metrics from g are
// served on /metrics when g is not nil.
func NewRouter(o *docqw.Orchestrator, n *docqw.Notifier, g prometheus.Gatherer, log docqw.Logger) http.Handler {
	if log == nil {
		log = docqw.NewFmtLogger()
	}
	h := &Handler{o: o, n: n, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/convert/source", h.enqueueSync(docqw.TaskConvert))
		r.Post("/convert/source/async", h.enqueueAsync(docqw.TaskConvert))
		r.Post("/chunk/source", h.enqueueSync(docqw.TaskChunk))
		r.Post("/chunk/source/async", h.enqueueAsync(docqw.TaskChunk))

		r.Get("/status/poll/{id}", h.pollStatus)
		r.Get("/status/stream/{id}", h.streamStatus)
		r.Get("/result/{id}", h.taskResult)
		r.Delete("/tasks/{id}", h.deleteTask)
		r.Post("/tasks/{id}/revoke", h.revokeTask)

		r.Post("/callback/task/progress", h.taskProgress)

		r.Get("/clear/converters", h.clearConverters)
		r.Get("/clear/results", h.clearResults)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(log docqw.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugf("http: %s %s status=%d dur=%s req=%s",
				r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
		})
	}
}
