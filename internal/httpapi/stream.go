package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

var errStreamClosed = errors.New("httpapi: stream closed")

// sseSubscriber writes notifier messages as server-sent events. Once closed
// it never touches the response writer again.
type sseSubscriber struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
	done   chan struct{}
}

func newSSESubscriber(w http.ResponseWriter, f http.Flusher) *sseSubscriber {
	return &sseSubscriber{w: w, f: f, done: make(chan struct{})}
}

func (s *sseSubscriber) Send(_ context.Context, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(msg); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// streamStatus answers GET /v1/status/stream/{id} with a server-sent-events
// stream of status messages. The stream ends when the task finishes, is
// deleted or the client goes away.
func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	sub := newSSESubscriber(w, f)
	unsub, err := h.n.Subscribe(r.Context(), chi.URLParam(r, "id"), sub)
	if err != nil {
		return
	}
	select {
	case <-sub.done:
	case <-r.Context().Done():
	}
	unsub()
	_ = sub.Close()
}
