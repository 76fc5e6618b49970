package hctx

import (
	"context"
	"sync"
)

// State holds per-execution metadata that a converter can report while a job
// runs and that the executing backend reads back afterwards.
type State struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	timings   map[string]float64

	// OnDocument, when set, is invoked after every reported document with the
	// running totals.
	OnDocument func(succeeded, failed int)
}

// New creates a fresh handler state container.
func New() *State { return &State{} }

// Document records the completion of one document.
func (s *State) Document(ok bool) {
	s.mu.Lock()
	if ok {
		s.succeeded++
	} else {
		s.failed++
	}
	succ, fail := s.succeeded, s.failed
	cb := s.OnDocument
	s.mu.Unlock()
	if cb != nil {
		cb(succ, fail)
	}
}

// Counts returns the documents reported so far.
func (s *State) Counts() (succeeded, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}

// Timing records a named timing in seconds; last write wins.
func (s *State) Timing(name string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timings == nil {
		s.timings = make(map[string]float64)
	}
	s.timings[name] = seconds
}

// Timings returns a copy of the recorded timings.
func (s *State) Timings() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timings) == 0 {
		return nil
	}
	out := make(map[string]float64, len(s.timings))
	for k, v := range s.timings {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
