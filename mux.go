package docqw

import (
	"context"
	"errors"
	"fmt"
)

// HandlerFunc is the function signature for processing a job.
type HandlerFunc func(ctx context.Context, job *Job) (*TaskResult, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

var errNoHandler = errors.New("docqw: no handler for task type")

type handler struct {
	exec HandlerFunc
}

// Mux routes jobs to their respective handlers based on task type.
type Mux struct {
	handlers    map[TaskType]handler
	middlewares []Middleware
	conv        Converter
}

// NewMux creates a new empty Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[TaskType]handler),
		middlewares: []Middleware{},
	}
}

// NewConverterMux returns a Mux with CONVERT and CHUNK routed to conv.
// WarmUp and Clear are forwarded to conv.
func NewConverterMux(conv Converter) *Mux {
	m := NewMux()
	m.conv = conv
	m.Handle(TaskConvert, ConvertHandler(conv))
	m.Handle(TaskChunk, ConvertHandler(conv))
	return m
}

// Handle registers a handler for a specific task type.
func (m *Mux) Handle(taskType TaskType, fn HandlerFunc) {
	m.handlers[taskType] = handler{
		exec: fn,
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// Process runs the handler registered for the job's task type.
func (m *Mux) Process(ctx context.Context, job *Job) (*TaskResult, error) {
	h, ok := m.handlers[job.Task.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoHandler, job.Task.Type)
	}
	return m.wrapHandler(h.exec)(ctx, job)
}

// WarmUp triggers the converter's cold-start path, if the mux has one.
func (m *Mux) WarmUp(ctx context.Context) error {
	if m.conv == nil {
		return nil
	}
	return m.conv.WarmUp(ctx)
}

// Clear drops cached converter state, if the mux has a converter.
func (m *Mux) Clear(ctx context.Context) error {
	if m.conv == nil {
		return nil
	}
	return m.conv.Clear(ctx)
}
