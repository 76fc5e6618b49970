package docqw

import (
	"context"
	"sync"
	"time"
)

// fakeConverter converts every source to markdown. Sources whose URL or
// filename is listed in fail come back as FAILURE.
type fakeConverter struct {
	mu      sync.Mutex
	fail    map[string]bool
	err     error
	warmErr error
	delay   time.Duration
	block   chan struct{}
	nClear  int
	nConv   int
}

func (f *fakeConverter) Convert(ctx context.Context, job *Job) ([]ConversionResult, error) {
	f.mu.Lock()
	f.nConv++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ConversionResult, 0, len(job.Task.Sources))
	for _, s := range job.Task.Sources {
		name := s.Filename
		if name == "" {
			name = s.URL
		}
		if f.fail[name] {
			out = append(out, ConversionResult{Source: name, Status: StatusFailure,
				Errors: []ErrorItem{{Source: name, Message: "cannot parse"}}})
			DocumentDone(ctx, false)
			continue
		}
		r := ConversionResult{Source: name, Status: StatusSuccess, Content: map[string]string{"md": "# " + name}}
		if job.Task.Type == TaskChunk {
			r.Chunks = []Chunk{{Filename: name, Index: 0, Text: "# " + name}}
		}
		out = append(out, r)
		DocumentDone(ctx, true)
	}
	SetTiming(ctx, "convert", time.Millisecond)
	return out, nil
}

func (f *fakeConverter) WarmUp(context.Context) error { return f.warmErr }

func (f *fakeConverter) Clear(context.Context) error {
	f.mu.Lock()
	f.nClear++
	f.mu.Unlock()
	return nil
}

func (f *fakeConverter) clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nClear
}

func (f *fakeConverter) conversions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nConv
}

func httpSources(urls ...string) []Source {
	out := make([]Source, 0, len(urls))
	for _, u := range urls {
		out = append(out, Source{Kind: SourceHTTP, URL: u})
	}
	return out
}

// stubBackend is a Backend whose answers are set by the test.
type stubBackend struct {
	mu        sync.Mutex
	kind      EngineKind
	tasks     map[string]*Task
	results   map[string]*TaskResult
	statusErr error
	calls     int
	hook      func(string)
	deleted   []string
}

func newStubBackend() *stubBackend {
	return &stubBackend{kind: EngineRedisQueue, tasks: map[string]*Task{}, results: map[string]*TaskResult{}}
}

func (s *stubBackend) set(t *Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
}

func (s *stubBackend) statusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubBackend) Kind() EngineKind                      { return s.kind }
func (s *stubBackend) Start(context.Context) error           { return nil }
func (s *stubBackend) Stop(context.Context) error            { return nil }
func (s *stubBackend) SetUpdateHook(fn func(string))         { s.hook = fn }
func (s *stubBackend) ClearConverters(context.Context) error { return nil }
func (s *stubBackend) WarmUp(context.Context) error          { return nil }

func (s *stubBackend) Submit(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[job.Task.ID]; ok {
		return ErrDuplicateTask
	}
	s.tasks[job.Task.ID] = job.Task.Clone()
	return nil
}

func (s *stubBackend) Status(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *stubBackend) QueuePosition(context.Context, string) (int, bool, error) { return 0, false, nil }

func (s *stubBackend) Result(_ context.Context, id string) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	return s.results[id], nil
}

func (s *stubBackend) ResultByKey(_ context.Context, key string) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[key], nil
}

func (s *stubBackend) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubBackend) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusRevoked
	return nil
}

func (s *stubBackend) ClearResults(context.Context, time.Duration) error { return nil }
