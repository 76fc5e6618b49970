package docqw

import (
	"context"
	"errors"
	"sync"
	"time"
)

type localJob struct {
	job    *Job
	task   *Task
	result *TaskResult
	cancel context.CancelFunc
}

// LocalBackend runs jobs on a fixed pool of goroutines fed by an in-memory
// FIFO. Its state lives only in this process.
type LocalBackend struct {
	mux        *Mux
	numWorkers int
	log        Logger

	mu      sync.Mutex
	jobs    map[string]*localJob
	pending []string
	wake    chan struct{}
	hook    func(id string)

	lmu     sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithLocalLogger sets the logger.
func WithLocalLogger(l Logger) LocalOption { return func(b *LocalBackend) { b.log = l } }

// NewLocalBackend creates a backend executing jobs through mux on numWorkers goroutines.
func NewLocalBackend(mux *Mux, numWorkers int, opts ...LocalOption) *LocalBackend {
	if numWorkers <= 0 {
		numWorkers = 2
	}
	b := &LocalBackend{
		mux:        mux,
		numWorkers: numWorkers,
		log:        noopLogger{},
		jobs:       make(map[string]*localJob),
		wake:       make(chan struct{}, numWorkers),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *LocalBackend) Kind() EngineKind { return EngineLocal }

func (b *LocalBackend) SetUpdateHook(fn func(id string)) { b.hook = fn }

// Start launches the worker pool.
func (b *LocalBackend) Start(ctx context.Context) error {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	if b.started {
		b.log.Warnf("local backend already started; ignoring Start()")
		return nil
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.log.Infof("local backend starting: workers=%d", b.numWorkers)
	for i := 0; i < b.numWorkers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.workerLoop(runCtx)
		}()
	}
	return nil
}

// Stop cancels running jobs and waits for the workers to exit.
func (b *LocalBackend) Stop(ctx context.Context) error {
	b.lmu.Lock()
	if !b.started {
		b.lmu.Unlock()
		return nil
	}
	b.started = false
	b.lmu.Unlock()
	b.log.Infof("local backend stopping")
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBackend) Submit(_ context.Context, job *Job) error {
	b.mu.Lock()
	if _, ok := b.jobs[job.Task.ID]; ok {
		b.mu.Unlock()
		return ErrDuplicateTask
	}
	b.jobs[job.Task.ID] = &localJob{job: job, task: job.Task.Clone()}
	b.pending = append(b.pending, job.Task.ID)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *LocalBackend) Status(_ context.Context, id string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return j.task.Clone(), nil
}

func (b *LocalBackend) QueuePosition(_ context.Context, id string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, pid := range b.pending {
		if pid == id {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

func (b *LocalBackend) Result(_ context.Context, id string) (*TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !j.task.IsCompleted() {
		return nil, nil
	}
	return j.result, nil
}

// ResultByKey resolves "local:<id>" pointers.
func (b *LocalBackend) ResultByKey(ctx context.Context, key string) (*TaskResult, error) {
	const p = "local:"
	if len(key) <= len(p) || key[:len(p)] != p {
		return nil, nil
	}
	res, err := b.Result(ctx, key[len(p):])
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return res, err
}

func (b *LocalBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	j, ok := b.jobs[id]
	if ok {
		delete(b.jobs, id)
		b.removePending(id)
	}
	b.mu.Unlock()
	if ok && j.cancel != nil {
		j.cancel()
	}
	return nil
}

func (b *LocalBackend) Revoke(_ context.Context, id string) error {
	b.mu.Lock()
	j, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		return ErrTaskNotFound
	}
	if !CanTransition(j.task.Status, StatusRevoked) || j.task.Status == StatusRevoked {
		b.mu.Unlock()
		return ErrNotRevocable
	}
	b.removePending(id)
	j.task.Status = StatusRevoked
	j.task.FinishedAt = time.Now()
	cancel := j.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.notify(id)
	return nil
}

func (b *LocalBackend) ClearResults(_ context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, j := range b.jobs {
		if j.task.IsCompleted() && j.task.FinishedAt.Before(cutoff) {
			delete(b.jobs, id)
		}
	}
	return nil
}

func (b *LocalBackend) ClearConverters(ctx context.Context) error { return b.mux.Clear(ctx) }

func (b *LocalBackend) WarmUp(ctx context.Context) error { return b.mux.WarmUp(ctx) }

// removePending must be called with b.mu held.
func (b *LocalBackend) removePending(id string) {
	for i, pid := range b.pending {
		if pid == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

func (b *LocalBackend) notify(id string) {
	if b.hook != nil {
		b.hook(id)
	}
}

// claim pops the oldest pending job and marks it started.
func (b *LocalBackend) claim(ctx context.Context) (*localJob, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 {
		id := b.pending[0]
		b.pending = b.pending[1:]
		j, ok := b.jobs[id]
		if !ok || j.task.Status != StatusPending {
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		j.task.Status = StatusStarted
		j.task.StartedAt = time.Now()
		return j, jobCtx
	}
	return nil, nil
}

func (b *LocalBackend) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		j, jobCtx := b.claim(ctx)
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		b.run(jobCtx, j)
	}
}

func (b *LocalBackend) run(ctx context.Context, j *localJob) {
	id := j.task.ID
	b.notify(id)

	out := execute(ctx, b.mux, j.job, func(m ProcessingMeta) {
		b.mu.Lock()
		if j.task.Status == StatusStarted {
			j.task.Meta = m
		}
		b.mu.Unlock()
		b.notify(id)
	})

	b.mu.Lock()
	j.cancel()
	if j.task.Status != StatusStarted {
		// revoked or deleted while running
		b.mu.Unlock()
		return
	}
	j.task.Status = out.status
	j.task.Meta = out.meta
	j.task.Error = out.errMsg
	j.task.FinishedAt = time.Now()
	j.task.ResultKey = "local:" + id
	j.result = out.result
	b.mu.Unlock()

	if out.status == StatusFailure {
		b.log.Warnf("task failed: id=%s err=%s", id, out.errMsg)
	} else {
		b.log.Debugf("processed: id=%s", id)
	}
	b.notify(id)
}
