package docqw

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RemoteBackend submits jobs as runs to a remote pipeline and learns about
// their progress through ReceiveTaskProgress. Its table only holds what this
// replica submitted or was told; the shared cache carries the rest.
type RemoteBackend struct {
	sub         PipelineSubmitter
	callbackURL string
	log         Logger
	hook        func(id string)

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRemoteBackend creates a backend submitting through sub. callbackURL is
// handed to the pipeline for progress reports.
func NewRemoteBackend(sub PipelineSubmitter, callbackURL string, log Logger) *RemoteBackend {
	if log == nil {
		log = noopLogger{}
	}
	return &RemoteBackend{sub: sub, callbackURL: callbackURL, log: log, tasks: make(map[string]*Task)}
}

func (b *RemoteBackend) Kind() EngineKind { return EngineRemote }

func (b *RemoteBackend) SetUpdateHook(fn func(id string)) { b.hook = fn }

func (b *RemoteBackend) Start(context.Context) error { return nil }

func (b *RemoteBackend) Stop(context.Context) error { return nil }

func (b *RemoteBackend) Submit(ctx context.Context, job *Job) error {
	id := job.Task.ID
	b.mu.Lock()
	if _, ok := b.tasks[id]; ok {
		b.mu.Unlock()
		return ErrDuplicateTask
	}
	b.tasks[id] = job.Task.Clone()
	b.mu.Unlock()

	if err := b.sub.Submit(ctx, PipelineRun{TaskID: id, Job: job, CallbackURL: b.callbackURL}); err != nil {
		b.mu.Lock()
		delete(b.tasks, id)
		b.mu.Unlock()
		return err
	}
	b.log.Debugf("pipeline run submitted: id=%s", id)
	return nil
}

// ApplyProgress records a progress report the orchestrator validated.
// Finished runs get a "remote:<id>" result pointer.
func (b *RemoteBackend) ApplyProgress(_ context.Context, t *Task) (*Task, error) {
	b.mu.Lock()
	cur, ok := b.tasks[t.ID]
	var stored *Task
	if !ok {
		// submitted by another replica
		stored = t.Clone()
	} else {
		stored = mergeTask(cur, t)
	}
	if (stored.Status == StatusSuccess || stored.Status == StatusFailure) && stored.ResultKey == "" {
		stored.ResultKey = "remote:" + stored.ID
	}
	b.tasks[t.ID] = stored
	out := stored.Clone()
	b.mu.Unlock()
	if b.hook != nil {
		b.hook(t.ID)
	}
	return out, nil
}

func (b *RemoteBackend) Status(_ context.Context, id string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// QueuePosition is unknown for remote runs.
func (b *RemoteBackend) QueuePosition(context.Context, string) (int, bool, error) {
	return 0, false, nil
}

// Result is the tally of the run; documents were uploaded to the target by the pipeline.
func (b *RemoteBackend) Result(_ context.Context, id string) (*TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusSuccess && t.Status != StatusFailure {
		return nil, nil
	}
	return remoteResult(t), nil
}

// ResultByKey rebuilds the tally from a "remote:<id>" pointer when this
// replica has seen the task.
func (b *RemoteBackend) ResultByKey(ctx context.Context, key string) (*TaskResult, error) {
	const p = "remote:"
	if len(key) <= len(p) || key[:len(p)] != p {
		return nil, nil
	}
	res, err := b.Result(ctx, key[len(p):])
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return res, err
}

func remoteResult(t *Task) *TaskResult {
	elapsed := t.FinishedAt.Sub(t.CreatedAt).Seconds()
	if elapsed <= 0 {
		// clocks of the replicas may disagree
		elapsed = time.Millisecond.Seconds()
	}
	res := &TaskResult{
		Kind:           ResultRemote,
		Status:         t.Status,
		ProcessingTime: elapsed,
		NumConverted:   t.Meta.NumProcessed,
		NumSucceeded:   t.Meta.NumSucceeded,
		NumFailed:      t.Meta.NumFailed,
	}
	if t.Error != "" {
		res.Errors = []ErrorItem{{Message: t.Error}}
	}
	return res
}

func (b *RemoteBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.tasks, id)
	b.mu.Unlock()
	return nil
}

// Revoke marks the run revoked; later callbacks for it are rejected.
// The pipeline itself is not told.
func (b *RemoteBackend) Revoke(_ context.Context, id string) error {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		b.mu.Unlock()
		return ErrNotRevocable
	}
	t.Status = StatusRevoked
	t.FinishedAt = time.Now()
	b.mu.Unlock()
	if b.hook != nil {
		b.hook(id)
	}
	return nil
}

func (b *RemoteBackend) ClearResults(_ context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.tasks {
		if t.IsCompleted() && t.FinishedAt.Before(cutoff) {
			delete(b.tasks, id)
		}
	}
	return nil
}

// ClearConverters is a no-op; converters live in the pipeline.
func (b *RemoteBackend) ClearConverters(context.Context) error { return nil }

// WarmUp is a no-op; converters live in the pipeline.
func (b *RemoteBackend) WarmUp(context.Context) error { return nil }
