package docqw

import (
	"context"
	"time"
)

// EngineKind selects the execution backend. The set is closed.
type EngineKind string

const (
	// EngineLocal runs jobs on an in-process worker pool.
	EngineLocal EngineKind = "local"
	// EngineRedisQueue runs jobs on any replica's workers through a Redis broker.
	EngineRedisQueue EngineKind = "redis"
	// EngineRemote submits jobs as runs to a remote pipeline service that
	// reports progress through callbacks.
	EngineRemote EngineKind = "remote"
)

// ParseEngineKind converts a configuration value into an EngineKind.
func ParseEngineKind(s string) (EngineKind, error) {
	switch EngineKind(s) {
	case EngineLocal, EngineRedisQueue, EngineRemote:
		return EngineKind(s), nil
	default:
		return "", ErrUnknownEngine
	}
}

// Backend executes jobs asynchronously and answers status and result queries.
// Status reads are idempotent. Every backend reports SUCCESS or FAILURE once
// per task.
type Backend interface {
	Kind() EngineKind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Submit accepts a PENDING job. It returns ErrDuplicateTask if the id is taken.
	Submit(ctx context.Context, job *Job) error
	// Status returns the backend's view of a task, or ErrTaskNotFound.
	Status(ctx context.Context, id string) (*Task, error)
	// QueuePosition returns the 1-based rank among pending tasks; ok is false
	// when the task is not pending or the backend cannot tell.
	QueuePosition(ctx context.Context, id string) (pos int, ok bool, err error)
	// Result returns the result of a finished task, nil while it is not, or
	// ErrTaskNotFound.
	Result(ctx context.Context, id string) (*TaskResult, error)
	// ResultByKey fetches a result through the pointer recorded in the shared cache.
	ResultByKey(ctx context.Context, key string) (*TaskResult, error)
	Delete(ctx context.Context, id string) error
	// Revoke cancels a PENDING or STARTED task; ErrNotRevocable otherwise.
	Revoke(ctx context.Context, id string) error
	ClearResults(ctx context.Context, olderThan time.Duration) error
	ClearConverters(ctx context.Context) error
	WarmUp(ctx context.Context) error
	// SetUpdateHook registers fn to be called with the id of every task whose
	// state changed. Must be called before Start.
	SetUpdateHook(fn func(id string))
}

// progressSink is implemented by backends that accept pushed progress.
// ApplyProgress returns the state the backend holds afterwards.
type progressSink interface {
	ApplyProgress(ctx context.Context, t *Task) (*Task, error)
}
