package docqw

import "errors"

// ErrTaskNotFound is returned when no tier (backend, cache, registry) knows a task ID.
var ErrTaskNotFound = errors.New("docqw: task not found")

// ErrProgressInvalid is returned for malformed or inconsistent progress callbacks.
var ErrProgressInvalid = errors.New("docqw: invalid progress payload")

// ErrDuplicateTask is returned when Enqueue is called with an ID that is already in use.
var ErrDuplicateTask = errors.New("docqw: duplicate task id")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("docqw: unknown task status")

// ErrUnknownTaskType is returned when an invalid task type is used.
var ErrUnknownTaskType = errors.New("docqw: unknown task type")

// ErrUnknownEngine is returned when an execution backend kind is not recognized.
var ErrUnknownEngine = errors.New("docqw: unknown engine kind")

// ErrInvalidRequest is returned when an enqueue request is rejected before submission.
var ErrInvalidRequest = errors.New("docqw: invalid request")

// ErrStillProcessing is returned when a synchronous wait gives up before the task completes.
// The task keeps running.
var ErrStillProcessing = errors.New("docqw: task still processing")

// ErrNotRevocable is returned when revoking a task that already reached a terminal status.
var ErrNotRevocable = errors.New("docqw: task cannot be revoked")
