package docqw

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProgressRequest is the payload a remote pipeline posts for a task.
type ProgressRequest struct {
	TaskID string     `json:"task_id" validate:"required"`
	Status TaskStatus `json:"status" validate:"required,oneof=pending started success failure revoked"`
	// NumDocs may be omitted; the task's current value is kept then.
	NumDocs        int    `json:"num_docs" validate:"gte=0"`
	ProcessedCount int    `json:"processed_count" validate:"gte=0"`
	SucceededCount int    `json:"succeeded_count" validate:"gte=0"`
	FailedCount    int    `json:"failed_count" validate:"gte=0"`
	Error          string `json:"error,omitempty"`
}

// ReceiveTaskProgress applies a progress report to a known task. Every
// failure matches ErrProgressInvalid; an unknown task also matches
// ErrTaskNotFound. A rejected report changes nothing.
func (o *Orchestrator) ReceiveTaskProgress(ctx context.Context, req ProgressRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrProgressInvalid, err)
	}
	t, err := o.be.Status(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProgressInvalid, err)
	}

	meta := ProcessingMeta{
		NumDocs:      req.NumDocs,
		NumProcessed: req.ProcessedCount,
		NumSucceeded: req.SucceededCount,
		NumFailed:    req.FailedCount,
	}
	if meta.NumDocs == 0 {
		meta.NumDocs = t.Meta.NumDocs
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProgressInvalid, err)
	}
	if !CanTransition(t.Status, req.Status) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s", ErrProgressInvalid, t.ID, t.Status, req.Status)
	}
	if req.Status == t.Status && meta.NumProcessed < t.Meta.NumProcessed {
		return fmt.Errorf("%w: processed count went back from %d to %d", ErrProgressInvalid, t.Meta.NumProcessed, meta.NumProcessed)
	}

	upd := t.Clone()
	now := time.Now()
	upd.Status = req.Status
	upd.Meta = meta
	if req.Error != "" {
		upd.Error = req.Error
	}
	if upd.StartedAt.IsZero() && req.Status != StatusPending {
		upd.StartedAt = now
	}
	if req.Status.IsTerminal() && upd.FinishedAt.IsZero() {
		upd.FinishedAt = now
	}

	if sink, ok := o.inner.(progressSink); ok {
		stored, err := sink.ApplyProgress(ctx, upd)
		if err != nil {
			return err
		}
		upd = stored
	}
	o.be.merge(upd)
	// the callback only lands on one replica; the cache is how the others see it
	if err := o.be.write(ctx, upd.ID); err != nil {
		o.log.Warnf("cache write failed: id=%s err=%v", upd.ID, err)
	}
	o.markDirty(upd.ID)
	return nil
}
