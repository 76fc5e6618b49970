package docqw

import (
	"context"
	"time"
)

// WaitTask blocks until id reaches a terminal status, checking every
// SyncPollInterval. After MaxSyncWait it returns the last seen state with
// ErrStillProcessing; the task itself keeps running.
func (o *Orchestrator) WaitTask(ctx context.Context, id string) (*Task, error) {
	deadline := time.Now().Add(o.cfg.MaxSyncWait)
	ticker := time.NewTicker(o.cfg.SyncPollInterval)
	defer ticker.Stop()
	for {
		t, err := o.be.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.IsCompleted() {
			return t, nil
		}
		if !time.Now().Before(deadline) {
			return t, ErrStillProcessing
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}
