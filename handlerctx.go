package docqw

import (
	"context"
	"time"

	"github.com/UniQw/docqw/internal/hctx"
)

// DocumentDone lets a converter report that one document finished, so the
// task's processing counters advance while the batch is still running.
// It is a no-op if the context is not provided by a docqw backend.
func DocumentDone(ctx context.Context, ok bool) {
	st, found := hctx.From(ctx)
	if !found || st == nil {
		return
	}
	st.Document(ok)
}

// SetTiming attaches a named timing to the task result. Last write wins.
// It is a no-op if the context is not provided by a docqw backend.
func SetTiming(ctx context.Context, name string, d time.Duration) {
	st, found := hctx.From(ctx)
	if !found || st == nil {
		return
	}
	st.Timing(name, d.Seconds())
}
