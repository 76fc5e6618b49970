package docqw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type deleteRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *deleteRecorder) del(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *deleteRecorder) deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestDeletionScheduler_FiresOnce(t *testing.T) {
	rec := &deleteRecorder{}
	s := newDeletionScheduler(rec.del, noopLogger{})
	defer s.Stop()

	require.True(t, s.Schedule("a", 20*time.Millisecond))
	require.False(t, s.Schedule("a", 20*time.Millisecond), "second schedule is a no-op")
	require.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(rec.deleted()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, rec.deleted())
	require.Zero(t, s.Pending())
}

func TestDeletionScheduler_Cancel(t *testing.T) {
	rec := &deleteRecorder{}
	s := newDeletionScheduler(rec.del, noopLogger{})
	defer s.Stop()

	require.True(t, s.Schedule("a", 50*time.Millisecond))
	require.True(t, s.Cancel("a"))
	require.False(t, s.Cancel("a"))
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.deleted())
}

func TestDeletionScheduler_StopDropsPending(t *testing.T) {
	rec := &deleteRecorder{}
	s := newDeletionScheduler(rec.del, noopLogger{})
	require.True(t, s.Schedule("a", 50*time.Millisecond))
	s.Stop()
	require.False(t, s.Schedule("b", time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.deleted())
}
