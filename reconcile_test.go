package docqw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*reconciler, *stubBackend, *RedisCache) {
	t.Helper()
	rdb, _ := newMiniClient(t)
	be := newStubBackend()
	cache := NewRedisCache(rdb)
	r := newReconciler(be, NewRegistry(), cache, noopLogger{}, nil)
	t.Cleanup(func() { _ = r.drain(context.Background()) })
	return r, be, cache
}

func TestReconciler_BackendWinsOverStaleCache(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Task{ID: "a", Type: TaskConvert, Status: StatusPending}))
	be.set(&Task{ID: "a", Type: TaskConvert, Status: StatusSuccess, Meta: ProcessingMeta{NumDocs: 1, NumProcessed: 1, NumSucceeded: 1}})

	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)

	// the backend answer is written back to the cache in the background
	require.NoError(t, r.drain(ctx))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, cached.Status)
}

func TestReconciler_TerminalCacheTrustedWhenBackendDown(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Task{ID: "a", Type: TaskConvert, Status: StatusSuccess}))
	be.statusErr = errors.New("broker unreachable")

	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)
	require.Equal(t, 1, be.statusCalls(), "terminal cache entries are not re-verified")
}

func TestReconciler_NonTerminalCacheIsReverified(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, &Task{ID: "a", Type: TaskConvert, Status: StatusStarted}))
	be.statusErr = errors.New("broker timeout")

	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusStarted, got.Status)
	require.Equal(t, 2, be.statusCalls())
}

func TestReconciler_RegistryIsLastResort(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.Status(ctx, "never")
	require.ErrorIs(t, err, ErrTaskNotFound)

	r.registry.Merge(&Task{ID: "own", Type: TaskChunk, Status: StatusPending})
	got, err := r.Status(ctx, "own")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestReconciler_MissingCountersDefaultToZero(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()
	rdb := r.cache.(*RedisCache).rdb
	require.NoError(t, rdb.Set(ctx, "docqw:tasks:a:metadata", `{"task_id":"a","task_type":"convert","task_status":"failure"}`, 0).Err())

	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusFailure, got.Status)
	require.Equal(t, ProcessingMeta{}, got.Meta)
}

func TestReconciler_NeverRevertsForOneCaller(t *testing.T) {
	r, be, _ := newTestReconciler(t)
	ctx := context.Background()

	be.set(&Task{ID: "a", Status: StatusSuccess})
	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)

	// a lagging backend replica answers with an older state
	be.set(&Task{ID: "a", Status: StatusStarted})
	for i := 0; i < 5; i++ {
		got, err = r.Status(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, got.Status)
	}
}

func TestReconciler_ConcurrentPollersConverge(t *testing.T) {
	r, be, _ := newTestReconciler(t)
	ctx := context.Background()
	be.set(&Task{ID: "a", Status: StatusStarted})

	var wg sync.WaitGroup
	results := make([]TaskStatus, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				got, err := r.Status(ctx, "a")
				if err != nil {
					return
				}
				if got.IsCompleted() {
					results[i] = got.Status
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	be.set(&Task{ID: "a", Status: StatusFailure})
	wg.Wait()
	require.Equal(t, []TaskStatus{StatusFailure, StatusFailure}, results)
}

func TestReconciler_ResultKeyIndirection(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	want := &TaskResult{Kind: ResultExport, Status: StatusSuccess, ProcessingTime: 1}
	be.mu.Lock()
	be.results["docqw:results:a"] = want
	be.mu.Unlock()

	res, err := r.Result(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, res, "no pointer yet")

	require.NoError(t, cache.PutResultKey(ctx, "a", "docqw:results:a"))
	res, err = r.Result(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, want, res)
}

func TestReconciler_DeleteRemovesEveryTier(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	be.set(&Task{ID: "a", Status: StatusSuccess, ResultKey: "k"})
	_, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, r.drain(ctx))

	require.NoError(t, r.Delete(ctx, "a"))
	require.NoError(t, r.drain(ctx))
	require.False(t, r.registry.Has("a"))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, cached)
	key, _ := cache.ResultKey(ctx, "a")
	require.Empty(t, key)

	_, err = r.Status(ctx, "a")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReconciler_LateWriteDoesNotResurrect(t *testing.T) {
	r, _, cache := newTestReconciler(t)
	ctx := context.Background()
	r.registry.Merge(&Task{ID: "a", Status: StatusStarted})
	r.registry.Delete("a")

	require.NoError(t, r.write(ctx, "a"))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestReconciler_AdvancedCacheBeatsLaggingBackend(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()

	// another replica received the pipeline's final report
	be.set(&Task{ID: "a", Status: StatusPending, Meta: ProcessingMeta{NumDocs: 2}})
	require.NoError(t, cache.Put(ctx, &Task{ID: "a", Status: StatusSuccess, Meta: ProcessingMeta{NumDocs: 2, NumProcessed: 2, NumSucceeded: 2}}))

	got, err := r.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, got.Status)

	require.NoError(t, r.drain(ctx))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, cached.Status)
}

// deletingBackend runs del right after its first status answer, before the
// reconciler has merged that answer.
type deletingBackend struct {
	*stubBackend
	once sync.Once
	del  func()
}

func (d *deletingBackend) Status(ctx context.Context, id string) (*Task, error) {
	t, err := d.stubBackend.Status(ctx, id)
	d.once.Do(d.del)
	return t, err
}

func TestReconciler_DeleteDuringLookupStaysDeleted(t *testing.T) {
	rdb, _ := newMiniClient(t)
	cache := NewRedisCache(rdb)
	stub := newStubBackend()
	stub.set(&Task{ID: "a", Type: TaskConvert, Status: StatusSuccess, ResultKey: "k"})
	be := &deletingBackend{stubBackend: stub}
	r := newReconciler(be, NewRegistry(), cache, noopLogger{}, nil)
	ctx := context.Background()
	be.del = func() { require.NoError(t, r.Delete(ctx, "a")) }

	_, err := r.Status(ctx, "a")
	require.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, r.drain(ctx))
	require.False(t, r.registry.Has("a"))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, cached)

	_, err = r.Status(ctx, "a")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReconciler_CacheReadRacingDeleteStaysDeleted(t *testing.T) {
	r, be, cache := newTestReconciler(t)
	ctx := context.Background()
	be.statusErr = errors.New("broker unreachable")

	// the entry was read just before another caller deleted the task
	stale := &Task{ID: "a", Type: TaskConvert, Status: StatusSuccess}
	require.NoError(t, r.Delete(ctx, "a"))
	require.Nil(t, r.merge(stale))

	r.persist("a")
	require.NoError(t, r.drain(ctx))
	cached, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, cached)
}

// blockingBackend holds its first status lookup until release is closed and
// records whether that lookup's context had been cancelled by then.
type blockingBackend struct {
	*stubBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	seenErr error
}

func (b *blockingBackend) Status(ctx context.Context, id string) (*Task, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
		b.mu.Lock()
		b.seenErr = ctx.Err()
		b.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return b.stubBackend.Status(ctx, id)
}

func TestReconciler_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	rdb, _ := newMiniClient(t)
	stub := newStubBackend()
	stub.set(&Task{ID: "a", Type: TaskConvert, Status: StatusSuccess})
	be := &blockingBackend{stubBackend: stub, entered: make(chan struct{}), release: make(chan struct{})}
	r := newReconciler(be, NewRegistry(), NewRedisCache(rdb), noopLogger{}, nil)
	t.Cleanup(func() { _ = r.drain(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.fetch(ctx, "a")
		first <- err
	}()
	<-be.entered
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	second := make(chan *Task, 1)
	go func() {
		got, err := r.fetch(context.Background(), "a")
		if err != nil {
			got = nil
		}
		second <- got
	}()
	close(be.release)

	got := <-second
	require.NotNil(t, got)
	require.Equal(t, StatusSuccess, got.Status)
	be.mu.Lock()
	defer be.mu.Unlock()
	require.NoError(t, be.seenErr)
}
