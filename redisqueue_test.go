package docqw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T, rdb *redis.Client, conv *fakeConverter, workers int) *RedisQueueBackend {
	t.Helper()
	return NewRedisQueueBackend(rdb, NewConverterMux(conv), RedisQueueConfig{
		Queue:         "docs",
		Concurrency:   workers,
		VisibilityTTL: 2 * time.Second,
	})
}

func TestRedisQueueBackend_ProducerAndWorkerReplicas(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()

	// the producer replica runs no workers; another replica executes the job
	producer := newRedisQueue(t, rdb, &fakeConverter{}, 0)
	workerRdb := redis.NewClient(&redis.Options{Addr: rdb.Options().Addr})
	defer workerRdb.Close()
	workerReplica := newRedisQueue(t, workerRdb, &fakeConverter{}, 1)

	var mu sync.Mutex
	updates := map[string]int{}
	producer.SetUpdateHook(func(id string) {
		mu.Lock()
		updates[id]++
		mu.Unlock()
	})
	require.NoError(t, producer.Start(ctx))
	defer func() { _ = producer.Stop(ctx) }()

	task := &Task{ID: "a", Type: TaskConvert, Status: StatusPending, Sources: httpSources("a.pdf"), Target: Target{Kind: TargetInBody}, CreatedAt: time.Now()}
	require.NoError(t, producer.Submit(ctx, &Job{Task: task}))
	require.ErrorIs(t, producer.Submit(ctx, &Job{Task: task}), ErrDuplicateTask)

	got, err := producer.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, httpSources("a.pdf"), got.Sources)
	pos, ok, err := producer.QueuePosition(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)

	res, err := producer.Result(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, res, "no result while pending")

	require.NoError(t, workerReplica.Start(ctx))
	defer func() { _ = workerReplica.Stop(ctx) }()

	require.Eventually(t, func() bool {
		got, err := producer.Status(ctx, "a")
		return err == nil && got.Status == StatusSuccess
	}, 3*time.Second, 20*time.Millisecond)

	got, err = producer.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, ProcessingMeta{NumDocs: 1, NumProcessed: 1, NumSucceeded: 1}, got.Meta)
	require.Equal(t, "docqw:results:a", got.ResultKey)
	require.False(t, got.FinishedAt.IsZero())

	res, err = producer.Result(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, ResultExport, res.Kind)
	require.Greater(t, res.ProcessingTime, 0.0)

	byKey, err := producer.ResultByKey(ctx, got.ResultKey)
	require.NoError(t, err)
	require.Equal(t, res, byKey)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates["a"] > 0
	}, 2*time.Second, 20*time.Millisecond, "updates reach replicas that did not execute the job")
}

func TestRedisQueueBackend_RevokeDeleteAndClear(t *testing.T) {
	rdb, s := newMiniClient(t)
	ctx := context.Background()
	b := newRedisQueue(t, rdb, &fakeConverter{}, 0)

	submit := func(id string) {
		task := &Task{ID: id, Type: TaskConvert, Status: StatusPending, Sources: httpSources(id)}
		require.NoError(t, b.Submit(ctx, &Job{Task: task}))
	}
	submit("a")
	submit("b")

	require.NoError(t, b.Revoke(ctx, "a"))
	got, err := b.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, got.Status)
	require.ErrorIs(t, b.Revoke(ctx, "a"), ErrNotRevocable)
	require.ErrorIs(t, b.Revoke(ctx, "zzz"), ErrTaskNotFound)

	pos, ok, err := b.QueuePosition(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)

	// finished jobs older than the cutoff are purged
	require.NoError(t, b.ClearResults(ctx, time.Hour))
	_, err = b.Status(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, b.ClearResults(ctx, -time.Second))
	_, err = b.Status(ctx, "a")
	require.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, b.Delete(ctx, "b"))
	_, err = b.Status(ctx, "b")
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.False(t, s.Exists("docqw:{docs}:job:b"))
	require.NoError(t, b.Delete(ctx, "b"), "deleting twice is fine")
}

func TestRedisQueueBackend_ConverterErrorIsFailure(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	b := newRedisQueue(t, rdb, &fakeConverter{fail: map[string]bool{"a": true}}, 1)
	require.NoError(t, b.Start(ctx))
	defer func() { _ = b.Stop(ctx) }()

	task := &Task{ID: "a", Type: TaskConvert, Status: StatusPending, Sources: httpSources("a")}
	require.NoError(t, b.Submit(ctx, &Job{Task: task}))

	require.Eventually(t, func() bool {
		got, err := b.Status(ctx, "a")
		return err == nil && got.Status == StatusFailure
	}, 3*time.Second, 20*time.Millisecond)
	got, _ := b.Status(ctx, "a")
	require.Equal(t, "cannot parse", got.Error)
	require.Equal(t, 1, got.Meta.NumFailed)
}
