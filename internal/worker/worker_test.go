package worker

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/docqw/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestWorker_EnqueueRejectsDuplicate(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", []byte(`{}`)))
	require.ErrorIs(t, Enqueue(ctx, rdb, q, "a", "convert", []byte(`{}`)), ErrDuplicate)

	rec, err := Load(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, "convert", rec.Type)
	require.NotZero(t, rec.CreatedAt)
}

func TestWorker_DequeueFIFOAndPosition(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	// empty
	id, err := Dequeue(ctx, rdb, q, time.Minute)
	require.NoError(t, err)
	require.Empty(t, id)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, Enqueue(ctx, rdb, q, id, "convert", nil))
	}
	pos, ok, err := Position(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, pos)
	pos, _, _ = Position(ctx, rdb, q, "c")
	require.Equal(t, 3, pos)

	id, err = Dequeue(ctx, rdb, q, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "a", id)

	rec, err := Load(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, StatusStarted, rec.Status)
	require.NotZero(t, rec.StartedAt)

	_, ok, err = Position(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.False(t, ok)
	pos, _, _ = Position(ctx, rdb, q, "b")
	require.Equal(t, 1, pos)
}

func TestWorker_DequeueSkipsRevoked(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	require.NoError(t, Enqueue(ctx, rdb, q, "b", "convert", nil))
	prev, err := Revoke(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, StatusPending, prev)

	id, err := Dequeue(ctx, rdb, q, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "b", id)
}

func TestWorker_CompleteOnlyWhileStarted(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	c := Completion{Status: StatusSuccess, Meta: []byte(`{"num_docs":1}`), ResultKey: "r:a"}

	// still pending
	ok, err := Complete(ctx, rdb, q, "a", c)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Dequeue(ctx, rdb, q, time.Minute)
	require.NoError(t, err)
	ok, err = Complete(ctx, rdb, q, "a", c)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := Load(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, rec.Status)
	require.Equal(t, "r:a", rec.ResultKey)
	require.NotZero(t, rec.FinishedAt)
	require.Zero(t, rdb.ZCard(ctx, q.Active).Val())
	require.EqualValues(t, 1, rdb.ZCard(ctx, q.Finished).Val())

	// a second completion must not overwrite the terminal status
	ok, err = Complete(ctx, rdb, q, "a", Completion{Status: StatusFailure})
	require.NoError(t, err)
	require.False(t, ok)
	rec, _ = Load(ctx, rdb, q, "a")
	require.Equal(t, StatusSuccess, rec.Status)
}

func TestWorker_RevokeStartedBlocksCompletion(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	_, err := Dequeue(ctx, rdb, q, time.Minute)
	require.NoError(t, err)

	prev, err := Revoke(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, StatusStarted, prev)

	ok, err := Complete(ctx, rdb, q, "a", Completion{Status: StatusSuccess})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Revoke(ctx, rdb, q, "a")
	require.ErrorIs(t, err, ErrNotRevocable)
	_, err = Revoke(ctx, rdb, q, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWorker_ProgressOnlyWhileStarted(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	ok, err := Progress(ctx, rdb, q, "a", []byte(`{"num_docs":2}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _ = Dequeue(ctx, rdb, q, time.Minute)
	ok, err = Progress(ctx, rdb, q, "a", []byte(`{"num_docs":2,"num_processed":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	rec, _ := Load(ctx, rdb, q, "a")
	require.JSONEq(t, `{"num_docs":2,"num_processed":1}`, string(rec.Meta))
}

func TestWorker_ExpireOneFailsLostJobs(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	_, err := Dequeue(ctx, rdb, q, time.Second)
	require.NoError(t, err)

	id, err := ExpireOne(ctx, rdb, q, time.Now())
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, Extend(ctx, rdb, q, "a", -time.Second))
	id, err = ExpireOne(ctx, rdb, q, time.Now())
	require.NoError(t, err)
	require.Equal(t, "a", id)

	rec, _ := Load(ctx, rdb, q, "a")
	require.Equal(t, StatusFailure, rec.Status)
	require.Equal(t, "worker lost", rec.Error)
}

func TestWorker_DeleteAndFinishedBefore(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	q := keys.For("q")

	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
	_, _ = Dequeue(ctx, rdb, q, time.Minute)
	_, err := Complete(ctx, rdb, q, "a", Completion{Status: StatusSuccess, ResultKey: "r:a"})
	require.NoError(t, err)

	ids, err := FinishedBefore(ctx, rdb, q, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
	ids, err = FinishedBefore(ctx, rdb, q, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	rec, err := Delete(ctx, rdb, q, "a")
	require.NoError(t, err)
	require.Equal(t, "r:a", rec.ResultKey)
	_, err = Load(ctx, rdb, q, "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, rdb.SIsMember(ctx, q.Unique, "a").Val())

	// id can be reused after delete
	require.NoError(t, Enqueue(ctx, rdb, q, "a", "convert", nil))
}
