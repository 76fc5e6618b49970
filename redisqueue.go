package docqw

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/docqw/internal/keys"
	"github.com/UniQw/docqw/internal/runtime"
	"github.com/UniQw/docqw/internal/worker"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures a RedisQueueBackend.
type RedisQueueConfig struct {
	// Queue is the broker queue name. Defaults to "default".
	Queue string
	// Concurrency is the number of workers this replica runs. Zero makes the
	// replica a pure producer.
	Concurrency int
	// VisibilityTTL bounds how long a started job survives a dead worker.
	VisibilityTTL time.Duration
	// Retention is how long finished jobs and their results are kept.
	Retention time.Duration
	// UpdatesChannel is the pub/sub channel state changes are announced on.
	UpdatesChannel string
	// Results stores result payloads. Defaults to a RedisResultStore on the same client.
	Results ResultStore
	Encoder Encoder
	Logger  Logger
}

// RedisQueueBackend runs jobs through a Redis broker. Any replica's workers
// may execute a job, so status is always read from the broker.
type RedisQueueBackend struct {
	rdb     redis.UniversalClient
	k       keys.Queue
	rt      *runtime.Runtime
	mux     *Mux
	results ResultStore
	enc     Encoder
	log     Logger
}

// NewRedisQueueBackend creates a broker-backed backend executing jobs through mux.
func NewRedisQueueBackend(rdb redis.UniversalClient, mux *Mux, cfg RedisQueueConfig) *RedisQueueBackend {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.UpdatesChannel == "" {
		cfg.UpdatesChannel = keys.DefaultUpdatesChannel
	}
	if cfg.Encoder == nil {
		cfg.Encoder = &JSONEncoder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Results == nil {
		cfg.Results = NewRedisResultStore(rdb, "", 0)
	}
	b := &RedisQueueBackend{
		rdb:     rdb,
		k:       keys.For(cfg.Queue),
		mux:     mux,
		results: cfg.Results,
		enc:     cfg.Encoder,
		log:     cfg.Logger,
	}
	b.rt = runtime.New(rdb, runtime.Config{
		Queue:          cfg.Queue,
		Concurrency:    cfg.Concurrency,
		VisibilityTTL:  cfg.VisibilityTTL,
		Retention:      cfg.Retention,
		UpdatesChannel: cfg.UpdatesChannel,
		Logger:         cfg.Logger,
	}, b.exec)
	b.rt.OnPurge(b.dropResult)
	return b
}

func (b *RedisQueueBackend) Kind() EngineKind { return EngineRedisQueue }

func (b *RedisQueueBackend) SetUpdateHook(fn func(id string)) {
	b.rt.OnUpdate(fn)
}

func (b *RedisQueueBackend) Start(context.Context) error {
	b.rt.Start()
	return nil
}

func (b *RedisQueueBackend) Stop(context.Context) error {
	b.rt.Stop()
	return nil
}

func (b *RedisQueueBackend) Submit(ctx context.Context, job *Job) error {
	payload, err := b.enc.Encode(job)
	if err != nil {
		return err
	}
	err = worker.Enqueue(ctx, b.rdb, b.k, job.Task.ID, string(job.Task.Type), payload)
	if errors.Is(err, worker.ErrDuplicate) {
		return ErrDuplicateTask
	}
	if err != nil {
		return err
	}
	if err := b.rt.Announce(ctx, job.Task.ID); err != nil {
		b.log.Warnf("announce failed: id=%s err=%v", job.Task.ID, err)
	}
	return nil
}

func (b *RedisQueueBackend) Status(ctx context.Context, id string) (*Task, error) {
	rec, err := worker.Load(ctx, b.rdb, b.k, id)
	if errors.Is(err, worker.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return b.taskFromRecord(rec)
}

func (b *RedisQueueBackend) taskFromRecord(rec *worker.Record) (*Task, error) {
	var job Job
	if len(rec.Payload) > 0 {
		if err := b.enc.Decode(rec.Payload, &job); err != nil {
			return nil, err
		}
	}
	t := &Task{}
	if job.Task != nil {
		t = job.Task.Clone()
	}
	t.ID = rec.ID
	t.Type = TaskType(rec.Type)
	st, err := ParseTaskStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	if len(rec.Meta) > 0 {
		if err := b.enc.Decode(rec.Meta, &t.Meta); err != nil {
			return nil, err
		}
	}
	t.ResultKey = rec.ResultKey
	t.Error = rec.Error
	t.CreatedAt = msTime(rec.CreatedAt)
	t.StartedAt = msTime(rec.StartedAt)
	t.FinishedAt = msTime(rec.FinishedAt)
	return t, nil
}

func (b *RedisQueueBackend) QueuePosition(ctx context.Context, id string) (int, bool, error) {
	return worker.Position(ctx, b.rdb, b.k, id)
}

func (b *RedisQueueBackend) Result(ctx context.Context, id string) (*TaskResult, error) {
	rec, err := worker.Load(ctx, b.rdb, b.k, id)
	if errors.Is(err, worker.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.ResultKey == "" || (rec.Status != worker.StatusSuccess && rec.Status != worker.StatusFailure) {
		return nil, nil
	}
	return b.results.Get(ctx, rec.ResultKey)
}

func (b *RedisQueueBackend) ResultByKey(ctx context.Context, key string) (*TaskResult, error) {
	return b.results.Get(ctx, key)
}

func (b *RedisQueueBackend) Delete(ctx context.Context, id string) error {
	rec, err := worker.Delete(ctx, b.rdb, b.k, id)
	if errors.Is(err, worker.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b.dropResult(ctx, rec)
	// a worker still running the job cancels once it sees the hash is gone
	if err := b.rt.Announce(ctx, id); err != nil {
		b.log.Warnf("announce failed: id=%s err=%v", id, err)
	}
	return nil
}

func (b *RedisQueueBackend) Revoke(ctx context.Context, id string) error {
	_, err := worker.Revoke(ctx, b.rdb, b.k, id)
	switch {
	case errors.Is(err, worker.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, worker.ErrNotRevocable):
		return ErrNotRevocable
	case err != nil:
		return err
	}
	return b.rt.Announce(ctx, id)
}

func (b *RedisQueueBackend) ClearResults(ctx context.Context, olderThan time.Duration) error {
	n, err := b.rt.Purge(ctx, time.Now().Add(-olderThan))
	if n > 0 {
		b.log.Infof("cleared %d finished jobs older than %s", n, olderThan)
	}
	return err
}

func (b *RedisQueueBackend) ClearConverters(ctx context.Context) error { return b.mux.Clear(ctx) }

func (b *RedisQueueBackend) WarmUp(ctx context.Context) error { return b.mux.WarmUp(ctx) }

func (b *RedisQueueBackend) dropResult(ctx context.Context, rec *worker.Record) {
	if rec.ResultKey == "" {
		return
	}
	if err := b.results.Delete(ctx, rec.ResultKey); err != nil {
		b.log.Warnf("result delete failed: id=%s key=%s err=%v", rec.ID, rec.ResultKey, err)
	}
}

// exec runs one dequeued job on this replica.
func (b *RedisQueueBackend) exec(ctx context.Context, rec *worker.Record, progress func([]byte)) worker.Completion {
	var job Job
	if err := b.enc.Decode(rec.Payload, &job); err != nil || job.Task == nil {
		return worker.Completion{Status: worker.StatusFailure, Error: "undecodable job payload"}
	}
	job.Task.ID = rec.ID
	job.Task.Status = StatusStarted

	out := execute(ctx, b.mux, &job, func(m ProcessingMeta) {
		if meta, err := b.enc.Encode(m); err == nil {
			progress(meta)
		}
	})
	c := worker.Completion{Status: string(out.status), Error: out.errMsg}
	if meta, err := b.enc.Encode(out.meta); err == nil {
		c.Meta = meta
	}
	if out.result != nil {
		key, err := b.results.Put(ctx, rec.ID, out.result)
		if err != nil {
			b.log.Errorf("result store failed: id=%s err=%v", rec.ID, err)
			return worker.Completion{Status: worker.StatusFailure, Meta: c.Meta, Error: "result store failed: " + err.Error()}
		}
		c.ResultKey = key
	}
	return c
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
