package runtime

import (
	"context"
	"sync"
	"time"

	ikeys "github.com/UniQw/docqw/internal/keys"
	"github.com/UniQw/docqw/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	Queue       string
	Concurrency int
	// VisibilityTTL is how long a started job may go without a heartbeat
	// before it is considered lost and failed.
	VisibilityTTL time.Duration
	// Retention is how long finished jobs are kept before the cleaner purges them.
	// Zero disables the cleaner.
	Retention time.Duration
	// UpdatesChannel is the pub/sub channel job ids are announced on after
	// every state change.
	UpdatesChannel string
	Logger         Logger
}

// Executor runs a dequeued job. progress may be called any number of times
// with encoded counters while the job runs.
type Executor func(ctx context.Context, rec *worker.Record, progress func(meta []byte)) worker.Completion

// PurgeFunc is called with every finished record the runtime removes, so the
// owner can drop the result payload.
type PurgeFunc func(ctx context.Context, rec *worker.Record)

type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	exec    Executor
	k       ikeys.Queue
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger

	onUpdate func(id string)
	onPurge  PurgeFunc

	runMu   sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a new background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	return &Runtime{
		rdb:     rdb,
		cfg:     cfg,
		exec:    exec,
		k:       ikeys.For(cfg.Queue),
		log:     lg,
		running: make(map[string]context.CancelFunc),
	}
}

// OnUpdate registers fn to be called with every id announced on the updates
// channel, by this or any other runtime. Must be called before Start.
func (rt *Runtime) OnUpdate(fn func(id string)) { rt.onUpdate = fn }

// OnPurge registers fn to be called for finished records removed by the
// retention cleaner or Purge. Must be called before Start.
func (rt *Runtime) OnPurge(fn PurgeFunc) { rt.onPurge = fn }

// Keys returns the key set of the runtime's queue.
func (rt *Runtime) Keys() ikeys.Queue { return rt.k }

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queue=%s", rt.cfg.Concurrency, rt.cfg.Queue)

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.workerLoop()
		}()
	}

	// Lost-worker expirer: fail started jobs whose heartbeat stopped
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(rt.cfg.VisibilityTTL / 4)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < 256; i++ {
					id, err := worker.ExpireOne(rt.ctx, rt.rdb, rt.k, time.Now())
					if err != nil {
						rt.log.Warnf("expirer: script failed queue=%s err=%v", rt.cfg.Queue, err)
						break
					}
					if id == "" {
						break
					}
					rt.log.Warnf("expirer: job lost its worker id=%s queue=%s", id, rt.cfg.Queue)
					rt.announce(id)
				}
			}
		}
	}()

	// Retention cleaner for the finished ZSET
	if rt.cfg.Retention > 0 {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-rt.ctx.Done():
					return
				case <-ticker.C:
					if _, err := rt.Purge(rt.ctx, time.Now().Add(-rt.cfg.Retention)); err != nil {
						rt.log.Warnf("cleaner: purge failed queue=%s err=%v", rt.cfg.Queue, err)
					}
				}
			}
		}()
	}

	if rt.cfg.UpdatesChannel != "" {
		sub := rt.rdb.Subscribe(rt.ctx, rt.cfg.UpdatesChannel)
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			defer func() { _ = sub.Close() }()
			ch := sub.Channel()
			for {
				select {
				case <-rt.ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					rt.handleUpdate(msg.Payload)
				}
			}
		}()
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
// Jobs still executing are cancelled; the expirer of another replica fails
// them once their visibility deadline passes.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// Announce publishes id on the updates channel.
func (rt *Runtime) Announce(ctx context.Context, id string) error {
	if rt.cfg.UpdatesChannel == "" {
		return nil
	}
	return rt.rdb.Publish(ctx, rt.cfg.UpdatesChannel, id).Err()
}

func (rt *Runtime) announce(id string) {
	if err := rt.Announce(rt.ctx, id); err != nil {
		rt.log.Warnf("announce failed: id=%s err=%v", id, err)
	}
}

// Purge removes finished jobs older than cutoff and returns how many were removed.
func (rt *Runtime) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		ids, err := worker.FinishedBefore(ctx, rt.rdb, rt.k, cutoff, 256)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		for _, id := range ids {
			rec, err := worker.Delete(ctx, rt.rdb, rt.k, id)
			if err == worker.ErrNotFound {
				_ = rt.rdb.ZRem(ctx, rt.k.Finished, id).Err()
				continue
			}
			if err != nil {
				return total, err
			}
			total++
			if rt.onPurge != nil {
				rt.onPurge(ctx, rec)
			}
		}
	}
}

// handleUpdate cancels a locally running job once it was revoked elsewhere.
func (rt *Runtime) handleUpdate(id string) {
	rt.runMu.Lock()
	cancel, running := rt.running[id]
	rt.runMu.Unlock()
	if running {
		rec, err := worker.Load(rt.ctx, rt.rdb, rt.k, id)
		if err == worker.ErrNotFound || (err == nil && rec.Status == worker.StatusRevoked) {
			rt.log.Infof("cancelling revoked job id=%s", id)
			cancel()
		}
	}
	if rt.onUpdate != nil {
		rt.onUpdate(id)
	}
}

func (rt *Runtime) workerLoop() {
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		id, err := worker.Dequeue(rt.ctx, rt.rdb, rt.k, rt.cfg.VisibilityTTL)
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Warnf("dequeue failed: queue=%s err=%v", rt.cfg.Queue, err)
			}
			rt.sleep(200 * time.Millisecond)
			continue
		}
		if id == "" {
			rt.sleep(50 * time.Millisecond)
			continue
		}
		rt.process(id)
	}
}

func (rt *Runtime) process(id string) {
	rec, err := worker.Load(rt.ctx, rt.rdb, rt.k, id)
	if err != nil {
		rt.log.Errorf("load failed: id=%s queue=%s err=%v", id, rt.cfg.Queue, err)
		return
	}
	rt.announce(id)

	jobCtx, cancel := context.WithCancel(rt.ctx)
	rt.runMu.Lock()
	rt.running[id] = cancel
	rt.runMu.Unlock()
	defer func() {
		rt.runMu.Lock()
		delete(rt.running, id)
		rt.runMu.Unlock()
		cancel()
	}()

	// heartbeat keeps the visibility deadline ahead of the expirer
	hbDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(rt.cfg.VisibilityTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := worker.Extend(rt.ctx, rt.rdb, rt.k, id, rt.cfg.VisibilityTTL); err != nil {
					rt.log.Warnf("heartbeat failed: id=%s err=%v", id, err)
				}
			}
		}
	}()

	progress := func(meta []byte) {
		ok, err := worker.Progress(rt.ctx, rt.rdb, rt.k, id, meta)
		if err != nil {
			rt.log.Warnf("progress failed: id=%s err=%v", id, err)
			return
		}
		if ok {
			rt.announce(id)
		}
	}
	c := rt.exec(jobCtx, rec, progress)
	close(hbDone)

	if rt.ctx.Err() != nil {
		// shutting down; leave the job to the expirer
		return
	}
	applied, err := worker.Complete(rt.ctx, rt.rdb, rt.k, id, c)
	switch {
	case err != nil:
		rt.log.Errorf("complete failed: id=%s queue=%s err=%v", id, rt.cfg.Queue, err)
	case !applied:
		rt.log.Infof("completion dropped, job no longer started: id=%s", id)
	default:
		rt.log.Debugf("processed: id=%s status=%s queue=%s", id, c.Status, rt.cfg.Queue)
		rt.announce(id)
	}
}

func (rt *Runtime) sleep(d time.Duration) {
	select {
	case <-rt.ctx.Done():
	case <-time.After(d):
	}
}
