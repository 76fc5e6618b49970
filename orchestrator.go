package docqw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds the orchestrator's tunables. Zero values select the defaults.
type Config struct {
	// SingleUseResults deletes a task ResultRemovalDelay after its result
	// was first retrieved.
	SingleUseResults   bool
	ResultRemovalDelay time.Duration
	// PollInterval is how often TaskStatus re-checks while waiting.
	PollInterval time.Duration
	// SyncPollInterval and MaxSyncWait drive WaitTask.
	SyncPollInterval time.Duration
	MaxSyncWait      time.Duration
	// QueueSweepInterval is how often pending tasks' subscribers are sent
	// fresh queue positions.
	QueueSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResultRemovalDelay <= 0 {
		c.ResultRemovalDelay = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SyncPollInterval <= 0 {
		c.SyncPollInterval = 2 * time.Second
	}
	if c.MaxSyncWait <= 0 {
		c.MaxSyncWait = 120 * time.Second
	}
	if c.QueueSweepInterval <= 0 {
		c.QueueSweepInterval = 2 * time.Second
	}
	return c
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l Logger) OrchestratorOption { return func(o *Orchestrator) { o.log = l } }

// WithCache sets the shared cache. Without one, status is only as good as
// this replica's backend and registry.
func WithCache(c Cache) OrchestratorOption { return func(o *Orchestrator) { o.cache = c } }

// WithMetrics records orchestrator metrics.
func WithMetrics(m *Metrics) OrchestratorOption { return func(o *Orchestrator) { o.metrics = m } }

// Orchestrator accepts tasks, hands them to a Backend and answers status and
// result queries consistently across replicas sharing a broker and a cache.
type Orchestrator struct {
	cfg      Config
	inner    Backend
	be       *reconciler
	registry *Registry
	cache    Cache
	notifier *Notifier
	sched    *deletionScheduler
	log      Logger
	metrics  *Metrics

	dmu    sync.Mutex
	dirty  map[string]struct{}
	signal chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator on backend. The backend's update hook is taken
// over by the orchestrator.
func New(backend Backend, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		inner:    backend,
		registry: NewRegistry(),
		log:      noopLogger{},
		dirty:    make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = noopCache{}
	}
	o.be = newReconciler(backend, o.registry, o.cache, o.log, o.metrics)
	o.sched = newDeletionScheduler(o.deleteTask, o.log)
	backend.SetUpdateHook(o.markDirty)
	return o
}

// BindNotifier attaches n; it reads statuses through o from then on.
func (o *Orchestrator) BindNotifier(n *Notifier) {
	n.src = o
	o.notifier = n
}

// Registry exposes the replica-local task registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Engine returns the kind of the wrapped backend.
func (o *Orchestrator) Engine() EngineKind { return o.inner.Kind() }

// Start starts the backend and the update loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		o.log.Warnf("orchestrator already started; ignoring Start()")
		return nil
	}
	if err := o.inner.Start(ctx); err != nil {
		return fmt.Errorf("start %s backend: %w", o.inner.Kind(), err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.started = true
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(loopCtx)
	}()
	o.log.Infof("orchestrator started: engine=%s", o.inner.Kind())
	return nil
}

// Stop cancels the update loop and waits for it, stops the backend, drops
// scheduled deletions and waits for in-flight cache writes.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()
	o.log.Infof("orchestrator stopping")

	o.cancel()
	o.wg.Wait()
	err := o.inner.Stop(ctx)
	o.sched.Stop()
	return errors.Join(err, o.be.drain(ctx))
}

func (o *Orchestrator) markDirty(id string) {
	o.dmu.Lock()
	o.dirty[id] = struct{}{}
	o.dmu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) takeDirty() []string {
	o.dmu.Lock()
	defer o.dmu.Unlock()
	ids := make([]string, 0, len(o.dirty))
	for id := range o.dirty {
		ids = append(ids, id)
	}
	clear(o.dirty)
	return ids
}

// loop drains backend updates and periodically refreshes queue positions.
func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.QueueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.signal:
			for _, id := range o.takeDirty() {
				o.handleUpdate(ctx, id)
			}
		case <-ticker.C:
			if o.notifier != nil {
				o.notifier.NotifyQueuePositions(ctx)
			}
			o.metrics.registrySize(o.registry)
		}
	}
}

func (o *Orchestrator) handleUpdate(ctx context.Context, id string) {
	if o.notifier != nil && o.notifier.HasSubscribers(id) {
		if err := o.notifier.NotifyTaskSubscribers(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
			o.log.Warnf("notify failed: id=%s err=%v", id, err)
		}
		return
	}
	// refresh our own tasks so the cache learns about the transition
	if !o.registry.Has(id) {
		return
	}
	t, err := o.be.Status(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			o.log.Warnf("status refresh failed: id=%s err=%v", id, err)
		}
		return
	}
	if t.IsCompleted() && o.notifier != nil {
		// nobody subscribed while it ran
		o.notifier.dropIdle(id)
	}
}

// Enqueue creates a PENDING task for sources and submits it to the backend.
// It does not wait for the task to run.
func (o *Orchestrator) Enqueue(ctx context.Context, taskType TaskType, sources []Source, opts ...Option) (*Task, error) {
	if _, err := ParseTaskType(string(taskType)); err != nil {
		return nil, err
	}
	var op options
	for _, fn := range opts {
		fn(&op)
	}
	if op.target.Kind == "" {
		op.target.Kind = TargetInBody
	}
	if err := o.validateRequest(sources, op.target); err != nil {
		return nil, err
	}

	id := op.id
	if id == "" {
		id = uuid.NewString()
	} else if o.registry.Has(id) {
		return nil, ErrDuplicateTask
	} else if cached, err := o.cache.Get(ctx, id); err == nil && cached != nil {
		return nil, ErrDuplicateTask
	}

	task := &Task{
		ID:        id,
		Type:      taskType,
		Status:    StatusPending,
		Meta:      ProcessingMeta{NumDocs: len(sources)},
		Sources:   append([]Source(nil), sources...),
		Target:    op.target,
		CreatedAt: time.Now(),
	}
	job := &Job{
		Task:                  task.Clone(),
		ConvertOptions:        op.convertOptions,
		ChunkingOptions:       op.chunkingOptions,
		ChunkingExportOptions: op.chunkingExport,
	}

	o.registry.Put(task)
	if o.notifier != nil {
		// before Submit, so a task finishing right away finds its set
		o.notifier.AddTask(id)
	}
	if err := o.inner.Submit(ctx, job); err != nil {
		// the id may belong to a live task elsewhere: no tombstone, and
		// subscribers of that task stay attached
		o.registry.forget(id)
		if o.notifier != nil {
			o.notifier.dropIdle(id)
		}
		if errors.Is(err, ErrDuplicateTask) {
			return nil, err
		}
		return nil, fmt.Errorf("submit task %s: %w", id, err)
	}
	if err := o.be.write(ctx, id); err != nil {
		o.log.Warnf("cache write failed: id=%s err=%v", id, err)
	}
	o.metrics.enqueued(taskType, o.inner.Kind())
	o.log.Debugf("enqueued: id=%s type=%s sources=%d engine=%s", id, taskType, len(sources), o.inner.Kind())
	return task, nil
}

func (o *Orchestrator) validateRequest(sources []Source, target Target) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources", ErrInvalidRequest)
	}
	switch target.Kind {
	case TargetInBody, TargetZip, TargetS3, TargetPut:
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidRequest, target.Kind)
	}
	s3Sources := 0
	for i, s := range sources {
		switch s.Kind {
		case SourceHTTP:
			if s.URL == "" {
				return fmt.Errorf("%w: source %d has no url", ErrInvalidRequest, i)
			}
		case SourceFile:
			if s.Base64String == "" || s.Filename == "" {
				return fmt.Errorf("%w: source %d needs filename and content", ErrInvalidRequest, i)
			}
		case SourceS3:
			s3Sources++
		default:
			return fmt.Errorf("%w: unknown source kind %q", ErrInvalidRequest, s.Kind)
		}
	}
	if s3Sources > 0 {
		if o.inner.Kind() != EngineRemote {
			return fmt.Errorf("%w: s3 sources need the %s engine", ErrInvalidRequest, EngineRemote)
		}
		if target.Kind != TargetS3 {
			return fmt.Errorf("%w: s3 sources need an s3 target", ErrInvalidRequest)
		}
	}
	if target.Kind == TargetS3 && s3Sources != len(sources) {
		return fmt.Errorf("%w: an s3 target needs s3 sources", ErrInvalidRequest)
	}
	return nil
}

// TaskStatus returns the best known state of id. With wait > 0 it keeps
// re-checking every PollInterval until the status changes, the task finishes
// or wait elapses.
func (o *Orchestrator) TaskStatus(ctx context.Context, id string, wait time.Duration) (*Task, error) {
	t, err := o.be.Status(ctx, id)
	if err != nil || wait <= 0 || t.IsCompleted() {
		return t, err
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return t, nil
		case <-ticker.C:
		}
		next, err := o.be.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if next.Status != t.Status || next.IsCompleted() {
			return next, nil
		}
		t = next
	}
	return t, nil
}

// QueuePosition returns the 1-based rank of id among pending tasks; ok is
// false when the task is not pending.
func (o *Orchestrator) QueuePosition(ctx context.Context, id string) (int, bool, error) {
	t, err := o.be.Status(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if t.Status != StatusPending {
		return 0, false, nil
	}
	return o.be.QueuePosition(ctx, id)
}

// TaskResult returns the result of a finished conversion. A FAILURE task
// whose documents were all rejected has one too, carrying every per-document
// error; a task that is still running, was revoked or whose converter
// errored has none and nil is returned. With SingleUseResults the task is
// deleted a while after the first retrieval.
func (o *Orchestrator) TaskResult(ctx context.Context, id string) (*TaskResult, error) {
	t, err := o.be.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusSuccess && t.Status != StatusFailure {
		return nil, nil
	}
	res, err := o.be.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil && o.inner.Kind() == EngineRemote {
		// documents went to the target; the tally is all there is
		res = remoteResult(t)
	}
	if res == nil {
		return nil, nil
	}
	if o.cfg.SingleUseResults && o.sched.Schedule(id, o.cfg.ResultRemovalDelay) {
		o.log.Debugf("result delivered, deletion scheduled: id=%s delay=%s", id, o.cfg.ResultRemovalDelay)
	}
	return res, nil
}

// DeleteTask removes id from every tier, cancels a scheduled deletion and
// closes its subscribers.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string) error {
	o.sched.Cancel(id)
	return o.deleteTask(ctx, id)
}

func (o *Orchestrator) deleteTask(ctx context.Context, id string) error {
	err := o.be.Delete(ctx, id)
	if o.notifier != nil {
		o.notifier.RemoveTask(id)
	}
	return err
}

// RevokeTask cancels a PENDING or STARTED task.
func (o *Orchestrator) RevokeTask(ctx context.Context, id string) error {
	t, err := o.be.Status(ctx, id)
	if err != nil {
		return err
	}
	if t.IsCompleted() {
		return ErrNotRevocable
	}
	if err := o.be.Revoke(ctx, id); err != nil {
		return err
	}
	o.markDirty(id)
	return nil
}

// ClearConverters drops the converter's cached instances.
func (o *Orchestrator) ClearConverters(ctx context.Context) error {
	return o.be.ClearConverters(ctx)
}

// ClearResults removes finished tasks older than olderThan from the backend,
// the registry and the cache.
func (o *Orchestrator) ClearResults(ctx context.Context, olderThan time.Duration) error {
	if err := o.be.ClearResults(ctx, olderThan); err != nil {
		return err
	}
	ids := o.registry.PurgeFinished(time.Now().Add(-olderThan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		o.sched.Cancel(id)
		if o.notifier != nil {
			o.notifier.RemoveTask(id)
		}
		g.Go(func() error { return o.cache.Delete(gctx, id) })
	}
	if err := g.Wait(); err != nil {
		o.log.Warnf("clear results: cache delete failed: %v", err)
	}
	o.metrics.registrySize(o.registry)
	o.log.Infof("cleared results older than %s: tasks=%d remaining=%d", olderThan, len(ids), o.registry.Len())
	return nil
}

// WarmUpCaches loads the converter ahead of the first request. Failures are
// logged, never returned.
func (o *Orchestrator) WarmUpCaches(ctx context.Context) {
	if err := o.be.WarmUp(ctx); err != nil {
		o.log.Warnf("warm up failed: %v", err)
		return
	}
	o.log.Infof("converter warm up done")
}
