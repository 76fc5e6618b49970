package docqw

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// reconciler wraps a Backend and answers status and result queries from the
// freshest tier that can be verified: backend first, then the shared cache,
// then this replica's registry. Every other Backend method passes through.
type reconciler struct {
	Backend

	registry *Registry
	cache    Cache
	log      Logger
	metrics  *Metrics

	sf            singleflight.Group
	lookupTimeout time.Duration
	writes        sync.WaitGroup
	writeTimeout  time.Duration
}

func newReconciler(inner Backend, registry *Registry, cache Cache, log Logger, m *Metrics) *reconciler {
	if cache == nil {
		cache = noopCache{}
	}
	return &reconciler{
		Backend:       inner,
		registry:      registry,
		cache:         cache,
		log:           log,
		metrics:       m,
		lookupTimeout: 10 * time.Second,
		writeTimeout:  5 * time.Second,
	}
}

// Status resolves the current state of id.
//
// A non-terminal cache entry is re-checked against the backend before it is
// returned; a terminal one is returned as is, since terminal states never change.
func (r *reconciler) Status(ctx context.Context, id string) (*Task, error) {
	if t, ok := r.verify(ctx, id); ok {
		r.metrics.source("backend")
		return t, nil
	}

	cached, err := r.cache.Get(ctx, id)
	if err != nil {
		r.log.Warnf("cache read failed: id=%s err=%v", id, err)
	}
	if cached != nil {
		if !cached.Status.IsTerminal() {
			if t, ok := r.verify(ctx, id); ok {
				r.metrics.source("backend")
				return t, nil
			}
		}
		// nil when the task was deleted while the entry was being read
		if t := r.merge(cached); t != nil {
			r.metrics.source("cache")
			return t, nil
		}
		return nil, ErrTaskNotFound
	}

	if t := r.registry.Get(id); t != nil {
		r.metrics.source("registry")
		return t, nil
	}
	return nil, ErrTaskNotFound
}

// verify asks the backend for id. A known answer is merged into the registry,
// together with a further advanced cache entry, and written to the cache in
// the background when it changed.
func (r *reconciler) verify(ctx context.Context, id string) (*Task, bool) {
	t, err := r.fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			r.log.Warnf("backend status failed: id=%s err=%v", id, err)
		}
		return nil, false
	}
	prev := r.registry.Get(id)
	if !t.IsCompleted() {
		// a progress report may have landed on another replica
		if cached, err := r.cache.Get(ctx, id); err == nil && cached != nil {
			r.merge(cached)
		}
	}
	merged := r.merge(t)
	if merged == nil {
		return nil, false
	}
	// unchanged states are not rewritten, so a replica with an older view
	// does not overwrite a newer cache entry on every poll
	if prev == nil || prev.Status != merged.Status || prev.Meta != merged.Meta || prev.ResultKey != merged.ResultKey {
		r.persist(id)
	}
	return merged, true
}

// fetch collapses concurrent backend lookups of one id into a single call.
// The shared call is detached from ctx and bounded by lookupTimeout, so one
// caller going away does not fail it for the others.
func (r *reconciler) fetch(ctx context.Context, id string) (*Task, error) {
	ch := r.sf.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return r.Backend.Status(lctx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Task).Clone(), nil
	}
}

// merge folds t into the registry. It returns nil for a deleted task.
func (r *reconciler) merge(t *Task) *Task {
	wasTerminal := false
	if prev := r.registry.Get(t.ID); prev != nil {
		wasTerminal = prev.IsCompleted()
	}
	merged := r.registry.Merge(t)
	if merged == nil {
		return nil
	}
	if merged.IsCompleted() && !wasTerminal {
		r.metrics.completed(merged)
	}
	return merged
}

// persist writes the registry's current state of id to the cache without
// blocking the caller. Failures are logged.
func (r *reconciler) persist(id string) {
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		if err := r.write(ctx, id); err != nil {
			r.log.Warnf("cache write failed: id=%s err=%v", id, err)
		}
	}()
}

// write stores the registry's current state of id in the cache. A task
// deleted meanwhile is removed again, so a late write cannot resurrect it.
func (r *reconciler) write(ctx context.Context, id string) error {
	t := r.registry.Get(id)
	if t == nil {
		return nil
	}
	if err := r.cache.Put(ctx, t); err != nil {
		return err
	}
	if t.ResultKey != "" {
		if err := r.cache.PutResultKey(ctx, id, t.ResultKey); err != nil {
			return err
		}
	}
	if !r.registry.Has(id) {
		return r.cache.Delete(ctx, id)
	}
	return nil
}

// Result returns the stored result of id, following the cache's result
// pointer when the backend has no record of its own.
func (r *reconciler) Result(ctx context.Context, id string) (*TaskResult, error) {
	res, err := r.Backend.Result(ctx, id)
	if err == nil && res != nil {
		return res, nil
	}
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		r.log.Warnf("backend result failed: id=%s err=%v", id, err)
	}

	key, kerr := r.cache.ResultKey(ctx, id)
	if kerr != nil {
		r.log.Warnf("cache result key read failed: id=%s err=%v", id, kerr)
	}
	if key == "" {
		if t := r.registry.Get(id); t != nil {
			key = t.ResultKey
		}
	}
	if key == "" {
		return nil, nil
	}
	res, err = r.Backend.ResultByKey(ctx, key)
	if err != nil {
		r.log.Warnf("backend result by key failed: id=%s key=%s err=%v", id, key, err)
		return nil, nil
	}
	return res, nil
}

// Delete removes id from the backend, the registry and the cache.
func (r *reconciler) Delete(ctx context.Context, id string) error {
	var errs []error
	if err := r.Backend.Delete(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
		errs = append(errs, err)
	}
	r.registry.Delete(id)
	if err := r.cache.Delete(ctx, id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// drain waits for background cache writes or for ctx.
func (r *reconciler) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
