package docqw

import (
	"context"
	"sync"
	"time"
)

// deletionScheduler runs delayed task deletions. Each deletion keeps its
// timer so it can be cancelled when the task goes away by other means.
type deletionScheduler struct {
	del     func(ctx context.Context, id string) error
	log     Logger
	timeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func newDeletionScheduler(del func(ctx context.Context, id string) error, log Logger) *deletionScheduler {
	return &deletionScheduler{
		del:     del,
		log:     log,
		timeout: 10 * time.Second,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule deletes id after delay. It reports false if a deletion of id is
// already scheduled or the scheduler is stopped.
func (s *deletionScheduler) Schedule(id string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.timers[id]; ok {
		return false
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	return true
}

func (s *deletionScheduler) fire(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.del(ctx, id); err != nil {
		s.log.Warnf("deferred delete failed: id=%s err=%v", id, err)
		return
	}
	s.log.Debugf("deferred delete done: id=%s", id)
}

// Cancel drops a scheduled deletion of id. It reports whether one was pending.
func (s *deletionScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return t.Stop()
}

// Pending returns the number of scheduled deletions.
func (s *deletionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all scheduled deletions and waits for running ones.
func (s *deletionScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
