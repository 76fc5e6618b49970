package docqw

import (
	"sync"
	"time"
)

// tombstoneTTL is how long a deleted id is refused by Merge. It only has to
// outlive status lookups that were in flight when the task was deleted.
const tombstoneTTL = time.Minute

// Registry is the in-process map of task id to the latest task state this
// replica has observed. It is the fastest tier but is never shared.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	deleted map[string]time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task), deleted: make(map[string]time.Time)}
}

// Get returns a copy of the task, or nil if unknown.
func (r *Registry) Get(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id].Clone()
}

// Has reports whether the registry knows id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[id]
	return ok
}

// Deleted reports whether id was deleted within the last tombstoneTTL.
func (r *Registry) Deleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tombstoned(id, time.Now())
}

func (r *Registry) tombstoned(id string, now time.Time) bool {
	until, ok := r.deleted[id]
	return ok && now.Before(until)
}

// Put stores t as a new task, replacing any state and tombstone of its id.
func (r *Registry) Put(t *Task) {
	r.mu.Lock()
	delete(r.deleted, t.ID)
	r.tasks[t.ID] = t.Clone()
	r.mu.Unlock()
}

// Merge folds an observation into the registry and returns the resulting
// state. The stored status never moves backwards: an observation whose status
// cannot be reached from the stored one only contributes fields the registry
// did not have yet. Observations of a recently deleted id are dropped and
// Merge returns nil.
func (r *Registry) Merge(obs *Task) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tombstoned(obs.ID, time.Now()) {
		return nil
	}
	cur, ok := r.tasks[obs.ID]
	if !ok {
		c := obs.Clone()
		r.tasks[obs.ID] = c
		return c.Clone()
	}
	merged := mergeTask(cur, obs)
	r.tasks[obs.ID] = merged
	return merged.Clone()
}

// Delete removes id and refuses observations of it for tombstoneTTL.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	r.bury(id, time.Now())
	r.mu.Unlock()
}

// forget removes id without a tombstone.
func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// bury drops id, tombstones it and sweeps expired tombstones. Callers hold mu.
func (r *Registry) bury(id string, now time.Time) {
	delete(r.tasks, id)
	for k, until := range r.deleted {
		if !now.Before(until) {
			delete(r.deleted, k)
		}
	}
	r.deleted[id] = now.Add(tombstoneTTL)
}

// IDs returns the ids of all tasks whose status is one of statuses, or all
// ids when none are given.
func (r *Registry) IDs(statuses ...TaskStatus) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for id, t := range r.tasks {
		if len(statuses) == 0 {
			out = append(out, id)
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// PurgeFinished removes terminal tasks that finished before cutoff and returns their ids.
func (r *Registry) PurgeFinished(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []string
	for id, t := range r.tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if t.FinishedAt.IsZero() || t.FinishedAt.Before(cutoff) {
			r.bury(id, now)
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of tasks in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func mergeTask(cur, obs *Task) *Task {
	out := cur.Clone()
	advance := obs.Status != "" && obs.Status != cur.Status && CanTransition(cur.Status, obs.Status)
	if advance {
		out.Status = obs.Status
		out.Meta = obs.Meta
		if obs.Error != "" {
			out.Error = obs.Error
		}
	} else if obs.Status == cur.Status && obs.Meta.NumProcessed >= cur.Meta.NumProcessed {
		// counters only grow within one status
		out.Meta = obs.Meta
		if obs.Error != "" {
			out.Error = obs.Error
		}
	}
	if out.Type == "" {
		out.Type = obs.Type
	}
	if len(out.Sources) == 0 && len(obs.Sources) > 0 {
		out.Sources = append([]Source(nil), obs.Sources...)
	}
	if out.Target.Kind == "" {
		out.Target = obs.Target
	}
	if out.ResultKey == "" {
		out.ResultKey = obs.ResultKey
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = obs.CreatedAt
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = obs.StartedAt
	}
	if out.FinishedAt.IsZero() && out.Status.IsTerminal() {
		out.FinishedAt = obs.FinishedAt
	}
	return out
}
