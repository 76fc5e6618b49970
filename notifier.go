package docqw

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Subscriber is a live notification channel of one client, such as a
// websocket or server-sent-events stream.
type Subscriber interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// MessageKind tags notifier messages.
type MessageKind string

const (
	MessageConnection MessageKind = "connection"
	MessageUpdate     MessageKind = "update"
	MessageError      MessageKind = "error"
)

// TaskView is the client-facing status of a task.
type TaskView struct {
	TaskID       string         `json:"task_id"`
	TaskType     TaskType       `json:"task_type"`
	TaskStatus   TaskStatus     `json:"task_status"`
	TaskPosition *int           `json:"task_position,omitempty"`
	TaskMeta     ProcessingMeta `json:"task_meta"`
	Error        string         `json:"error,omitempty"`
}

// NewTaskView builds the view of t; pos is only reported while pending.
func NewTaskView(t *Task, pos int, havePos bool) TaskView {
	v := TaskView{TaskID: t.ID, TaskType: t.Type, TaskStatus: t.Status, TaskMeta: t.Meta, Error: t.Error}
	if havePos && t.Status == StatusPending {
		v.TaskPosition = &pos
	}
	return v
}

// Message is what subscribers receive, JSON encoded.
type Message struct {
	Message MessageKind `json:"message"`
	Task    *TaskView   `json:"task,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// statusSource is the part of the Orchestrator the notifier reads from.
type statusSource interface {
	TaskStatus(ctx context.Context, id string, wait time.Duration) (*Task, error)
	QueuePosition(ctx context.Context, id string) (int, bool, error)
}

// Notifier fans task state changes out to subscribers. It never takes part in
// computing the status; every message is built from a fresh Orchestrator read.
type Notifier struct {
	log     Logger
	enc     Encoder
	metrics *Metrics
	src     statusSource

	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l Logger) NotifierOption { return func(n *Notifier) { n.log = l } }

// WithNotifierMetrics records subscriber counts and delivery failures.
func WithNotifierMetrics(m *Metrics) NotifierOption { return func(n *Notifier) { n.metrics = m } }

// NewNotifier creates a Notifier. Bind it with Orchestrator.BindNotifier.
func NewNotifier(opts ...NotifierOption) *Notifier {
	n := &Notifier{log: noopLogger{}, enc: &JSONEncoder{}, subs: make(map[string]map[Subscriber]struct{})}
	for _, o := range opts {
		o(n)
	}
	return n
}

// AddTask creates the subscriber set of id.
func (n *Notifier) AddTask(id string) {
	n.mu.Lock()
	if _, ok := n.subs[id]; !ok {
		n.subs[id] = make(map[Subscriber]struct{})
	}
	n.mu.Unlock()
}

// RemoveTask closes every subscriber of id and drops its set.
func (n *Notifier) RemoveTask(id string) {
	n.mu.Lock()
	set := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()
	for s := range set {
		n.closeSub(id, s)
	}
	n.metrics.subscriberDelta(-len(set))
}

// dropIdle removes the set of id if nobody subscribed to it.
func (n *Notifier) dropIdle(id string) {
	n.mu.Lock()
	if set, ok := n.subs[id]; ok && len(set) == 0 {
		delete(n.subs, id)
	}
	n.mu.Unlock()
}

// HasSubscribers reports whether id has at least one live subscriber.
func (n *Notifier) HasSubscribers(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id]) > 0
}

// Subscribe attaches sub to id and sends it a connection message with the
// current status. Unknown tasks get an error message; finished tasks are
// closed right after the connection message. The returned func detaches sub;
// it is safe to call more than once.
//
// sub joins the set before the status is read, so a transition that happens
// during the read still reaches it as an update.
func (n *Notifier) Subscribe(ctx context.Context, id string, sub Subscriber) (func(), error) {
	n.attach(id, sub)
	var once sync.Once
	unsubscribe := func() { once.Do(func() { n.detach(id, sub) }) }
	drop := func() {
		if n.detach(id, sub) {
			n.closeSub(id, sub)
		}
	}

	t, err := n.src.TaskStatus(ctx, id, 0)
	if err != nil {
		n.send(ctx, id, sub, Message{Message: MessageError, Error: err.Error()})
		drop()
		return func() {}, err
	}
	pos, havePos, _ := n.src.QueuePosition(ctx, id)
	view := NewTaskView(t, pos, havePos)
	if !n.attached(id, sub) {
		// a terminal update already went out and closed sub
		return func() {}, nil
	}
	if err := n.send(ctx, id, sub, Message{Message: MessageConnection, Task: &view}); err != nil {
		drop()
		return func() {}, err
	}
	if t.IsCompleted() {
		drop()
		return func() {}, nil
	}
	return unsubscribe, nil
}

func (n *Notifier) attach(id string, sub Subscriber) {
	n.mu.Lock()
	set, ok := n.subs[id]
	if !ok {
		set = make(map[Subscriber]struct{})
		n.subs[id] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()
	n.metrics.subscriberDelta(1)
}

func (n *Notifier) attached(id string, sub Subscriber) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subs[id][sub]
	return ok
}

// detach removes sub and reports whether it was still attached; the set of
// id goes away with its last subscriber.
func (n *Notifier) detach(id string, sub Subscriber) bool {
	n.mu.Lock()
	set, ok := n.subs[id]
	removed := false
	if ok {
		if _, in := set[sub]; in {
			delete(set, sub)
			removed = true
		}
		if len(set) == 0 {
			delete(n.subs, id)
		}
	}
	n.mu.Unlock()
	if removed {
		n.metrics.subscriberDelta(-1)
	}
	return removed
}

func (n *Notifier) snapshot(id string) []Subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.subs[id]
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// NotifyTaskSubscribers pushes the current status of id to each of its
// subscribers and closes them once the task is terminal. A subscriber that
// fails is logged and dropped; the others still receive the update.
func (n *Notifier) NotifyTaskSubscribers(ctx context.Context, id string) error {
	subs := n.snapshot(id)
	if len(subs) == 0 {
		return nil
	}
	t, err := n.src.TaskStatus(ctx, id, 0)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			for _, s := range subs {
				n.send(ctx, id, s, Message{Message: MessageError, Error: err.Error()})
			}
			n.RemoveTask(id)
		}
		return err
	}
	pos, havePos, perr := n.src.QueuePosition(ctx, id)
	if perr != nil {
		n.log.Warnf("queue position failed: id=%s err=%v", id, perr)
	}
	view := NewTaskView(t, pos, havePos)
	msg := Message{Message: MessageUpdate, Task: &view}

	for _, s := range subs {
		if err := n.send(ctx, id, s, msg); err != nil {
			n.detach(id, s)
			n.closeSub(id, s)
		}
	}
	if t.IsCompleted() {
		n.RemoveTask(id)
	}
	return nil
}

// NotifyQueuePositions re-sends the status of every still pending task that
// has subscribers, so their queue positions stay current.
func (n *Notifier) NotifyQueuePositions(ctx context.Context) {
	n.mu.Lock()
	ids := make([]string, 0, len(n.subs))
	for id, set := range n.subs {
		if len(set) > 0 {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		t, err := n.src.TaskStatus(ctx, id, 0)
		if err != nil {
			n.log.Warnf("queue position sweep: status failed id=%s err=%v", id, err)
			continue
		}
		if t.Status != StatusPending {
			continue
		}
		if err := n.NotifyTaskSubscribers(ctx, id); err != nil {
			n.log.Warnf("queue position sweep: notify failed id=%s err=%v", id, err)
		}
	}
}

func (n *Notifier) send(ctx context.Context, id string, s Subscriber, msg Message) error {
	b, err := n.enc.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, b); err != nil {
		n.log.Warnf("notify subscriber failed: id=%s err=%v", id, err)
		n.metrics.notifyFailed()
		return err
	}
	return nil
}

func (n *Notifier) closeSub(id string, s Subscriber) {
	if err := s.Close(); err != nil {
		n.log.Debugf("close subscriber failed: id=%s err=%v", id, err)
	}
}
