package coordinator

import (
	"context"
	"sync"

	"github.com/imgpipe/imgpipe/core"
)

// EventKind classifies an Event delivered to a subscriber.
type EventKind int

const (
	EventProgress EventKind = iota
	EventPreview
	EventSuccess
	EventFailure
	EventCancelled
)

// Event is the single payload type covering every notification a
// subscriber can receive from any of the three subtask stages. Only the
// fields relevant to Kind and the subscribed stage are populated.
type Event struct {
	Kind EventKind

	Completed int64
	Total     int64

	Container  *core.Container   // EventPreview, and EventSuccess for image subtasks
	Response   *core.Response    // EventSuccess for a full image_task chain
	OrigResult *core.OriginalData // EventSuccess for a data_task

	Err error // EventFailure
}

// eventQueue is an unbounded, order-preserving mailbox: push never blocks
// and never drops, so the only way a subscriber misses an event is to
// detach before pulling it.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{})}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	notify := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(notify)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	notify := q.notify
	q.mu.Unlock()
	close(notify)
}

// pull blocks until an event is available, the queue is closed with
// nothing left pending, or ctx is done.
func (q *eventQueue) pull(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, false
		}
		notify := q.notify
		q.mu.Unlock()
		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Subscription is a live attachment to one Subtask: a pull-based event
// stream plus independent priority and cancellation.
type Subscription struct {
	co      *Coordinator
	subtask *Subtask
	queue   *eventQueue
	priority core.Priority
}

// Next blocks for the Subscription's next Event, or returns ok=false if
// ctx is done or the subscription has been detached with no events left
// to deliver.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	return s.queue.pull(ctx)
}

// SetPriority changes the priority this subscription contributes to its
// subtask chain, re-propagating it down through every dependency.
func (s *Subscription) SetPriority(p core.Priority) {
	s.co.setSubscriptionPriority(s, p)
}

// Detach ends the subscription. The underlying subtask chain keeps
// running for as long as something else retains it, and is cancelled
// once nothing does.
func (s *Subscription) Detach() {
	s.co.detach(s)
}
