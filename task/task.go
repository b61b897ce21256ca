// Package task implements the Task Facade module: the public handles
// (ImageTask, DataTask) callers hold instead of talking to the
// coordinator directly, each with its own pull-based event stream,
// independently mutable priority, and independent cancellation.
package task

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/imgpipe/imgpipe/core"
	"github.com/imgpipe/imgpipe/coordinator"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// errCancelled is what a task's Response/Data resolves to when its
// subscription ends without a terminal coordinator event, whether from
// Cancel, Detach, or the subtask chain itself being cancelled.
var errCancelled = apperrors.New(apperrors.KindCancelled, "task.cancelled", nil)

// Coordinator is the minimal surface task constructors need from
// *coordinator.Coordinator; pipeline.Pipeline wraps its coordinator in
// one of these before handing it to callers.
type Coordinator struct{ inner *coordinator.Coordinator }

// Wrap adapts a *coordinator.Coordinator for use by this package's task
// constructors.
func Wrap(co *coordinator.Coordinator) *Coordinator { return &Coordinator{inner: co} }

// mailbox is an unbounded, order-preserving per-subscriber queue backing
// one fanout registration: push never blocks and never drops, and a
// dedicated pump goroutine drains it into out, blocking on a slow reader
// instead of discarding what it can't yet deliver.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
	out    chan T
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{notify: make(chan struct{}), out: make(chan T)}
	go m.pump()
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, v)
	notify := m.notify
	m.notify = make(chan struct{})
	m.mu.Unlock()
	close(notify)
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	notify := m.notify
	m.mu.Unlock()
	close(notify)
}

func (m *mailbox[T]) pump() {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			notify := m.notify
			m.mu.Unlock()
			<-notify
			m.mu.Lock()
		}
		if len(m.items) == 0 {
			m.mu.Unlock()
			close(m.out)
			return
		}
		v := m.items[0]
		m.items = m.items[1:]
		m.mu.Unlock()
		m.out <- v
	}
}

// fanout is a set of mailboxes a task's single drain loop feeds; each
// registered mailbox is closed when the task reaches a terminal state,
// draining whatever it already holds before its channel closes.
type fanout[T any] struct {
	mu   sync.Mutex
	subs []*mailbox[T]
}

func (f *fanout[T]) register() chan T {
	box := newMailbox[T]()
	f.mu.Lock()
	f.subs = append(f.subs, box)
	f.mu.Unlock()
	return box.out
}

func (f *fanout[T]) send(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, box := range f.subs {
		box.push(v)
	}
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, box := range f.subs {
		box.close()
	}
	f.subs = nil
}

// ImageTask is a handle to one image_task: a request resolved through
// the full data → decode → process chain.
type ImageTask struct {
	ID      string
	sub     *coordinator.Subscription
	request core.Request

	progress fanout[core.ProgressSnapshot]
	previews fanout[*core.Container]

	mu       sync.Mutex
	response *core.Response
	err      error
	done     chan struct{}
}

// NewImageTask attaches req to the coordinator and starts this task's
// background drain loop immediately, so progress already produced by a
// coalesced subtask is never missed while the caller is still setting
// up its own readers.
func NewImageTask(co *Coordinator, req core.Request) *ImageTask {
	t := &ImageTask{
		ID:      uuid.NewString(),
		sub:     co.inner.AttachImage(req),
		request: req,
		done:    make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *ImageTask) drain() {
	for {
		ev, ok := t.sub.Next(context.Background())
		if !ok {
			t.finish(nil, errCancelled)
			return
		}
		switch ev.Kind {
		case coordinator.EventProgress:
			t.progress.send(core.ProgressSnapshot{Completed: ev.Completed, Total: ev.Total})
		case coordinator.EventPreview:
			t.previews.send(ev.Container)
		case coordinator.EventSuccess:
			t.finish(ev.Response, nil)
			return
		case coordinator.EventFailure:
			t.finish(nil, ev.Err)
			return
		case coordinator.EventCancelled:
			t.finish(nil, errCancelled)
			return
		}
	}
}

func (t *ImageTask) finish(resp *core.Response, err error) {
	t.mu.Lock()
	t.response = resp
	t.err = err
	t.mu.Unlock()
	close(t.done)
	t.progress.closeAll()
	t.previews.closeAll()
}

// Progress returns a channel of completed/total byte counts, closed
// once the task reaches a terminal state.
func (t *ImageTask) Progress() <-chan core.ProgressSnapshot { return t.progress.register() }

// Previews returns a channel of preview containers produced while the
// final result is still in flight, closed once the task reaches a
// terminal state.
func (t *ImageTask) Previews() <-chan *core.Container { return t.previews.register() }

// Response blocks until the task reaches a terminal state and returns
// its final Response, or the error it failed/was cancelled with.
func (t *ImageTask) Response(ctx context.Context) (*core.Response, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.response, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Image is a convenience wrapper over Response that returns just the
// decoded/processed Container.
func (t *ImageTask) Image(ctx context.Context) (*core.Container, error) {
	resp, err := t.Response(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Container, nil
}

// SetPriority changes this task's contribution to its subtask chain's
// priority, independent of any other task sharing the same chain.
func (t *ImageTask) SetPriority(p core.Priority) { t.sub.SetPriority(p) }

// Cancel detaches the task. If nothing else is attached to its subtask
// chain, the chain is cancelled; otherwise it keeps running for whoever
// else still needs it.
func (t *ImageTask) Cancel() { t.sub.Detach() }

// Done returns a channel closed once the task reaches a terminal state.
func (t *ImageTask) Done() <-chan struct{} { return t.done }

// DataTask is a handle to one data_task: a request resolved only
// through the FetchOriginalData subtask, ignoring any processors.
type DataTask struct {
	ID      string
	sub     *coordinator.Subscription
	request core.Request

	progress fanout[core.ProgressSnapshot]

	mu     sync.Mutex
	result *core.OriginalData
	err    error
	done   chan struct{}
}

// NewDataTask attaches req's data-only chain to the coordinator.
func NewDataTask(co *Coordinator, req core.Request) *DataTask {
	t := &DataTask{
		ID:      uuid.NewString(),
		sub:     co.inner.AttachData(req),
		request: req,
		done:    make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *DataTask) drain() {
	for {
		ev, ok := t.sub.Next(context.Background())
		if !ok {
			t.finish(nil, errCancelled)
			return
		}
		switch ev.Kind {
		case coordinator.EventProgress:
			t.progress.send(core.ProgressSnapshot{Completed: ev.Completed, Total: ev.Total})
		case coordinator.EventSuccess:
			t.finish(ev.OrigResult, nil)
			return
		case coordinator.EventFailure:
			t.finish(nil, ev.Err)
			return
		case coordinator.EventCancelled:
			t.finish(nil, errCancelled)
			return
		}
	}
}

func (t *DataTask) finish(result *core.OriginalData, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.done)
	t.progress.closeAll()
}

func (t *DataTask) Progress() <-chan core.ProgressSnapshot { return t.progress.register() }

// Data blocks until the task reaches a terminal state and returns the
// fetched bytes, or the error it failed/was cancelled with.
func (t *DataTask) Data(ctx context.Context) (*core.OriginalData, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *DataTask) SetPriority(p core.Priority) { t.sub.SetPriority(p) }

func (t *DataTask) Cancel() { t.sub.Detach() }

func (t *DataTask) Done() <-chan struct{} { return t.done }
