package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_RunsSubmittedWork(t *testing.T) {
	q := New(2)
	q.Start()
	t.Cleanup(q.Stop)

	done := make(chan struct{})
	q.Submit(0, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted work never ran")
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(1) // single worker so order is deterministic
	var mu sync.Mutex
	var order []int

	gate := make(chan struct{})
	q.Submit(Priority(10), func(ctx context.Context) { <-gate }) // occupies the one worker

	done := make(chan struct{})
	q.Submit(Priority(1), func(ctx context.Context) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		close(done)
	})
	q.Submit(Priority(5), func(ctx context.Context) {
		mu.Lock()
		order = append(order, 5)
		mu.Unlock()
	})

	q.Start()
	t.Cleanup(q.Stop)
	close(gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued work never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 5 || order[1] != 1 {
		t.Errorf("execution order = %v, want [5 1] (higher priority first)", order)
	}
}

func TestQueue_FIFOAmongEqualPriority(t *testing.T) {
	q := New(1)
	var mu sync.Mutex
	var order []int

	gate := make(chan struct{})
	q.Submit(0, func(ctx context.Context) { <-gate })

	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		q.Submit(0, func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 3 {
				close(done)
			}
		})
	}

	q.Start()
	t.Cleanup(q.Stop)
	close(gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued work never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i+1 {
			t.Errorf("order = %v, want [1 2 3]", order)
			break
		}
	}
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	const concurrency = 2
	q := New(concurrency)
	q.Start()
	t.Cleanup(q.Stop)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Submit(0, func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxRunning > concurrency {
		t.Errorf("observed %d concurrently running units, want at most %d", maxRunning, concurrency)
	}
}

func TestHandle_CancelBeforeStart(t *testing.T) {
	q := New(1)
	gate := make(chan struct{})
	q.Submit(0, func(ctx context.Context) { <-gate })

	ran := false
	h := q.Submit(0, func(ctx context.Context) { ran = true })

	if !h.Cancel() {
		t.Fatal("expected Cancel to succeed on pending work")
	}

	q.Start()
	t.Cleanup(q.Stop)
	close(gate)
	time.Sleep(20 * time.Millisecond)

	if ran {
		t.Error("cancelled work must not run")
	}
}

func TestHandle_CancelAfterStartFails(t *testing.T) {
	q := New(1)
	q.Start()
	t.Cleanup(q.Stop)

	started := make(chan struct{})
	finish := make(chan struct{})
	h := q.Submit(0, func(ctx context.Context) {
		close(started)
		<-finish
	})
	<-started
	close(finish)

	if h.Cancel() {
		t.Error("expected Cancel to report false once work has started")
	}
}

func TestHandle_Reprioritize(t *testing.T) {
	q := New(1)
	gate := make(chan struct{})
	q.Submit(0, func(ctx context.Context) { <-gate })

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	h := q.Submit(Priority(1), func(ctx context.Context) {
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
	})
	q.Submit(Priority(2), func(ctx context.Context) {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		close(done)
	})

	h.Reprioritize(Priority(10)) // now outranks "high"

	q.Start()
	t.Cleanup(q.Stop)
	close(gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued work never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "low" {
		t.Errorf("order = %v, want reprioritized work to run first", order)
	}
}

func TestQueue_Len(t *testing.T) {
	q := New(1)
	gate := make(chan struct{})
	started := make(chan struct{})
	q.Submit(0, func(ctx context.Context) { close(started); <-gate })
	q.Submit(0, func(ctx context.Context) {})
	q.Submit(0, func(ctx context.Context) {})

	q.Start()
	t.Cleanup(q.Stop)
	<-started

	if got := q.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2 (excludes the one already running)", got)
	}
	close(gate)
}

func TestQueue_StopDropsQueuedWork(t *testing.T) {
	// Never start the dispatcher: Stop must still clear the pending heap
	// rather than leave it to run once something starts consuming it.
	q := New(1)
	ran := false
	q.Submit(0, func(ctx context.Context) { ran = true })

	q.Stop()

	if ran {
		t.Error("expected Stop to drop work that was still queued")
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len() after Stop = %d, want 0", got)
	}
}
