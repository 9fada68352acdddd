package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	t.Parallel()
	q := newQueue(16, time.Second, nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.post(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order %v", got)
		}
	}
}

func TestQueueCloseDrainsBacklog(t *testing.T) {
	t.Parallel()
	q := newQueue(128, time.Second, nil)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 100; i++ {
		q.post(func(context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 100 {
		t.Fatalf("ran %d tasks, want 100", ran)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	drops := 0
	q := newQueue(1, 10*time.Second, func() {
		mu.Lock()
		drops++
		mu.Unlock()
	})

	release := make(chan struct{})
	started := make(chan struct{})
	// Occupy the worker so later posts hit the buffer.
	q.post(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	q.post(func(context.Context) {}) // fills the single slot
	q.post(func(context.Context) {}) // dropped
	q.post(func(context.Context) {}) // dropped

	mu.Lock()
	if drops != 2 {
		mu.Unlock()
		t.Fatalf("drops = %d, want 2", drops)
	}
	mu.Unlock()

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestQueueSubmitWaitsForSlot(t *testing.T) {
	t.Parallel()
	q := newQueue(1, 10*time.Second, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	q.post(func(context.Context) {
		close(started)
		<-release
	})
	<-started
	q.post(func(context.Context) {}) // buffer full

	// Context already expired: submit must give up instead of blocking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.submit(ctx, func(context.Context) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("submit on full queue with cancelled ctx: %v", err)
	}

	// With room available, submit succeeds and the task runs.
	close(release)
	done := make(chan struct{})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := q.submit(ctx2, func(context.Context) { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task never ran")
	}

	if err := q.close(ctx2); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()
	q := newQueue(4, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := q.submit(ctx, func(context.Context) {}); !errors.Is(err, errQueueClosed) {
		t.Fatalf("submit after close: %v", err)
	}

	// post after close is a silent no-op.
	ran := make(chan struct{})
	q.post(func(context.Context) { close(ran) })
	select {
	case <-ran:
		t.Fatal("task ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	q := newQueue(4, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.close(ctx); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := q.close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
