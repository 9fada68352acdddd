package mongo

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errQueueClosed = errors.New("persistence queue closed")

// task is one unit of work for the persistence worker.
type task func(ctx context.Context)

// queue serializes all database writes onto a single worker goroutine.
// Awaited operations go through submit; capture traffic goes through post
// and is dropped when the buffer is full so it can never stall the bridge.
type queue struct {
	tasks chan task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	opTimeout time.Duration
	onDrop    func()
}

func newQueue(depth int, opTimeout time.Duration, onDrop func()) *queue {
	q := &queue{
		tasks:     make(chan task, depth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		opTimeout: opTimeout,
		onDrop:    onDrop,
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.done)
	for {
		select {
		case t := <-q.tasks:
			q.exec(t)
		case <-q.quit:
			// Drain what was already accepted, then exit.
			for {
				select {
				case t := <-q.tasks:
					q.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (q *queue) exec(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opTimeout)
	defer cancel()
	t(ctx)
}

// submit enqueues t, waiting for a slot until ctx expires.
func (q *queue) submit(ctx context.Context, t task) error {
	select {
	case <-q.quit:
		return errQueueClosed
	default:
	}
	select {
	case q.tasks <- t:
		return nil
	case <-q.quit:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues t without blocking. A full buffer drops the task.
func (q *queue) post(t task) {
	select {
	case <-q.quit:
		return
	default:
	}
	select {
	case q.tasks <- t:
	default:
		if q.onDrop != nil {
			q.onDrop()
		}
	}
}

// close stops intake and waits for the drain to finish or ctx to expire.
func (q *queue) close(ctx context.Context) error {
	q.once.Do(func() { close(q.quit) })
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
