package vhost

import (
	"container/list"
	"context"
	"sync"
)

// workItem pairs a dequeued Request with the Queue and Backend needed to
// process and complete it.
type workItem struct {
	q       *Queue
	backend Backend
	req     *Request
}

// RequestQueue is the single hand-off point between the event loop threads
// that dequeue descriptor chains from many virtqueues and the one
// user-driven worker goroutine that actually runs backend I/O. Enqueue is
// wait-free from the producer's point of view (a short critical section, no
// blocking syscall); the worker is woken through a buffered signal channel
// rather than a blocking send, so a burst of producers never piles up
// waiting on the consumer.
type RequestQueue struct {
	mu     sync.Mutex
	items  *list.List
	closed bool

	signal chan struct{}
	wg     sync.WaitGroup
}

// NewRequestQueue creates an empty RequestQueue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		items:  list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue hands off a dequeued request for processing. Safe to call
// concurrently from any number of event loop goroutines. Returns false if
// the queue has already been closed for draining, in which case the caller
// should Abort the request on its own Queue.
func (rq *RequestQueue) Enqueue(q *Queue, backend Backend, req *Request) bool {
	rq.mu.Lock()
	if rq.closed {
		rq.mu.Unlock()
		return false
	}
	rq.wg.Add(1)
	rq.items.PushBack(workItem{q: q, backend: backend, req: req})
	rq.mu.Unlock()

	select {
	case rq.signal <- struct{}{}:
	default:
	}
	return true
}

// dequeue pops the oldest queued item, if any, without blocking.
func (rq *RequestQueue) dequeue() (workItem, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	front := rq.items.Front()
	if front == nil {
		return workItem{}, false
	}
	rq.items.Remove(front)
	return front.Value.(workItem), true
}

// Run drives the worker loop: it pulls items off the queue and dispatches
// them to their backend, completing each one asynchronously on its owning
// queue's event loop once the backend returns. It blocks until ctx is
// canceled, at which point it drains every item already enqueued (rejecting
// new Enqueue calls) before returning ctx.Err().
func (rq *RequestQueue) Run(ctx context.Context) error {
	for {
		item, ok := rq.dequeue()
		if ok {
			rq.process(ctx, item)
			continue
		}

		select {
		case <-ctx.Done():
			rq.drain()
			return ctx.Err()
		case <-rq.signal:
		}
	}
}

func (rq *RequestQueue) process(ctx context.Context, item workItem) {
	written, err := item.backend.HandleRequest(ctx, item.req)
	rq.wg.Done()
	item.q.CompleteAsync(item.req, written, func(completeErr error) {
		_ = err
		_ = completeErr
	})
}

// drain marks the queue closed to new work, then processes whatever is left
// in it after cancellation instead of abandoning the guest memory references
// those requests hold.
func (rq *RequestQueue) drain() {
	rq.mu.Lock()
	rq.closed = true
	rq.mu.Unlock()

	for {
		item, ok := rq.dequeue()
		if !ok {
			break
		}
		rq.process(context.Background(), item)
	}
}

// Wait blocks until the backend has returned for every request enqueued so
// far. Each completion is then scheduled through Queue.CompleteAsync and may
// not have reached the used ring yet when Wait returns.
func (rq *RequestQueue) Wait() {
	rq.wg.Wait()
}
