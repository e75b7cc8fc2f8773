package instrument

import "sync"

// eventQueue is an unbounded FIFO between the bus subscription and dispatch. ready holds
// a token whenever items may be waiting or the queue was closed.
type eventQueue struct {
	mu     sync.Mutex
	items  []any
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg any) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drain takes every queued item and reports whether more may follow.
func (q *eventQueue) drain() ([]any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, !q.closed
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
