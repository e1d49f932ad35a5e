package recorder

import "sync"

// eventQueue decouples the pump from the event reader. push never blocks;
// run forwards events in order and closes out once the queue is closed and
// empty.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newEventQueue(out chan Event) *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		out:  out,
	}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

// close accepts no further events. Queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		e, ok := q.next()
		if !ok {
			close(q.out)
			return
		}
		q.out <- e
	}
}

// next waits for the next event. ok is false once the queue is closed and
// drained.
func (q *eventQueue) next() (e Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}
