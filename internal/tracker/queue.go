package tracker

import (
	"container/list"
	"sync"
)

// Queue is a thread-safe FIFO of events waiting for consent.
type Queue struct {
	mu   sync.Mutex
	list *list.List
}

func NewQueue() *Queue {
	return &Queue{list: list.New()}
}

// Enqueue adds an event to the back of the queue.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.PushBack(ev)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Drain removes and returns every queued event in order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := make([]Event, 0, q.list.Len())
	for e := q.list.Front(); e != nil; e = e.Next() {
		events = append(events, e.Value.(Event))
	}
	q.list.Init()
	return events
}
