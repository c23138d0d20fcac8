package events

import (
	"sync"

	"github.com/Closi1/Scarlet-messenger/models"
)

// Queue is the unbounded FIFO between the network loops and the consumer.
// Producers never block; the consumer drains it on its own cadence.
type Queue struct {
	mu      sync.Mutex
	pending []models.Event
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(ev models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ev)
}

// Drain returns and removes every queued event, oldest first. It never
// blocks; an empty queue yields nil.
func (q *Queue) Drain() []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	drained := q.pending
	q.pending = nil
	return drained
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
