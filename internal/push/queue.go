package push

import (
	"sync"

	"github.com/matst80/busbridge/internal/obs"
)

// Packet is one framed outbound message. The queue takes ownership on
// Enqueue; producers must not modify it afterwards.
type Packet []byte

// Queue stages packets for the worker. Producers only hold the lock for an
// append; the worker swaps the whole slice out and broadcasts without it.
type Queue struct {
	mu      sync.Mutex
	pending []Packet
	wake    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends p and wakes the worker. It never blocks on the worker.
func (q *Queue) Enqueue(p Packet) {
	q.mu.Lock()
	q.pending = append(q.pending, p)
	obs.QueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain takes everything queued so far.
func (q *Queue) drain() []Packet {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	obs.QueueDepth.Set(0)
	q.mu.Unlock()
	return batch
}
