package dispatcher

import (
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/entities"
	"github.com/google/uuid"
)

// Ticket is the immutable part of a job that workers and the queue carry
// around. The store stays the source of truth for status.
type Ticket struct {
	ID      uuid.UUID
	URL     string
	Format  constant.Format
	Quality constant.Quality
}

func ticketFor(job *entities.Job) Ticket {
	return Ticket{
		ID:      job.ID,
		URL:     job.URL,
		Format:  job.Format,
		Quality: job.Quality,
	}
}

// Queue is an unbounded FIFO of tickets. It is not safe for concurrent use;
// the pool guards it with its own mutex.
type Queue struct {
	items []Ticket
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(t Ticket) {
	q.items = append(q.items, t)
}

// Dequeue removes and returns the head ticket. ok is false when the queue
// is empty.
func (q *Queue) Dequeue() (t Ticket, ok bool) {
	if len(q.items) == 0 {
		return Ticket{}, false
	}
	t = q.items[0]
	q.items[0] = Ticket{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return t, true
}

// PushFront puts t ahead of every waiting ticket.
func (q *Queue) PushFront(t Ticket) {
	q.items = append([]Ticket{t}, q.items...)
}

func (q *Queue) Len() int {
	return len(q.items)
}
