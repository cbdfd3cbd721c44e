package util

import "github.com/negrel/assert"

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// fixed-size ring-buffer queue
type Queue[T any] struct {
	data	[]T
	head	int // next slot to write to
	cnt 	int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T] {
		head: 	0,
		cnt: 	0,
		data: 	make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

func (q *Queue[T]) Empty() bool {
	return q.cnt == 0
}

// will panic if out of space.
func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) { panic("queue overflow") }
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 { panic("queue underflow") }
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	val := q.data[i]
	var zero T
	q.data[i] = zero
	return val
}


// TicketQueue combines a fixed contiguous array and a queue of numbered "tickets" which
// correspond to slots in the contiguous array. A ticket is what travels through code
// that cannot carry a Go pointer (io_uring user data), the slot holds the real value.
//
// Not safe for concurrent use.
type TicketQueue[T any] struct {
	queue		Queue[int]
	data		[]T
}

func CreateTicketQueue[T any](size int) TicketQueue[T] {
	queue := CreateQueue[int](size)
	for i := range size {
		queue.Push(i)
	}
	data := make([]T, size)

	return TicketQueue[T]{
		queue: queue,
		data: data,
	}
}

// Free reports how many tickets can still be acquired.
func (tq *TicketQueue[T]) Free() int {
	return tq.queue.Cnt()
}

// This acquires a ticket and sets the slot to the passed value. Panics if none are left.
func (tq *TicketQueue[T]) Acq(val T) int {
	ticket := tq.queue.Pop()
	tq.data[ticket] = val
	return ticket
}

// Releases the ticket and drops the slot's reference.
func (tq *TicketQueue[T]) Rel(ticket int) {
	assert.Less(ticket, len(tq.data), "ticket out of range")
	var zero T
	tq.data[ticket] = zero
	tq.queue.Push(ticket)
}

func (tq *TicketQueue[T]) Get(ticket int) T {
	return tq.data[ticket]
}
