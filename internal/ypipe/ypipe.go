// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package ypipe implements a batched lock-free single-producer
// single-consumer queue.
//
// Values are stored in fixed-size chunks linked into a list. The writer
// publishes batches of completed values to the reader with a single atomic
// compare-and-swap, and learns in the same operation whether the reader had
// gone to sleep waiting for data. This lets the caller wake the reader only
// when it needs waking.
//
// Exactly one goroutine may call the writer methods (Write, Unwrite, Flush)
// and exactly one goroutine may call the reader methods (CheckRead, Read,
// Peek) at a time. The writer and the reader may be different goroutines.
package ypipe

import "sync/atomic"

// granularity is the number of values stored per chunk.
const granularity = 256

type chunk[T any] struct {
	values [granularity]T
	prev   *chunk[T]
	next   *chunk[T]
}

// queue is an unsynchronized chunked FIFO. The back end is owned by the
// writer, the front end by the reader. The only shared state is the spare
// chunk, which is exchanged atomically.
type queue[T any] struct {
	beginChunk *chunk[T]
	beginPos   int
	backChunk  *chunk[T]
	backPos    int
	endChunk   *chunk[T]
	endPos     int

	// The most recently retired chunk, kept for reuse by the writer.
	spare atomic.Pointer[chunk[T]]
}

func newQueue[T any]() *queue[T] {
	c := new(chunk[T])
	return &queue[T]{beginChunk: c, endChunk: c}
}

func (q *queue[T]) front() *T { return &q.beginChunk.values[q.beginPos] }

func (q *queue[T]) back() *T { return &q.backChunk.values[q.backPos] }

// push adds an uninitialized slot at the back of the queue.
func (q *queue[T]) push() {
	q.backChunk, q.backPos = q.endChunk, q.endPos
	q.endPos++
	if q.endPos != granularity {
		return
	}
	sc := q.spare.Swap(nil)
	if sc == nil {
		sc = new(chunk[T])
	}
	sc.next = nil
	sc.prev = q.endChunk
	q.endChunk.next = sc
	q.endChunk = sc
	q.endPos = 0
}

// unpush removes the slot at the back of the queue. The caller is
// responsible for the value it held.
func (q *queue[T]) unpush() {
	if q.backPos > 0 {
		q.backPos--
	} else {
		q.backPos = granularity - 1
		q.backChunk = q.backChunk.prev
	}
	if q.endPos > 0 {
		q.endPos--
	} else {
		q.endPos = granularity - 1
		q.endChunk = q.endChunk.prev
		q.endChunk.next = nil
	}
}

// pop discards the value at the front of the queue.
func (q *queue[T]) pop() {
	var zero T
	q.beginChunk.values[q.beginPos] = zero
	q.beginPos++
	if q.beginPos == granularity {
		old := q.beginChunk
		q.beginChunk = old.next
		q.beginPos = 0
		q.spare.Store(old)
	}
}

// Pipe is a batched lock-free SPSC queue of values of type T.
//
// A write is not visible to the reader until it is flushed, and values
// written with incomplete set are not flushed until a later complete value
// is written. This allows a writer to enqueue a multi-part message
// atomically.
type Pipe[T any] struct {
	q *queue[T]

	// Reader-owned: the first value not yet prefetched.
	r *T

	// Writer-owned: w is the first unflushed value, f is the first
	// uncommitted (incomplete) value.
	w, f *T

	// Shared: the boundary published to the reader, or nil if the reader
	// has gone to sleep.
	c atomic.Pointer[T]
}

// New constructs a new empty Pipe. The reader is initially awake.
func New[T any]() *Pipe[T] {
	p := &Pipe[T]{q: newQueue[T]()}
	p.q.push()
	p.r = p.q.back()
	p.w = p.r
	p.f = p.r
	p.c.Store(p.r)
	return p
}

// Write adds v to the pipe. If incomplete is true, v is held back from the
// reader until a subsequent value is written with incomplete false.
func (p *Pipe[T]) Write(v T, incomplete bool) {
	*p.q.back() = v
	p.q.push()
	if !incomplete {
		p.f = p.q.back()
	}
}

// Unwrite removes the most recently written incomplete value and returns
// it. It reports false if there are no incomplete values to remove.
func (p *Pipe[T]) Unwrite() (T, bool) {
	var zero T
	if p.f == p.q.back() {
		return zero, false
	}
	p.q.unpush()
	v := *p.q.back()
	*p.q.back() = zero
	return v, true
}

// Flush makes all completed values visible to the reader. It reports false
// if the reader was asleep and must be woken by the caller. In that case
// the values are still published; the next read will find them.
func (p *Pipe[T]) Flush() bool {
	if p.w == p.f {
		return true
	}
	if !p.c.CompareAndSwap(p.w, p.f) {
		// The reader is asleep (c is nil). Publish without CAS, since the
		// reader will not touch c until it is woken.
		p.c.Store(p.f)
		p.w = p.f
		return false
	}
	p.w = p.f
	return true
}

// CheckRead reports whether a value is available to read. If no value is
// available, the reader is marked as asleep, and the next Flush by the
// writer will report false.
func (p *Pipe[T]) CheckRead() bool {
	front := p.q.front()
	if front != p.r && p.r != nil {
		return true
	}

	// Prefetch: claim everything published so far. If nothing has been
	// published, swap c to nil to record that the reader is asleep.
	for {
		old := p.c.Load()
		if old != front {
			p.r = old
			break
		}
		if p.c.CompareAndSwap(front, nil) {
			p.r = front
			break
		}
	}
	return front != p.r && p.r != nil
}

// Read removes and returns the value at the head of the pipe. It reports
// false if no value is available.
func (p *Pipe[T]) Read() (T, bool) {
	if !p.CheckRead() {
		var zero T
		return zero, false
	}
	v := *p.q.front()
	p.q.pop()
	return v, true
}

// Peek applies f to the value at the head of the pipe without removing
// it. It panics if no value is available.
func (p *Pipe[T]) Peek(f func(*T) bool) bool {
	if !p.CheckRead() {
		panic("ypipe: peek at empty pipe")
	}
	return f(p.q.front())
}
