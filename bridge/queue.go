package bridge

import (
	"github.com/getlantern/outstream/stream"
)

// pendingWrite is a chunk whose writer is waiting to hear whether it was delivered.
type pendingWrite struct {
	chunk stream.Chunk
	// done receives exactly one result. It's buffered so that the drain loop never blocks on a writer
	// that already gave up.
	done chan error
}

func newPendingWrite(chunk stream.Chunk) *pendingWrite {
	return &pendingWrite{
		chunk: chunk,
		done:  make(chan error, 1),
	}
}

func (pw *pendingWrite) finish(err error) {
	pw.done <- err
}

// queue is a FIFO of pending writes. It holds at most one entry per blocked writer, so linear removal
// is fine.
type queue struct {
	items []*pendingWrite
}

func (q *queue) push(pw *pendingWrite) {
	q.items = append(q.items, pw)
}

func (q *queue) pop() *pendingWrite {
	if len(q.items) == 0 {
		return nil
	}
	pw := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return pw
}

// remove takes pw out of the queue, returning false if it was no longer queued (i.e. it's already
// being delivered or was failed).
func (q *queue) remove(pw *pendingWrite) bool {
	for i, candidate := range q.items {
		if candidate == pw {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// failAll finishes every queued write with err and empties the queue, returning how many were dropped.
func (q *queue) failAll(err error) int {
	n := len(q.items)
	for _, pw := range q.items {
		pw.finish(err)
	}
	q.items = nil
	return n
}

// position returns pw's 1-based position in the queue, 0 if it's not queued.
func (q *queue) position(pw *pendingWrite) int {
	for i, candidate := range q.items {
		if candidate == pw {
			return i + 1
		}
	}
	return 0
}

func (q *queue) len() int {
	return len(q.items)
}
