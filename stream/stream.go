// Package stream defines the demand-driven contract between a publisher of binary chunks and the
// single subscriber that consumes them.
//
// The contract follows reactive streams: a Subscriber receives OnSubscribe first, then zero or more
// OnNext calls, then at most one of OnComplete or OnError. Nothing is delivered until the subscriber
// signals demand with Subscription.Request, and never more than it asked for.
package stream

import (
	"math"
)

// Unbounded is the demand value that disables backpressure. Requesting it, or accumulating requests
// that reach it, means the subscriber accepts everything.
const Unbounded = math.MaxInt64

// Chunk is an immutable unit of data emitted by a Publisher. A chunk is either data or a flush marker.
// Flush markers carry no payload, so consumers that only care about data can skip chunks whose Data is
// empty.
type Chunk struct {
	data  []byte
	flush bool
}

// Data wraps b in a data Chunk. The caller must not modify b afterwards.
func Data(b []byte) Chunk {
	return Chunk{data: b}
}

// Flush returns a flush marker.
func Flush() Chunk {
	return Chunk{flush: true}
}

// Data returns the chunk's payload, empty for flush markers.
func (c Chunk) Data() []byte {
	return c.data
}

// IsFlush indicates whether this chunk is a flush marker.
func (c Chunk) IsFlush() bool {
	return c.flush
}

// Len is the payload length.
func (c Chunk) Len() int {
	return len(c.data)
}

// Subscription is the subscriber's handle for signaling demand and cancelling.
type Subscription interface {
	// Request adds n to the outstanding demand. n must be positive.
	Request(n int64)

	// Cancel stops delivery. It's safe to call more than once.
	Cancel()
}

// Subscriber consumes chunks from a Publisher. Calls to a Subscriber are never concurrent.
type Subscriber interface {
	OnSubscribe(s Subscription)

	// OnNext receives the next chunk. Returning an error (or panicking) fails the stream.
	OnNext(c Chunk) error

	OnError(err error)

	OnComplete()
}

// Publisher is a source of chunks for exactly one Subscriber.
type Publisher interface {
	Subscribe(s Subscriber) error
}

// SubscriberFuncs adapts plain functions to a Subscriber. Nil fields are ignored.
type SubscriberFuncs struct {
	Subscribe func(s Subscription)
	Next      func(c Chunk) error
	Error     func(err error)
	Complete  func()
}

func (f *SubscriberFuncs) OnSubscribe(s Subscription) {
	if f.Subscribe != nil {
		f.Subscribe(s)
	}
}

func (f *SubscriberFuncs) OnNext(c Chunk) error {
	if f.Next != nil {
		return f.Next(c)
	}
	return nil
}

func (f *SubscriberFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f *SubscriberFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}
