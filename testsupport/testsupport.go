// Package testsupport provides a recording stream.Subscriber for use in tests.
package testsupport

import (
	"sync"
	"time"

	"github.com/getlantern/outstream/stream"

	"testing"

	"github.com/stretchr/testify/require"
)

const (
	// AwaitTimeout is how long the Await helpers wait before failing the test.
	AwaitTimeout = 5 * time.Second
	awaitTick    = 5 * time.Millisecond
)

// Subscriber records every signal it receives. Demand is only signaled when the test calls Request,
// RequestMax or sets an initial request with NewSubscriber.
type Subscriber struct {
	initialRequest int64
	onNext         func(c stream.Chunk) error

	mx            sync.Mutex
	subscription  stream.Subscription
	items         []stream.Chunk
	err           error
	completed     bool
	terminalCount int
}

// NewSubscriber creates a Subscriber that requests initialRequest items as soon as it's subscribed.
// Use 0 to request nothing up front.
func NewSubscriber(initialRequest int64) *Subscriber {
	return &Subscriber{initialRequest: initialRequest}
}

// FailingWith makes OnNext call fn after recording each chunk and return its error.
func (s *Subscriber) FailingWith(fn func(c stream.Chunk) error) *Subscriber {
	s.onNext = fn
	return s
}

func (s *Subscriber) OnSubscribe(subscription stream.Subscription) {
	s.mx.Lock()
	s.subscription = subscription
	s.mx.Unlock()
	if s.initialRequest > 0 {
		subscription.Request(s.initialRequest)
	}
}

func (s *Subscriber) OnNext(c stream.Chunk) error {
	s.mx.Lock()
	s.items = append(s.items, c)
	onNext := s.onNext
	s.mx.Unlock()
	if onNext != nil {
		return onNext(c)
	}
	return nil
}

func (s *Subscriber) OnError(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.err = err
	s.terminalCount++
}

func (s *Subscriber) OnComplete() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.completed = true
	s.terminalCount++
}

func (s *Subscriber) Subscription() stream.Subscription {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.subscription
}

// Request signals n more demand. Subscribe must have happened already.
func (s *Subscriber) Request(n int64) *Subscriber {
	s.Subscription().Request(n)
	return s
}

// RequestMax signals unbounded demand.
func (s *Subscriber) RequestMax() *Subscriber {
	return s.Request(stream.Unbounded)
}

func (s *Subscriber) Cancel() {
	s.Subscription().Cancel()
}

// Items returns all recorded chunks, including flush markers.
func (s *Subscriber) Items() []stream.Chunk {
	s.mx.Lock()
	defer s.mx.Unlock()
	result := make([]stream.Chunk, len(s.items))
	copy(result, s.items)
	return result
}

// Strings returns the payloads of all data chunks as strings, skipping flush markers.
func (s *Subscriber) Strings() []string {
	var result []string
	for _, c := range s.Items() {
		if c.Len() > 0 {
			result = append(result, string(c.Data()))
		}
	}
	return result
}

func (s *Subscriber) ItemCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.items)
}

func (s *Subscriber) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

func (s *Subscriber) Completed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.completed
}

// TerminalCount is the number of OnComplete and OnError calls received, which should never exceed 1.
func (s *Subscriber) TerminalCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.terminalCount
}

// AwaitTerminal waits for OnComplete or OnError.
func (s *Subscriber) AwaitTerminal(t *testing.T) {
	require.Eventually(t, func() bool {
		return s.TerminalCount() > 0
	}, AwaitTimeout, awaitTick, "subscriber never received a terminal signal")
}

// AwaitItemCount waits until exactly n chunks have been received.
func (s *Subscriber) AwaitItemCount(t *testing.T, n int) {
	require.Eventually(t, func() bool {
		return s.ItemCount() >= n
	}, AwaitTimeout, awaitTick, "expected %d items", n)
	require.Equal(t, n, s.ItemCount())
}

// AssertEmpty checks that nothing at all was signaled after OnSubscribe.
func (s *Subscriber) AssertEmpty(t *testing.T) {
	require.Zero(t, s.ItemCount(), "should have received no items")
	require.Zero(t, s.TerminalCount(), "should have received no terminal signal")
}
