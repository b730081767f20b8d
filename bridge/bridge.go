// Package bridge turns a blocking io.WriteCloser into a demand-driven stream.Publisher.
//
// Each Write becomes one chunk. A Write returns once its chunk has been handed to the subscriber,
// which only happens when the subscriber has requested it. Until then the writing goroutine blocks,
// bounded by an optional timeout, its context and cancellation of the subscription. This gives the
// producer the backpressure of the consumer without either side polling.
//
// All state (queue, demand and subscription state) lives behind a single mutex, which also guards the
// wake-up of blocked writers. Subscriber callbacks run outside of that mutex but are serialized by a
// single-flight drain loop, so a subscriber never sees concurrent calls.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/getlantern/golog"

	"github.com/getlantern/outstream/stream"
)

var (
	log = golog.LoggerFor("outstream.bridge")
)

type Opts struct {
	// How long a Write may block waiting for demand before failing with KindTimeout. Zero (the default) waits indefinitely.
	WriteTimeout time.Duration
	// If true, a Write that times out also cancels the stream so that all subsequent writes fail. Defaults to false, in which
	// case only the timed out call fails and later writes may still succeed once demand arrives.
	CancelOnTimeout bool
}

func (opts *Opts) ApplyDefaults() {
	if opts.WriteTimeout < 0 {
		opts.WriteTimeout = 0
		log.Debug("Defaulted WriteTimeout to wait indefinitely")
	}
}

// Bridge is an io.WriteCloser whose writes are published as chunks to a single subscriber.
type Bridge struct {
	writeTimeout    time.Duration
	cancelOnTimeout bool

	mx   sync.Mutex
	cond *sync.Cond

	state     State
	sub       stream.Subscriber
	demand    demand
	queue     queue
	closing   bool
	closeErr  error // fails the stream instead of completing it once closing
	cause     *Error // returned to writers once terminal
	signalErr error  // passed to OnError
	notify    bool   // a terminal signal is due to the subscriber
	signalled bool
	draining  bool
	missed    bool

	registered error
	onRequest  func(n int64, total int64)

	delivered int64
	dropped   int64
}

// New constructs a Bridge. opts may be nil.
func New(opts *Opts) *Bridge {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()
	b := &Bridge{
		writeTimeout:    opts.WriteTimeout,
		cancelOnTimeout: opts.CancelOnTimeout,
	}
	b.cond = sync.NewCond(&b.mx)
	return b
}

// Write publishes a copy of p as a single chunk and blocks until it has been delivered. An empty p
// publishes a flush marker.
//
// A chunk that's already covered by outstanding demand but can't be delivered right away, because a
// delivery is in flight (for example when writing from a request hook), is accepted without waiting.
// If delivering it fails later on, the failure surfaces on the next Write or Close.
func (b *Bridge) Write(p []byte) (int, error) {
	return b.WriteContext(context.Background(), p)
}

// WriteContext is like Write but also gives up when ctx is done.
func (b *Bridge) WriteContext(ctx context.Context, p []byte) (int, error) {
	chunk := stream.Flush()
	if len(p) > 0 {
		data := make([]byte, len(p))
		copy(data, p)
		chunk = stream.Data(data)
	}
	if err := b.emit(ctx, chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush publishes a flush marker and waits for it to be delivered.
func (b *Bridge) Flush() error {
	return b.emit(context.Background(), stream.Flush())
}

func (b *Bridge) emit(ctx context.Context, chunk stream.Chunk) error {
	b.mx.Lock()
	if err := b.writableLocked(); err != nil {
		b.mx.Unlock()
		return err
	}
	pw := newPendingWrite(chunk)
	b.queue.push(pw)
	b.mx.Unlock()

	b.drain()

	b.mx.Lock()
	reserved := b.reservedLocked(pw)
	b.mx.Unlock()
	if reserved {
		return nil
	}
	return b.await(ctx, pw)
}

// reservedLocked reports whether pw is still queued but already covered by outstanding demand. That
// only happens while another drain is in flight, possibly further up this goroutine's stack (a request
// made from OnSubscribe or OnNext whose hook writes), and that drain is bound to deliver pw.
func (b *Bridge) reservedLocked(pw *pendingWrite) bool {
	if b.state != Active {
		return false
	}
	position := b.queue.position(pw)
	return position > 0 && b.demand.covers(int64(position))
}

func (b *Bridge) writableLocked() error {
	if b.cause != nil {
		return b.cause
	}
	if b.closing || b.state.Terminal() {
		return newError(KindTerminal, ErrClosed)
	}
	return nil
}

// await blocks until pw has a result, or until the timeout or ctx gives up on it.
func (b *Bridge) await(ctx context.Context, pw *pendingWrite) error {
	var timeout <-chan time.Time
	if b.writeTimeout > 0 {
		timer := time.NewTimer(b.writeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-pw.done:
		return err
	case <-timeout:
		return b.abandon(pw, newError(KindTimeout, nil), b.cancelOnTimeout)
	case <-ctx.Done():
		return b.abandon(pw, newError(KindTimeout, ctx.Err()), false)
	}
}

// abandon withdraws pw from the queue. If it's too late for that, the chunk is already on its way to
// the subscriber (or was failed) and we report that outcome instead.
func (b *Bridge) abandon(pw *pendingWrite, err error, cancel bool) error {
	b.mx.Lock()
	removed := b.queue.remove(pw)
	if removed {
		b.dropped++
		b.cond.Broadcast()
	}
	b.mx.Unlock()

	if !removed {
		return <-pw.done
	}
	if cancel {
		log.Debug("Cancelling stream after write timeout")
		b.cancel()
	}
	return err
}

// Close completes the stream once everything already written has been delivered. If an error was
// registered with SignalCloseComplete, Close delivers only what outstanding demand allows, fails the
// stream with the error (failing any writes still waiting) and returns it wrapped in a KindRegistered
// Error.
//
// Close only blocks while chunks queued by other goroutines are still waiting for demand. With
// nothing pending, it returns immediately even if no subscriber ever attached.
func (b *Bridge) Close() error {
	b.mx.Lock()
	registered := b.registered
	b.registered = nil
	switch {
	case !b.state.Terminal():
		b.closing = true
		b.closeErr = registered
	case b.state == Errored:
		// release the OnError deferred by a delivery failure
		b.notify = true
	}
	b.mx.Unlock()

	if registered != nil {
		b.failAfterFlush(registered)
	}

	for {
		b.drain()
		b.mx.Lock()
		settled := b.settledLocked()
		if !settled {
			b.cond.Wait()
		}
		b.mx.Unlock()
		if settled {
			break
		}
	}

	if registered != nil {
		return newError(KindRegistered, registered)
	}
	return nil
}

// failAfterFlush delivers whatever outstanding demand allows and then fails the stream with err,
// discarding chunks that nobody asked for yet.
func (b *Bridge) failAfterFlush(err error) {
	b.drain()
	b.mx.Lock()
	defer b.mx.Unlock()
	for b.draining {
		b.cond.Wait()
	}
	if !b.state.Terminal() {
		log.Debugf("Closing stream with error: %v", err)
		b.failLocked(Errored, newError(KindTerminal, err), err, true)
	}
}

func (b *Bridge) settledLocked() bool {
	if !b.state.Terminal() {
		return false
	}
	if b.sub == nil || b.state == Cancelled {
		return true
	}
	return b.signalled || !b.notify
}

// SignalCloseComplete registers err to be returned by the next call to Close. Only the most recently
// registered error is kept.
func (b *Bridge) SignalCloseComplete(err error) {
	b.mx.Lock()
	b.registered = err
	b.mx.Unlock()
}

// OnRequest registers a hook that's called on the requesting goroutine each time the subscriber adds
// demand, with the requested amount and the resulting total demand. Writes made from the hook that stay
// within that demand don't block. Panics in the hook are logged and swallowed.
func (b *Bridge) OnRequest(hook func(n int64, total int64)) *Bridge {
	b.mx.Lock()
	b.onRequest = hook
	b.mx.Unlock()
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.state
}

// Stats is a snapshot of a Bridge's counters.
type Stats struct {
	State     State
	Delivered int64
	// Dropped counts chunks that were written but never delivered, because of a timeout, cancellation or failure.
	Dropped int64
	// Demand is the outstanding demand, stream.Unbounded if unbounded.
	Demand int64
	// Pending is the number of chunks queued for delivery.
	Pending int
}

func (b *Bridge) Stats() Stats {
	b.mx.Lock()
	defer b.mx.Unlock()
	return Stats{
		State:     b.state,
		Delivered: b.delivered,
		Dropped:   b.dropped,
		Demand:    b.demand.value(),
		Pending:   b.queue.len(),
	}
}

// failLocked moves to a terminal state and fails all queued writes with cause. If notify is false the
// subscriber is only told about signalErr on the next Close.
func (b *Bridge) failLocked(state State, cause *Error, signalErr error, notify bool) {
	if b.state.Terminal() {
		return
	}
	b.state = state
	b.cause = cause
	b.signalErr = signalErr
	if notify {
		b.notify = true
	}
	b.dropped += int64(b.queue.failAll(cause))
	b.cond.Broadcast()
}
