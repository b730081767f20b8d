package bridge

import (
	"github.com/getlantern/errors"

	"github.com/getlantern/outstream/stream"
)

// drain delivers as many queued chunks as demand allows and emits any due terminal signal. Only one
// goroutine drains at a time. Anyone arriving while a drain is in flight just flags it as missed, and
// the draining goroutine goes around once more, so no update is lost and the subscriber is never
// called concurrently.
func (b *Bridge) drain() {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.draining {
		b.missed = true
		return
	}
	b.draining = true
	b.drainLocked()
}

// drainLocked runs the drain loop. The caller must hold mx and have claimed draining, which is
// released before returning. mx is released while calling the subscriber.
func (b *Bridge) drainLocked() {
	for {
		b.missed = false

		for b.state == Active && b.queue.len() > 0 && b.demand.take() {
			pw := b.queue.pop()
			sub := b.sub
			b.mx.Unlock()
			err := deliver(sub, pw.chunk)
			b.mx.Lock()
			if err != nil {
				log.Debugf("Subscriber failed to handle chunk, failing stream: %v", err)
				failure := newError(KindDelivery, err)
				pw.finish(failure)
				// OnError is held back until the producer closes
				b.failLocked(Errored, failure, failure, false)
				break
			}
			b.delivered++
			pw.finish(nil)
		}

		if b.closing && b.queue.len() == 0 && !b.state.Terminal() {
			if b.closeErr != nil {
				log.Debugf("Closing stream with error: %v", b.closeErr)
				b.failLocked(Errored, newError(KindTerminal, b.closeErr), b.closeErr, true)
			} else {
				b.state = Completed
				b.notify = true
				log.Debugf("Completed after delivering %d chunks", b.delivered)
			}
		}

		if b.sub != nil && b.notify && !b.signalled && (b.state == Completed || b.state == Errored) {
			b.signalled = true
			sub, state, signalErr := b.sub, b.state, b.signalErr
			b.mx.Unlock()
			signal(sub, state, signalErr)
			b.mx.Lock()
		}

		if !b.missed {
			break
		}
	}
	b.draining = false
	b.cond.Broadcast()
}

func deliver(sub stream.Subscriber, chunk stream.Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in OnNext: %v", r)
		}
	}()
	return sub.OnNext(chunk)
}

func signal(sub stream.Subscriber, state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic signaling %v to subscriber: %v", state, r)
		}
	}()
	if state == Completed {
		sub.OnComplete()
	} else {
		sub.OnError(err)
	}
}
