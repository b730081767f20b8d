package bridge

import (
	"github.com/getlantern/outstream/stream"
)

// Subscribe attaches s as the Bridge's only subscriber. s receives OnSubscribe before anything else.
// If the stream already finished, s receives the terminal signal right after OnSubscribe.
func (b *Bridge) Subscribe(s stream.Subscriber) error {
	if s == nil {
		return ErrNilSubscriber
	}

	b.mx.Lock()
	if b.sub != nil {
		b.mx.Unlock()
		return ErrAlreadySubscribed
	}
	b.sub = s
	if b.state == Unsubscribed {
		b.state = Active
	}
	// Hold the drain loop while s learns about its subscription. Anything that happens in the meantime,
	// including requests made from within OnSubscribe, is picked up by the drainLocked below.
	b.draining = true
	b.mx.Unlock()

	log.Debug("Subscribed")
	s.OnSubscribe(&subscription{b})

	b.mx.Lock()
	b.drainLocked()
	b.mx.Unlock()
	return nil
}

type subscription struct {
	b *Bridge
}

func (s *subscription) Request(n int64) {
	s.b.request(n)
}

func (s *subscription) Cancel() {
	s.b.cancel()
}

func (b *Bridge) request(n int64) {
	b.mx.Lock()
	if b.state != Active {
		b.mx.Unlock()
		return
	}
	if n <= 0 {
		log.Debugf("Failing stream on non-positive request %d", n)
		b.failLocked(Errored, newError(KindTerminal, ErrInvalidDemand), ErrInvalidDemand, true)
		b.mx.Unlock()
		b.drain()
		return
	}
	b.demand.add(n)
	total := b.demand.value()
	hook := b.onRequest
	b.mx.Unlock()

	b.drain()
	if hook != nil {
		runHook(hook, n, total)
	}
}

func runHook(hook func(int64, int64), n int64, total int64) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic in request hook: %v", r)
		}
	}()
	hook(n, total)
}

func (b *Bridge) cancel() {
	b.mx.Lock()
	defer b.mx.Unlock()

	switch {
	case !b.state.Terminal():
		log.Debugf("Cancelled with %d pending writes", b.queue.len())
		b.failLocked(Cancelled, newError(KindCancelled, nil), nil, false)
	case b.state == Errored:
		// the subscriber doesn't want to hear about the deferred failure anymore
		b.signalled = true
		b.cond.Broadcast()
	}
}
