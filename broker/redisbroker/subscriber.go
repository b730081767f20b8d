package redisbroker

import (
	"context"
	gerrors "errors"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/outstream/broker"
)

const (
	subscriberBuffer = 10
)

// subscriber forwards the batches that pollStreams hands it to its Messages channel, one batch at a time.
type subscriber struct {
	b         *redisBroker
	stream    string
	out       chan broker.Message
	batches   chan []*message
	forwarded chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewSubscriber subscribes to topicName, starting after the highest offset acked so far.
func (b *redisBroker) NewSubscriber(topicName string) (broker.Subscriber, error) {
	stream := streamName(topicName)
	offset, err := b.client.Get(context.Background(), offsetName(stream)).Result()
	switch {
	case gerrors.Is(err, redis.Nil):
		offset = minOffset
	case err != nil:
		return nil, err
	}
	return b.newSubscriber(stream, offset), nil
}

func (b *redisBroker) newSubscriber(stream string, offset string) *subscriber {
	sub := &subscriber{
		b:         b,
		stream:    stream,
		out:       make(chan broker.Message, subscriberBuffer),
		batches:   make(chan []*message),
		forwarded: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go sub.run(offset)
	return sub
}

// run keeps asking for the messages after offset and passes them on, skipping anything at or before
// offset. It gives up as soon as the subscriber is closed.
func (sub *subscriber) run(offset string) {
	defer close(sub.out)

	for {
		select {
		case sub.b.reads <- &readRequest{sub: sub, offset: offset}:
		case <-sub.done:
			return
		}

		var batch []*message
		select {
		case batch = <-sub.batches:
		case <-sub.done:
			return
		}
		for _, msg := range batch {
			if !offsetLessThan(offset, msg.offset) {
				continue
			}
			select {
			case sub.out <- msg:
				offset = msg.offset
			case <-sub.done:
				return
			}
		}

		select {
		case sub.forwarded <- struct{}{}:
		case <-sub.done:
			return
		}
	}
}

// send is called by pollStreams and returns once msgs have been passed on or the subscriber is closed.
func (sub *subscriber) send(msgs []*message) {
	select {
	case sub.batches <- msgs:
	case <-sub.done:
		return
	}
	select {
	case <-sub.forwarded:
	case <-sub.done:
	}
}

func (sub *subscriber) closed() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func (sub *subscriber) Messages() <-chan broker.Message {
	return sub.out
}

func (sub *subscriber) Close() error {
	sub.closeOnce.Do(func() {
		close(sub.done)
	})
	return nil
}

type message struct {
	b      *redisBroker
	sub    *subscriber
	offset string
	data   []byte
}

func (msg *message) Data() []byte {
	return msg.data
}

func (msg *message) Acker() func() error {
	return func() error {
		a := &pendingAck{
			stream: msg.sub.stream,
			offset: msg.offset,
			result: make(chan error, 1),
		}
		msg.b.acks <- a
		return <-a.result
	}
}
