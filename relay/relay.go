// Package relay connects streams to broker topics, in both directions.
//
// Publish returns a subscriber that forwards a stream's chunks to a topic, requesting them in batches.
// Pump writes the messages of a topic into a stream and acks each one only once the stream's
// subscriber has received it, so a slow consumer holds back the topic rather than losing data.
package relay

import (
	"context"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/outstream/broker"
	"github.com/getlantern/outstream/stream"
)

var (
	log = golog.LoggerFor("outstream.relay")
)

type Opts struct {
	// How many chunks to request from the stream at a time, defaults to 16
	BatchSize int64
	// Called once the stream completes (with nil) or fails
	OnDone func(err error)
}

func (opts *Opts) ApplyDefaults() {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
		log.Debugf("Defaulted BatchSize to: %d", opts.BatchSize)
	}
	if opts.OnDone == nil {
		opts.OnDone = func(err error) {}
	}
}

// Publish creates a Subscriber that publishes every data chunk it receives to pub. Flush markers aren't
// published. If publishing fails, the chunk's delivery fails, which fails the writer that produced it.
// pub is closed once the stream ends.
func Publish(pub broker.Publisher, opts *Opts) stream.Subscriber {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()
	return &publishingSubscriber{
		pub:       pub,
		batchSize: opts.BatchSize,
		onDone:    opts.OnDone,
	}
}

type publishingSubscriber struct {
	pub          broker.Publisher
	batchSize    int64
	onDone       func(error)
	subscription stream.Subscription
	remaining    int64
}

func (s *publishingSubscriber) OnSubscribe(subscription stream.Subscription) {
	s.subscription = subscription
	s.remaining = s.batchSize
	subscription.Request(s.batchSize)
}

func (s *publishingSubscriber) OnNext(c stream.Chunk) error {
	s.remaining--
	if c.Len() > 0 {
		if err := s.pub.Publish(c.Data()); err != nil {
			return errors.New("unable to publish chunk: %v", err)
		}
	}
	if s.remaining == 0 {
		s.remaining = s.batchSize
		s.subscription.Request(s.batchSize)
	}
	return nil
}

func (s *publishingSubscriber) OnError(err error) {
	log.Errorf("Stream failed, stopping relay: %v", err)
	s.finish(err)
}

func (s *publishingSubscriber) OnComplete() {
	s.finish(nil)
}

func (s *publishingSubscriber) finish(err error) {
	if closeErr := s.pub.Close(); closeErr != nil {
		log.Errorf("Unable to close publisher: %v", closeErr)
	}
	s.onDone(err)
}

// Writer is the producer side of a stream that Pump writes into, typically a *bridge.Bridge.
type Writer interface {
	WriteContext(ctx context.Context, p []byte) (int, error)

	Close() error
}

// Pump writes every message received by sub into w, acking each message once its Write returned. It
// returns when ctx is done or sub's messages end, in which case it closes w and returns the result of
// that. If a Write fails for any other reason, Pump returns that error without acking the message
// and leaves w open.
func Pump(ctx context.Context, sub broker.Subscriber, w Writer) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return w.Close()
		case msg, ok := <-sub.Messages():
			if !ok {
				return w.Close()
			}
			if _, err := w.WriteContext(ctx, msg.Data()); err != nil {
				if ctx.Err() != nil {
					return w.Close()
				}
				log.Debugf("Unable to write message to stream: %v", err)
				return err
			}
			if err := msg.Acker()(); err != nil {
				log.Errorf("Unable to ack message: %v", err)
			}
		}
	}
}
