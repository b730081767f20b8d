// membroker implements a memory-based broker.Broker. Messages stay on their topic until acked, and every new
// subscriber starts from the oldest unacked message. It's meant for tests and single process deployments.
package membroker

import (
	"sync"

	"github.com/getlantern/outstream/broker"
	"github.com/getlantern/trace"
)

var (
	tracer = trace.NewTracer("membroker")
)

func New() broker.Broker {
	return &membroker{
		topics: make(map[string]*topic),
	}
}

type topic struct {
	seq      int
	messages map[int][]byte
	// published is closed (and replaced) whenever a message is published
	published chan interface{}
	mx        sync.Mutex
}

func (t *topic) Publish(msg []byte) error {
	_, span := tracer.Continue("publish")
	defer span.End()

	data := make([]byte, len(msg))
	copy(data, msg)

	t.mx.Lock()
	defer t.mx.Unlock()

	t.messages[t.seq] = data
	t.seq++
	close(t.published)
	t.published = make(chan interface{})

	return nil
}

func (t *topic) Close() error {
	return nil
}

func (t *topic) ack(seq int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	delete(t.messages, seq)
}

// since returns the retained messages starting at offset, the offset following them and a channel
// that's closed once more messages are published.
func (t *topic) since(offset int) ([]*message, int, <-chan interface{}) {
	t.mx.Lock()
	defer t.mx.Unlock()

	var msgs []*message
	for ; offset < t.seq; offset++ {
		data, found := t.messages[offset]
		if found {
			msgs = append(msgs, &message{
				t:    t,
				seq:  offset,
				data: data,
			})
		}
	}
	return msgs, offset, t.published
}

type message struct {
	t    *topic
	seq  int
	data []byte
}

func (msg *message) Data() []byte {
	return msg.data
}

func (msg *message) Acker() func() error {
	t := msg.t
	seq := msg.seq

	return func() error {
		t.ack(seq)
		return nil
	}
}

type subscriber struct {
	t         *topic
	ch        chan broker.Message
	closeCh   chan interface{}
	closeOnce sync.Once
}

func (s *subscriber) process() {
	defer close(s.ch)

	offset := 0
	for {
		msgs, nextOffset, published := s.t.since(offset)
		offset = nextOffset
		for _, msg := range msgs {
			select {
			case s.ch <- msg:
				// okay
			case <-s.closeCh:
				return
			}
		}

		select {
		case <-s.closeCh:
			return
		case <-published:
			// read more
		}
	}
}

func (s *subscriber) Messages() <-chan broker.Message {
	return s.ch
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	return nil
}

type membroker struct {
	topics map[string]*topic
	mx     sync.Mutex
}

func (mb *membroker) NewSubscriber(topicName string) (broker.Subscriber, error) {
	s := &subscriber{
		t:       mb.getOrCreateTopic(topicName),
		ch:      make(chan broker.Message),
		closeCh: make(chan interface{}),
	}
	go s.process()
	return s, nil
}

func (mb *membroker) NewPublisher(topicName string) (broker.Publisher, error) {
	return mb.getOrCreateTopic(topicName), nil
}

func (mb *membroker) getOrCreateTopic(topicName string) *topic {
	mb.mx.Lock()
	defer mb.mx.Unlock()

	t := mb.topics[topicName]
	if t == nil {
		t = &topic{
			messages:  make(map[int][]byte),
			published: make(chan interface{}),
		}
		mb.topics[topicName] = t
	}

	return t
}
