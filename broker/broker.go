// Package broker defines topic based messaging used to carry stream chunks between processes.
package broker

// Message is a single message received from a topic.
type Message interface {
	Data() []byte

	// Acker returns a function that acknowledges this message so that it isn't redelivered to new
	// subscribers.
	Acker() func() error
}

type Subscriber interface {
	// Messages returns the channel of messages for the subscribed topic. It's closed when the Subscriber is closed.
	Messages() <-chan Message

	Close() error
}

type Publisher interface {
	Publish(msg []byte) error

	Close() error
}

type Broker interface {
	NewSubscriber(topic string) (Subscriber, error)

	NewPublisher(topic string) (Publisher, error)
}
