package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/outstream/bridge"
	"github.com/getlantern/outstream/broker"
	"github.com/getlantern/outstream/broker/membroker"
	"github.com/getlantern/outstream/testsupport"

	"testing"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub broker.Subscriber, n int) []string {
	var result []string
	for i := 0; i < n; i++ {
		select {
		case msg := <-sub.Messages():
			result = append(result, string(msg.Data()))
			require.NoError(t, msg.Acker()())
		case <-time.After(time.Second):
			t.Fatalf("only received %d of %d messages", i, n)
		}
	}
	return result
}

func TestPublish(t *testing.T) {
	mb := membroker.New()
	pub, err := mb.NewPublisher("chunks")
	require.NoError(t, err)

	done := make(chan error, 1)
	b := bridge.New(nil)
	require.NoError(t, b.Subscribe(Publish(pub, &Opts{
		BatchSize: 3,
		OnDone: func(err error) {
			done <- err
		},
	})))

	var expected []string
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("chunk%d", i)
		expected = append(expected, msg)
		_, err := b.Write([]byte(msg))
		require.NoError(t, err)
	}
	require.NoError(t, b.Flush(), "flush markers still consume demand")
	require.NoError(t, b.Close())
	require.NoError(t, <-done)

	sub, err := mb.NewSubscriber("chunks")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, expected, receive(t, sub, len(expected)))
}

type failingPublisher struct{}

func (p *failingPublisher) Publish(msg []byte) error {
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error {
	return nil
}

func TestPublishFailureFailsWriter(t *testing.T) {
	done := make(chan error, 1)
	b := bridge.New(nil)
	require.NoError(t, b.Subscribe(Publish(&failingPublisher{}, &Opts{
		OnDone: func(err error) {
			done <- err
		},
	})))

	_, err := b.Write([]byte("data"))
	require.Equal(t, bridge.KindDelivery, bridge.KindOf(err))
	require.Contains(t, err.Error(), "broker down")

	require.NoError(t, b.Close())
	require.Error(t, <-done)
}

func TestPump(t *testing.T) {
	mb := membroker.New()
	pub, err := mb.NewPublisher("in")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish([]byte(fmt.Sprintf("msg%d", i))))
	}

	b := bridge.New(nil)
	sub := testsupport.NewSubscriber(2)
	require.NoError(t, b.Subscribe(sub))

	topicSub, err := mb.NewSubscriber("in")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pumped := make(chan error, 1)
	go func() {
		pumped <- Pump(ctx, topicSub, b)
	}()

	sub.AwaitItemCount(t, 2)
	require.Never(t, func() bool {
		return sub.ItemCount() > 2
	}, 50*time.Millisecond, 5*time.Millisecond, "the topic should be held back by demand")

	sub.Request(3)
	sub.AwaitItemCount(t, 5)
	require.Equal(t, []string{"msg0", "msg1", "msg2", "msg3", "msg4"}, sub.Strings())

	cancel()
	select {
	case err := <-pumped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump should stop when its context is done")
	}
	require.True(t, sub.Completed())

	// everything was acked
	next, err := mb.NewSubscriber("in")
	require.NoError(t, err)
	defer next.Close()
	select {
	case msg := <-next.Messages():
		t.Fatalf("unexpected unacked message %v", string(msg.Data()))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPumpWriteFailure(t *testing.T) {
	mb := membroker.New()
	pub, err := mb.NewPublisher("in")
	require.NoError(t, err)
	require.NoError(t, pub.Publish([]byte("msg")))

	b := bridge.New(nil)
	sub := testsupport.NewSubscriber(0)
	require.NoError(t, b.Subscribe(sub))
	sub.Cancel()

	topicSub, err := mb.NewSubscriber("in")
	require.NoError(t, err)
	err = Pump(context.Background(), topicSub, b)
	require.Error(t, err)
	require.True(t, bridge.IsCancelled(err))
}

func TestRelayBetweenBridges(t *testing.T) {
	mb := membroker.New()
	pub, err := mb.NewPublisher("relay")
	require.NoError(t, err)

	source := bridge.New(nil)
	require.NoError(t, source.Subscribe(Publish(pub, nil)))

	sink := bridge.New(nil)
	consumer := testsupport.NewSubscriber(0)
	require.NoError(t, sink.Subscribe(consumer))

	topicSub, err := mb.NewSubscriber("relay")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Pump(ctx, topicSub, sink)

	for i := 0; i < 20; i++ {
		_, err := source.Write([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, source.Close())

	consumer.RequestMax()
	consumer.AwaitItemCount(t, 20)
	for i, s := range consumer.Strings() {
		require.Equal(t, fmt.Sprintf("%d", i), s)
	}
}
