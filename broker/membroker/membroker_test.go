package membroker

import (
	"fmt"
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()

	pub, err := b.NewPublisher("topic")
	require.NoError(t, err)
	defer pub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish([]byte(fmt.Sprintf("msg%d", i))))
	}

	sub, err := b.NewSubscriber("topic")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		select {
		case msg := <-sub.Messages():
			require.Equal(t, fmt.Sprintf("msg%d", i), string(msg.Data()))
			if i < 3 {
				require.NoError(t, msg.Acker()())
			}
		case <-time.After(time.Second):
			t.Fatalf("missing message %d", i)
		}
	}

	// messages published after subscribing arrive too
	require.NoError(t, pub.Publish([]byte("msg5")))
	select {
	case msg := <-sub.Messages():
		require.Equal(t, "msg5", string(msg.Data()))
	case <-time.After(time.Second):
		t.Fatal("missing message published after subscribe")
	}
	require.NoError(t, sub.Close())

	t.Run("next subscriber gets only unacked messages", func(t *testing.T) {
		sub, err := b.NewSubscriber("topic")
		require.NoError(t, err)
		defer sub.Close()

		var received []string
	items:
		for {
			select {
			case msg := <-sub.Messages():
				received = append(received, string(msg.Data()))
			case <-time.After(100 * time.Millisecond):
				break items
			}
		}
		require.Equal(t, []string{"msg3", "msg4", "msg5"}, received)
	})

	t.Run("close ends the message channel", func(t *testing.T) {
		sub, err := b.NewSubscriber("other")
		require.NoError(t, err)
		require.NoError(t, sub.Close())
		select {
		case _, ok := <-sub.Messages():
			require.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("messages channel should be closed")
		}
	})
}
