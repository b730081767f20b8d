package hub

import (
	"time"

	"github.com/getlantern/errors"

	"github.com/getlantern/outstream/bridge"
	"github.com/getlantern/outstream/testsupport"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	defer h.Close()

	id, b, err := h.Create()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, h.Len())

	found, ok := h.Get(id)
	require.True(t, ok)
	require.Same(t, b, found)

	_, ok = h.Get("unknown")
	require.False(t, ok)

	otherID, _, err := h.Create()
	require.NoError(t, err)
	require.NotEqual(t, id, otherID)
	require.Equal(t, 2, h.Len())
}

func TestBridgeOpts(t *testing.T) {
	h, err := New(&Opts{Bridge: bridge.Opts{WriteTimeout: 50 * time.Millisecond}})
	require.NoError(t, err)
	defer h.Close()

	_, b, err := h.Create()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(testsupport.NewSubscriber(0)))

	_, err = b.Write([]byte("no demand"))
	require.True(t, bridge.IsTimeout(err))
}

func TestRemove(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	defer h.Close()

	id, b, err := h.Create()
	require.NoError(t, err)
	sub := testsupport.NewSubscriber(0)
	require.NoError(t, b.Subscribe(sub))

	written := make(chan error, 1)
	go func() {
		_, err := b.Write([]byte("blocked"))
		written <- err
	}()
	require.Eventually(t, func() bool {
		return b.Stats().Pending == 1
	}, testsupport.AwaitTimeout, 5*time.Millisecond)

	require.True(t, h.Remove(id))
	require.False(t, h.Remove(id), "already removed")
	_, ok := h.Get(id)
	require.False(t, ok)

	select {
	case err := <-written:
		require.ErrorIs(t, err, ErrRemoved)
	case <-time.After(testsupport.AwaitTimeout):
		t.Fatal("blocked writer should fail once its stream is removed")
	}
	sub.AwaitTerminal(t)
	require.Equal(t, ErrRemoved, sub.Err())
	require.Equal(t, bridge.Errored, b.State())
}

func TestEviction(t *testing.T) {
	h, err := New(&Opts{MaxStreams: 2})
	require.NoError(t, err)
	defer h.Close()

	first, b, err := h.Create()
	require.NoError(t, err)
	sub := testsupport.NewSubscriber(0)
	require.NoError(t, b.Subscribe(sub))

	_, _, err = h.Create()
	require.NoError(t, err)
	_, _, err = h.Create()
	require.NoError(t, err)

	require.Equal(t, 2, h.Len())
	_, ok := h.Get(first)
	require.False(t, ok, "least recently used stream should have been evicted")

	sub.AwaitTerminal(t)
	require.Equal(t, ErrRemoved, sub.Err())
	_, err = b.Write([]byte("too late"))
	require.Equal(t, bridge.KindTerminal, bridge.KindOf(err))
}

func TestRemoveCompletedStream(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	defer h.Close()

	id, b, err := h.Create()
	require.NoError(t, err)
	sub := testsupport.NewSubscriber(10)
	require.NoError(t, b.Subscribe(sub))
	_, err = b.Write([]byte("done"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.True(t, sub.Completed())

	require.True(t, h.Remove(id))
	h.Close()
	require.NoError(t, sub.Err(), "completed stream is unaffected by removal")
	require.Equal(t, 1, sub.TerminalCount())
}

func TestOnCreate(t *testing.T) {
	t.Run("attaches subscriber", func(t *testing.T) {
		subs := make(map[string]*testsupport.Subscriber)
		h, err := New(&Opts{
			OnCreate: func(id string, b *bridge.Bridge) error {
				sub := testsupport.NewSubscriber(1)
				subs[id] = sub
				return b.Subscribe(sub)
			},
		})
		require.NoError(t, err)
		defer h.Close()

		id, b, err := h.Create()
		require.NoError(t, err)
		_, err = b.Write([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, []string{"hello"}, subs[id].Strings())
	})

	t.Run("failure aborts create", func(t *testing.T) {
		h, err := New(&Opts{
			OnCreate: func(id string, b *bridge.Bridge) error {
				return errors.New("no sink available")
			},
		})
		require.NoError(t, err)
		defer h.Close()

		_, _, err = h.Create()
		require.Error(t, err)
		require.Contains(t, err.Error(), "no sink available")
		require.Zero(t, h.Len())
	})
}
