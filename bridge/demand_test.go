package bridge

import (
	"math"

	"github.com/getlantern/outstream/stream"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestDemand(t *testing.T) {
	var d demand
	require.False(t, d.covers(1))
	require.False(t, d.take())

	d.add(2)
	require.True(t, d.covers(2))
	require.False(t, d.covers(3))
	require.True(t, d.take())
	require.True(t, d.take())
	require.False(t, d.take())
	require.Zero(t, d.value(), "demand must never go negative")
}

func TestDemandSaturates(t *testing.T) {
	var d demand
	d.add(math.MaxInt64 - 1)
	require.False(t, d.unbounded())
	d.add(1)
	require.True(t, d.unbounded())
	require.True(t, d.covers(math.MaxInt64))

	d = 0
	d.add(10)
	d.add(math.MaxInt64 - 5)
	require.True(t, d.unbounded(), "overflowing sums should saturate")

	for i := 0; i < 1000; i++ {
		require.True(t, d.take())
	}
	d.add(5)
	require.EqualValues(t, stream.Unbounded, d.value(), "unbounded demand is never consumed")
}

func TestQueue(t *testing.T) {
	q := &queue{}
	a := newPendingWrite(stream.Data([]byte("a")))
	b := newPendingWrite(stream.Data([]byte("b")))
	c := newPendingWrite(stream.Flush())
	q.push(a)
	q.push(b)
	q.push(c)

	require.Equal(t, 2, q.position(b))
	require.True(t, q.remove(b))
	require.Zero(t, q.position(b))
	require.False(t, q.remove(b))
	require.Equal(t, a, q.pop())

	require.Equal(t, 1, q.failAll(ErrClosed))
	require.Equal(t, ErrClosed, <-c.done)
	require.Nil(t, q.pop())
	require.Zero(t, q.len())
}
