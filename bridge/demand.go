package bridge

import (
	"github.com/getlantern/outstream/stream"
)

// demand is a saturating count of chunks the subscriber is still willing to receive. Once it
// reaches stream.Unbounded it stays there and is never decremented.
type demand int64

func (d *demand) add(n int64) {
	if *d == stream.Unbounded {
		return
	}
	sum := int64(*d) + n
	if sum < 0 || sum >= stream.Unbounded {
		// overflowed
		*d = stream.Unbounded
		return
	}
	*d = demand(sum)
}

// take consumes one unit of demand, returning false if there was none.
func (d *demand) take() bool {
	switch {
	case *d == stream.Unbounded:
		return true
	case *d > 0:
		*d--
		return true
	default:
		return false
	}
}

// covers reports whether the n-th chunk from now would still be within demand.
func (d demand) covers(n int64) bool {
	return d.unbounded() || int64(d) >= n
}

func (d demand) unbounded() bool {
	return d == stream.Unbounded
}

func (d demand) value() int64 {
	return int64(d)
}
