package bridge

import (
	"fmt"

	"github.com/getlantern/errors"
)

// Kind classifies why a Write or Close failed.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTerminal means the stream already completed or errored.
	KindTerminal
	// KindTimeout means a blocked write gave up waiting for demand.
	KindTimeout
	// KindCancelled means the subscriber cancelled.
	KindCancelled
	// KindDelivery means the subscriber failed while handling a chunk.
	KindDelivery
	// KindRegistered wraps an error registered with SignalCloseComplete.
	KindRegistered
)

var kindDescriptions = map[Kind]string{
	KindUnknown:    "unknown error",
	KindTerminal:   "stream closed",
	KindTimeout:    "timeout waiting for demand",
	KindCancelled:  "subscription canceled",
	KindDelivery:   "error delivering chunk",
	KindRegistered: "error signaled on close",
}

func (k Kind) String() string {
	return kindDescriptions[k]
}

var (
	ErrAlreadySubscribed = errors.New("stream already has a subscriber")
	ErrNilSubscriber     = errors.New("subscriber must not be nil")
	ErrInvalidDemand     = errors.New("requested demand must be positive")
	ErrClosed            = errors.New("write after close")
)

// Error is the error returned from Write and Close. Cause, if present, is what triggered it
// and is reachable through errors.Is/errors.As.
type Error struct {
	Kind  Kind
	Cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (err *Error) Error() string {
	if err.Cause == nil {
		return err.Kind.String()
	}
	return fmt.Sprintf("%v: %v", err.Kind, err.Cause)
}

func (err *Error) Unwrap() error {
	return err.Cause
}

// Timeout lets callers that only know about net.Error-style timeouts detect expired writes.
func (err *Error) Timeout() bool {
	return err.Kind == KindTimeout
}

// KindOf returns the Kind of err, or KindUnknown if err isn't a bridge Error.
func KindOf(err error) Kind {
	for err != nil {
		typed, ok := err.(*Error)
		if ok {
			return typed.Kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindUnknown
		}
		err = unwrapper.Unwrap()
	}
	return KindUnknown
}

// IsTimeout indicates whether err came from a write that timed out waiting for demand.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsCancelled indicates whether err came from a cancelled subscription.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
