// package webclient consumes a remote outstream stream via its websocket front end
package webclient

import (
	"context"
	gerrors "errors"
	"strconv"
	"sync"

	"nhooyr.io/websocket"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/outstream/stream"
)

const (
	// chunks can be as large as whatever the producer wrote in a single call
	readLimit = 16 * 1024 * 1024
)

var (
	log = golog.LoggerFor("outstream.webclient")
)

// Consume connects to the stream at the given websocket url and drives sub with it until the stream
// terminates, sub cancels or ctx is done. Requests made by sub are sent to the remote stream. Consume
// returns nil when the stream completed or sub cancelled, and the stream's error otherwise.
func Consume(ctx context.Context, url string, sub stream.Subscriber) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return errors.New("unable to connect to %v: %v", url, err)
	}
	conn.SetReadLimit(readLimit)

	s := &remoteSubscription{
		ctx:  ctx,
		conn: conn,
	}
	sub.OnSubscribe(s)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if s.isCancelled() {
				return nil
			}
			var closeErr websocket.CloseError
			if gerrors.As(err, &closeErr) {
				if closeErr.Code == websocket.StatusNormalClosure {
					sub.OnComplete()
					return nil
				}
				err = errors.New("remote stream failed: %v", closeErr.Reason)
			} else {
				err = errors.New("error reading from stream: %v", err)
			}
			sub.OnError(err)
			return err
		}
		if typ != websocket.MessageBinary {
			log.Debugf("ignoring unexpected text message")
			continue
		}
		if err := sub.OnNext(stream.Data(data)); err != nil {
			s.Cancel()
			err = errors.New("subscriber failed: %v", err)
			sub.OnError(err)
			return err
		}
	}
}

type remoteSubscription struct {
	ctx       context.Context
	conn      *websocket.Conn
	mx        sync.Mutex
	cancelled bool
}

func (s *remoteSubscription) Request(n int64) {
	if s.isCancelled() {
		return
	}
	err := s.conn.Write(s.ctx, websocket.MessageText, []byte(strconv.FormatInt(n, 10)))
	if err != nil {
		log.Debugf("unable to send demand: %v", err)
	}
}

func (s *remoteSubscription) Cancel() {
	s.mx.Lock()
	if s.cancelled {
		s.mx.Unlock()
		return
	}
	s.cancelled = true
	s.mx.Unlock()

	log.Debug("cancelling remote stream")
	s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *remoteSubscription) isCancelled() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cancelled
}
