// Package web exposes the streams of a hub over HTTP.
//
//   POST /streams        creates a stream and responds with its id
//   PUT  /streams/{id}   writes the request body into the stream, then closes it
//   GET  /streams/{id}   consumes the stream over a websocket
//
// A websocket consumer signals demand by sending text messages containing a positive decimal count. Every
// data chunk is sent as one binary message. When the stream completes, the socket is closed with
// StatusNormalClosure. When it fails, the socket is closed with StatusInternalError and the error as reason.
// Closing the socket from the client side cancels the stream.
//
// Because writes into a stream block until the consumer asked for them, an upload only proceeds as fast
// as its websocket consumer reads.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"

	"github.com/getlantern/golog"

	"github.com/getlantern/outstream/bridge"
	"github.com/getlantern/outstream/hub"
	"github.com/getlantern/outstream/stream"
)

const (
	maxCloseReason = 120
)

var (
	log = golog.LoggerFor("outstream.web")

	tracer = otel.Tracer("outstream.web")
)

type Handler interface {
	http.Handler

	// ActiveConnections tells us how many active websocket consumers the Handler has in flight
	ActiveConnections() int
}

type Opts struct {
	// How long to wait for a websocket consumer to accept a single chunk, defaults to 30 seconds
	SendTimeout time.Duration
	// Origin patterns accepted for websocket consumers in addition to the request's own host
	OriginPatterns []string
}

func (opts *Opts) ApplyDefaults() {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
		log.Debugf("Defaulted SendTimeout to: %v", opts.SendTimeout)
	}
}

type handler struct {
	hub               *hub.Hub
	sendTimeout       time.Duration
	originPatterns    []string
	activeConnections int64
}

func NewHandler(h *hub.Hub, opts *Opts) Handler {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()
	return &handler{
		hub:            h,
		sendTimeout:    opts.SendTimeout,
		originPatterns: opts.OriginPatterns,
	}
}

func (h *handler) ActiveConnections() int {
	return int(atomic.LoadInt64(&h.activeConnections))
}

func (h *handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	pathParts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if pathParts[0] != "streams" || len(pathParts) > 2 {
		resp.WriteHeader(http.StatusNotFound)
		return
	}

	if len(pathParts) == 1 {
		if req.Method != http.MethodPost {
			resp.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.create(resp, req)
		return
	}

	id := pathParts[1]
	b, found := h.hub.Get(id)
	if !found {
		resp.WriteHeader(http.StatusNotFound)
		return
	}

	switch req.Method {
	case http.MethodPut:
		h.upload(resp, req, id, b)
	case http.MethodGet:
		h.consume(resp, req, id, b)
	default:
		resp.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) create(resp http.ResponseWriter, req *http.Request) {
	id, _, err := h.hub.Create()
	if err != nil {
		log.Errorf("unable to create stream: %v", err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "text/plain")
	resp.WriteHeader(http.StatusCreated)
	fmt.Fprint(resp, id)
}

func (h *handler) upload(resp http.ResponseWriter, req *http.Request, id string, b *bridge.Bridge) {
	ctx, span := tracer.Start(req.Context(), "upload", trace.WithAttributes(attribute.String("stream.id", id)))
	defer span.End()

	n, err := io.Copy(&contextWriter{ctx: ctx, b: b}, req.Body)
	span.SetAttributes(attribute.Int64("stream.bytes", n))
	if err != nil {
		span.RecordError(err)
		if bridge.KindOf(err) == bridge.KindUnknown {
			// reading the body failed, fail the stream with that
			log.Debugf("unable to read upload for stream %v: %v", id, err)
			b.SignalCloseComplete(err)
			b.Close()
			resp.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Debugf("unable to write upload to stream %v: %v", id, err)
		resp.WriteHeader(http.StatusGone)
		fmt.Fprint(resp, err.Error())
		return
	}

	if err := b.Close(); err != nil {
		span.RecordError(err)
		log.Errorf("unable to close stream %v: %v", id, err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "text/plain")
	resp.WriteHeader(http.StatusOK)
	fmt.Fprint(resp, n)
}

type contextWriter struct {
	ctx context.Context
	b   *bridge.Bridge
}

func (w *contextWriter) Write(p []byte) (int, error) {
	return w.b.WriteContext(w.ctx, p)
}

func (h *handler) consume(resp http.ResponseWriter, req *http.Request, id string, b *bridge.Bridge) {
	ctx, span := tracer.Start(req.Context(), "consume", trace.WithAttributes(attribute.String("stream.id", id)))
	defer span.End()

	conn, err := websocket.Accept(resp, req, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Errorf("unable to upgrade to websocket: %v", err)
		return
	}

	atomic.AddInt64(&h.activeConnections, 1)
	defer atomic.AddInt64(&h.activeConnections, -1)

	sub := &socketSubscriber{
		ctx:          ctx,
		conn:         conn,
		sendTimeout:  h.sendTimeout,
		subscription: make(chan stream.Subscription, 1),
		done:         make(chan error, 1),
	}
	if err := b.Subscribe(sub); err != nil {
		log.Debugf("refusing consumer for stream %v: %v", id, err)
		conn.Close(websocket.StatusPolicyViolation, closeReason(err))
		return
	}
	// the consumer is gone once this returns, one way or the other
	defer h.hub.Remove(id)
	subscription := <-sub.subscription

	var wg sync.WaitGroup
	wg.Add(1)
	disconnected := make(chan error, 1)
	go func() {
		defer wg.Done()
		disconnected <- readDemand(ctx, conn, subscription)
	}()

	select {
	case err := <-sub.done:
		if err != nil {
			span.RecordError(err)
			log.Debugf("stream %v failed: %v", id, err)
			conn.Close(websocket.StatusInternalError, closeReason(err))
		} else {
			log.Debugf("stream %v complete", id)
			conn.Close(websocket.StatusNormalClosure, "")
		}
	case err := <-disconnected:
		log.Debugf("consumer of stream %v disconnected: %v", id, err)
		conn.Close(websocket.StatusNormalClosure, "")
	}
	wg.Wait()
}

// readDemand turns the text messages received on conn into requests on subscription until reading fails,
// at which point it cancels the subscription.
func readDemand(ctx context.Context, conn *websocket.Conn, subscription stream.Subscription) error {
	defer subscription.Cancel()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			log.Debugf("ignoring unexpected binary message from consumer")
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			conn.Close(websocket.StatusUnsupportedData, "demand must be a decimal number")
			return err
		}
		// non-positive demand is passed on for the stream to reject
		subscription.Request(n)
	}
}

type socketSubscriber struct {
	ctx          context.Context
	conn         *websocket.Conn
	sendTimeout  time.Duration
	subscription chan stream.Subscription
	done         chan error
}

func (s *socketSubscriber) OnSubscribe(subscription stream.Subscription) {
	s.subscription <- subscription
}

func (s *socketSubscriber) OnNext(c stream.Chunk) error {
	if c.IsFlush() {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.sendTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, c.Data())
}

func (s *socketSubscriber) OnError(err error) {
	s.done <- err
}

func (s *socketSubscriber) OnComplete() {
	s.done <- nil
}

func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return reason
}
