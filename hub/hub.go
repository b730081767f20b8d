// Package hub keeps a bounded registry of named bridges, so that the producer and the consumer of a
// stream can find it independently of each other.
package hub

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/outstream/bridge"
)

var (
	log = golog.LoggerFor("outstream.hub")

	// ErrRemoved is what the consumer of a stream sees when the stream is removed from the hub or evicted
	// from it before it completed.
	ErrRemoved = errors.New("stream removed from hub")
)

type Opts struct {
	// How many streams to keep, defaults to 1000. Once full, the least recently used stream is evicted.
	MaxStreams int
	// Options for every bridge the hub creates
	Bridge bridge.Opts
	// Optional hook called for every newly created stream before it's registered. If it returns an error,
	// the stream is closed and Create fails.
	OnCreate func(id string, b *bridge.Bridge) error
}

func (opts *Opts) ApplyDefaults() {
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = 1000
		log.Debugf("Defaulted MaxStreams to: %d", opts.MaxStreams)
	}
	opts.Bridge.ApplyDefaults()
}

type Hub struct {
	streams    *lru.Cache
	bridgeOpts bridge.Opts
	onCreate   func(id string, b *bridge.Bridge) error
	active     syncint64.UpDownCounter
	retiring   sync.WaitGroup
}

func New(opts *Opts) (*Hub, error) {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()

	active, err := global.Meter("outstream.hub").SyncInt64().UpDownCounter("outstream.streams.active")
	if err != nil {
		return nil, errors.New("unable to create active streams instrument: %v", err)
	}

	h := &Hub{
		bridgeOpts: opts.Bridge,
		onCreate:   opts.OnCreate,
		active:     active,
	}
	h.streams, err = lru.NewWithEvict(opts.MaxStreams, func(key, value interface{}) {
		// the cache is locked while evicting, so retire in the background
		h.retiring.Add(1)
		go h.retire(key.(string), value.(*bridge.Bridge))
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Create creates a new stream and returns its id.
func (h *Hub) Create() (string, *bridge.Bridge, error) {
	_id, err := uuid.NewRandom()
	if err != nil {
		return "", nil, errors.New("unable to generate stream id: %v", err)
	}
	id := _id.String()

	opts := h.bridgeOpts
	b := bridge.New(&opts)
	if h.onCreate != nil {
		if err := h.onCreate(id, b); err != nil {
			b.Close()
			return "", nil, errors.New("unable to set up stream %v: %v", id, err)
		}
	}

	h.active.Add(context.Background(), 1)
	h.streams.Add(id, b)
	log.Debugf("Created stream %v", id)
	return id, b, nil
}

// Get looks up the stream with the given id.
func (h *Hub) Get(id string) (*bridge.Bridge, bool) {
	b, found := h.streams.Get(id)
	if !found {
		return nil, false
	}
	return b.(*bridge.Bridge), true
}

// Remove removes the stream with the given id. A stream that hasn't completed yet fails with ErrRemoved,
// which also fails any blocked writers.
func (h *Hub) Remove(id string) bool {
	return h.streams.Remove(id)
}

// Len returns the number of streams currently registered.
func (h *Hub) Len() int {
	return h.streams.Len()
}

// Close removes all streams and waits for them to be closed.
func (h *Hub) Close() {
	h.streams.Purge()
	h.retiring.Wait()
}

func (h *Hub) retire(id string, b *bridge.Bridge) {
	defer h.retiring.Done()
	defer h.active.Add(context.Background(), -1)

	b.SignalCloseComplete(ErrRemoved)
	if err := b.Close(); err != nil {
		log.Debugf("Retired stream %v: %v", id, err)
	} else {
		log.Debugf("Retired stream %v", id)
	}
}
