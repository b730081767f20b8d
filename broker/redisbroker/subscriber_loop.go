package redisbroker

import (
	"context"
	gerrors "errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	pollBlock     = 250 * time.Millisecond
	pollBatchSize = 1000
	pollBackoff   = 2 * time.Second
)

// readRequest asks the poll loop for the messages of the subscriber's stream that come after offset.
type readRequest struct {
	sub    *subscriber
	offset string
}

// waitingReads holds the read requests that haven't been answered yet, keyed by stream.
type waitingReads map[string][]*readRequest

func (w waitingReads) add(req *readRequest) {
	w[req.sub.stream] = append(w[req.sub.stream], req)
}

// addQueued adds whatever requests are already queued on reads without waiting for more.
func (w waitingReads) addQueued(reads <-chan *readRequest) {
	for {
		select {
		case req := <-reads:
			w.add(req)
		default:
			return
		}
	}
}

// prune removes requests of closed subscribers along with streams nobody is waiting on anymore.
func (w waitingReads) prune() {
	for stream, reqs := range w {
		kept := reqs[:0]
		for _, req := range reqs {
			if !req.sub.closed() {
				kept = append(kept, req)
			}
		}
		if len(kept) == 0 {
			delete(w, stream)
			continue
		}
		w[stream] = kept
	}
}

// xreadArgs lists every waiting stream followed by the lowest offset any of its readers asked for,
// which is the argument layout XREAD expects.
func (w waitingReads) xreadArgs() []string {
	streams := make([]string, 0, len(w)*2)
	offsets := make([]string, 0, len(w))
	for stream, reqs := range w {
		lowest := reqs[0].offset
		for _, req := range reqs[1:] {
			if offsetLessThan(req.offset, lowest) {
				lowest = req.offset
			}
		}
		streams = append(streams, stream)
		offsets = append(offsets, lowest)
	}
	return append(streams, offsets...)
}

// pollStreams serves read requests with a single XREAD for all streams that have readers waiting.
// A subscriber only asks again once it has passed on its previous batch, so a reader that got nothing
// stays waiting across iterations and a slow reader never makes the loop buffer on its behalf. Each
// XREAD blocks briefly so that newly arriving requests get picked up soon.
func (b *redisBroker) pollStreams() {
	waiting := make(waitingReads)
	for {
		waiting.prune()
		if len(waiting) == 0 {
			waiting.add(<-b.reads)
		}
		waiting.addQueued(b.reads)
		b.poll(waiting)
	}
}

func (b *redisBroker) poll(waiting waitingReads) {
	results, err := b.client.XRead(context.Background(), &redis.XReadArgs{
		Streams: waiting.xreadArgs(),
		Count:   pollBatchSize,
		Block:   pollBlock,
	}).Result()
	if gerrors.Is(err, redis.Nil) {
		// nothing new within pollBlock
		return
	}
	if err != nil {
		log.Errorf("Unable to read streams, retrying in %v: %v", pollBackoff, err)
		time.Sleep(pollBackoff)
		return
	}

	for _, result := range results {
		for _, req := range waiting[result.Stream] {
			req.sub.send(b.messagesFor(req.sub, result.Messages))
		}
		delete(waiting, result.Stream)
	}
}

func (b *redisBroker) messagesFor(sub *subscriber, entries []redis.XMessage) []*message {
	msgs := make([]*message, len(entries))
	for i, entry := range entries {
		data, _ := entry.Values["data"].(string)
		msgs[i] = &message{
			b:      b,
			sub:    sub,
			offset: entry.ID,
			data:   []byte(data),
		}
	}
	return msgs
}
