// redisbroker implements the ../broker.Broker interface using Redis streams. It can run on a cluster.
//
// Each Topic gets its own stream at topic:{<topic>}, for example if the topic is "abcde" the stream is at key "topic:{abcde}".
// The {} braces around the topic indicate that the topic is used as the sharding key when running on a Redis cluster.
//
// Streams are append-only logs from which clients may read starting at any offset, where the offset is determined by the ID
// of the message stored in the stream. redisbroker takes care of tracking the highest previously acknowledged offset by
// stream. This is stored in offset:<stream>, for example "offset:topic:{abcde}".
//
// Whenever a new subscriber is created, it will start receiving messages after the highest recorded offset. Whenever a message
// is acked, the highest recorded offset is updated to the acked ID. However, if an ACK is received out of order, it is ignored.
//
// Relayed stream chunks are small and numerous, so TrimStreams should run periodically to drop acked messages and cap
// the length of each stream.
package redisbroker

import (
	"context"
	"strconv"
	"strings"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/go-redis/redis/v8"

	"github.com/getlantern/outstream/broker"
)

const (
	minOffset = "0"
)

var (
	log = golog.LoggerFor("outstream.redisbroker")
)

type redisBroker struct {
	client       *redis.Client
	reads        chan *readRequest
	acks         chan *pendingAck
	ackScriptSHA string
}

// New constructs a new Redis-backed Broker that connects with the given client.
func New(client *redis.Client) (broker.Broker, error) {
	ackScriptSHA, err := client.ScriptLoad(context.Background(), ackScript).Result()
	if err != nil {
		return nil, errors.New("unable to load ackScript: %v", err)
	}

	b := &redisBroker{
		client:       client,
		reads:        make(chan *readRequest, 10000),
		acks:         make(chan *pendingAck, 10000),
		ackScriptSHA: ackScriptSHA,
	}
	go b.pollStreams()
	go b.recordAcks()
	return b, nil
}

func (b *redisBroker) NewPublisher(topicName string) (broker.Publisher, error) {
	return &publisher{
		b:      b,
		stream: streamName(topicName),
	}, nil
}

type publisher struct {
	b      *redisBroker
	stream string
}

func (pub *publisher) Publish(data []byte) error {
	ctx := context.Background()
	return pub.b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: pub.stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
}

func (pub *publisher) Close() error {
	return nil
}

func streamName(topicName string) string {
	return "topic:{" + topicName + "}"
}

func offsetName(stream string) string {
	return "offset:" + stream
}

func offsetLessThan(a, b string) bool {
	aParts := strings.Split(a, "-")
	bParts := strings.Split(b, "-")
	aMillis, _ := strconv.ParseInt(aParts[0], 10, 64)
	bMillis, _ := strconv.ParseInt(bParts[0], 10, 64)
	if aMillis != bMillis {
		return aMillis < bMillis
	}
	if len(aParts) == 1 || len(bParts) == 1 {
		return len(aParts) < len(bParts)
	}
	aSeq, _ := strconv.Atoi(aParts[1])
	bSeq, _ := strconv.Atoi(bParts[1])
	return aSeq < bSeq
}
