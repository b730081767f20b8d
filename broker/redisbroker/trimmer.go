package redisbroker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
)

// PeriodicallyTrimStreams runs TrimStreams every trimInterval until stop is closed.
func PeriodicallyTrimStreams(client *redis.Client, maxLen int, trimInterval time.Duration, batchSize int, stop <-chan interface{}) {
	for {
		err := TrimStreams(client, maxLen, batchSize)
		if err != nil {
			log.Error(err)
		}
		select {
		case <-stop:
			return
		case <-time.After(trimInterval):
		}
	}
}

// TrimStreams removes acked messages from all streams in the redis database, and furthermore caps them to approximately the
// given maxLength (may remain a little longer after trimming). Streams are scanned and trimmed in batches of the given batchSize.
func TrimStreams(client *redis.Client, maxLen int, batchSize int) error {
	ctx := context.Background()
	var cursor uint64
	for {
		streams, nextCursor, err := client.Scan(ctx, cursor, "topic:*", int64(batchSize)).Result()
		if err != nil {
			return errors.New("error while scanning topics: %v", err)
		}
		if len(streams) > 0 {
			trimBatch(ctx, client, streams, maxLen)
		}
		if nextCursor == 0 {
			return nil
		}
		cursor = nextCursor
	}
}

func trimBatch(ctx context.Context, client *redis.Client, streams []string, maxLen int) {
	offsetKeys := make([]string, 0, len(streams))
	for _, stream := range streams {
		offsetKeys = append(offsetKeys, offsetName(stream))
	}

	offsets, err := client.MGet(ctx, offsetKeys...).Result()
	if err != nil {
		log.Errorf("error while reading offsets, ignoring: %v", err)
	}

	p := client.Pipeline()
	for i, stream := range streams {
		if i < len(offsets) {
			if offset, ok := offsets[i].(string); ok {
				// need to increment the offset by 1 since xtrim minid keeps the entry at minid itself
				p.XTrimMinID(ctx, stream, idPlusOne(offset))
			}
		}
		p.XTrimMaxLenApprox(ctx, stream, int64(maxLen), 0)
	}
	_, err = p.Exec(ctx)
	if err != nil {
		log.Errorf("error while trimming streams, ignoring: %v", err)
	}
}

func idPlusOne(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) != 2 {
		return id
	}
	seq, _ := strconv.Atoi(parts[1])
	return fmt.Sprintf("%v-%d", parts[0], seq+1)
}
