package redisbroker

import "context"

// ackScript stores ARGV[1] as the offset at KEYS[1] unless the stored offset is already at or past
// it. Offsets are stream IDs of the form <millis>-<seq>.
const ackScript = `
local function parse(id)
	local millis, seq = string.match(id, "^(%d+)%-?(%d*)$")
	return tonumber(millis), tonumber(seq) or 0
end

local current = redis.call("get", KEYS[1])
if current then
	local newMillis, newSeq = parse(ARGV[1])
	local curMillis, curSeq = parse(current)
	if newMillis < curMillis or (newMillis == curMillis and newSeq <= curSeq) then
		return 0
	end
end
redis.call("set", KEYS[1], ARGV[1])
return 1
`

type pendingAck struct {
	stream string
	offset string
	result chan error
}

// recordAcks takes whatever acks are waiting, writes the highest offset of each stream in one pipeline
// and reports the pipeline's outcome to every one of them.
func (b *redisBroker) recordAcks() {
	for first := range b.acks {
		batch := []*pendingAck{first}
	more:
		for {
			select {
			case a := <-b.acks:
				batch = append(batch, a)
			default:
				break more
			}
		}

		err := b.writeOffsets(highestOffsets(batch))
		if err != nil {
			log.Errorf("Unable to record %d acks: %v", len(batch), err)
		}
		for _, a := range batch {
			a.result <- err
		}
	}
}

func highestOffsets(batch []*pendingAck) map[string]string {
	highest := make(map[string]string)
	for _, a := range batch {
		if current, found := highest[a.stream]; !found || offsetLessThan(current, a.offset) {
			highest[a.stream] = a.offset
		}
	}
	return highest
}

func (b *redisBroker) writeOffsets(offsets map[string]string) error {
	ctx := context.Background()
	p := b.client.Pipeline()
	for stream, offset := range offsets {
		p.EvalSha(ctx, b.ackScriptSHA, []string{offsetName(stream)}, offset)
	}
	_, err := p.Exec(ctx)
	return err
}
