package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliu238/vacalibration/event"
	"github.com/cliu238/vacalibration/id"
)

// The replay buffer is a Sorted Set scored by sequence. Members are
// "<seq>:<event json>" so equal payloads never collide.

// appendEventScript numbers an event and buffers it in one step, so a
// sequence is never visible before every lower one is stored.
//
// KEYS: seq, events
// ARGV: ttl ms, keep, event json
var appendEventScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[3])
local keep = tonumber(ARGV[2])
if keep > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -keep - 1)
end
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return seq
`)

// AppendEvent assigns e the job's next sequence and adds it to the replay
// buffer, evicting the oldest events beyond keep.
func (s *Store) AppendEvent(ctx context.Context, e *event.Event, keep int) error {
	cp := *e
	cp.Seq = 0
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("vacalibration/redis: encode event: %w", err)
	}

	seq, err := appendEventScript.Run(ctx, s.client,
		[]string{s.keys.seq(e.JobID), s.keys.events(e.JobID)},
		s.ttl.Milliseconds(), keep, string(raw),
	).Int64()
	if err != nil {
		return unavailable("append event", err)
	}
	e.Seq = uint64(seq) //nolint:gosec // INCR starts at 1
	return nil
}

// RecentEvents returns buffered events after afterSeq.
func (s *Store) RecentEvents(ctx context.Context, jobID id.JobID, afterSeq uint64) ([]*event.Event, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.events(jobID.String()), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatUint(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("recent events", err)
	}

	out := make([]*event.Event, 0, len(members))
	for _, m := range members {
		e, err := decodeEventMember(m)
		if err != nil {
			s.logger.Warn("skipping unreadable event", "job_id", jobID.String(), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEventMember(m string) (*event.Event, error) {
	prefix, raw, ok := strings.Cut(m, ":")
	if !ok {
		return nil, errors.New("vacalibration/redis: malformed event member")
	}
	seq, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: event sequence: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("vacalibration/redis: decode event: %w", err)
	}
	e.Seq = seq
	return &e, nil
}

// DeleteEvents drops the replay buffer and sequence counter.
func (s *Store) DeleteEvents(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	if err := s.client.Del(ctx, s.keys.events(jID), s.keys.seq(jID)).Err(); err != nil {
		return unavailable("delete events", err)
	}
	return nil
}
