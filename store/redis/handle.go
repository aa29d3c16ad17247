package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/worker"
)

// Dispatch handles live in Hashes. The active slot of a job is a String
// holding the id of its non-terminal handle, and each queue is a Sorted
// Set scored so that ZRANGE order is highest priority, then oldest. Every
// state change is a Lua script so the check and the write are atomic.

// enqueueScript claims the job's active slot unless it already points at a
// queued or started handle, in which case that handle's id is returned.
//
// KEYS: active, handle, queue
// ARGV: handle id, score, ttl ms, handle key prefix, field/value pairs...
var enqueueScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local st = redis.call('HGET', ARGV[4] .. cur, 'state')
  if st == 'queued' or st == 'started' then
    return cur
  end
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return ARGV[1]
`)

// dequeueScript pops the best queued handle across the given queues and
// marks it started. Members whose handle is no longer queued are dropped.
//
// KEYS: queues...
// ARGV: handle key prefix, worker id, now, ttl ms
var dequeueScript = goredis.NewScript(`
while true do
  local best, bestKey, bestScore = nil, nil, nil
  for _, key in ipairs(KEYS) do
    local top = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if #top > 0 then
      local score = tonumber(top[2])
      if bestScore == nil or score < bestScore then
        best, bestKey, bestScore = top[1], key, score
      end
    end
  end
  if best == nil then
    return false
  end
  redis.call('ZREM', bestKey, best)
  local hkey = ARGV[1] .. best
  if redis.call('HGET', hkey, 'state') == 'queued' then
    redis.call('HSET', hkey, 'state', 'started', 'worker_id', ARGV[2], 'started_at', ARGV[3], 'heartbeat_at', ARGV[3])
    redis.call('PEXPIRE', hkey, ARGV[4])
    return best
  end
end
`)

// requeueScript moves a started handle back to its queue.
//
// KEYS: handle, queue
// ARGV: handle id, score
var requeueScript = goredis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return 0
end
if st ~= 'started' then
  return 2
end
redis.call('HSET', KEYS[1], 'state', 'queued')
redis.call('HDEL', KEYS[1], 'worker_id', 'started_at', 'heartbeat_at')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// finishScript moves a non-terminal handle to a terminal state and frees
// the job's active slot if it still points at the handle.
//
// KEYS: handle, queue, active
// ARGV: handle id, state, terminate, now, ttl ms
var finishScript = goredis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return 0
end
if st ~= 'queued' and st ~= 'started' then
  return 2
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'terminate', ARGV[3], 'finished_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
return 1
`)

// Script results.
const (
	casMissing = 0
	casApplied = 1
	casRefused = 2
)

// EnqueueHandle claims the job's active slot and queues h, or returns the
// handle already holding the slot.
func (s *Store) EnqueueHandle(ctx context.Context, h *worker.Handle) (*worker.Handle, error) {
	hID := h.ID.String()
	args := []interface{}{hID, queueScore(h.Priority, h.EnqueuedAt), s.ttl.Milliseconds(), s.keys.handlePrefix()}
	for k, v := range handleToMap(h) {
		args = append(args, k, v)
	}

	got, err := enqueueScript.Run(ctx, s.client,
		[]string{s.keys.active(h.JobID.String()), s.keys.handle(hID), s.keys.queue(h.Queue)},
		args...,
	).Text()
	if err != nil {
		return nil, unavailable("enqueue handle", err)
	}
	if got == hID {
		return h.Clone(), nil
	}
	return s.getHandle(ctx, got)
}

// GetHandle retrieves a handle by ID.
func (s *Store) GetHandle(ctx context.Context, handleID id.HandleID) (*worker.Handle, error) {
	return s.getHandle(ctx, handleID.String())
}

func (s *Store) getHandle(ctx context.Context, hID string) (*worker.Handle, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.handle(hID)).Result()
	if err != nil {
		return nil, unavailable("get handle", err)
	}
	if len(vals) == 0 {
		return nil, vacalibration.ErrHandleNotFound
	}
	return mapToHandle(vals)
}

// ActiveHandle returns the job's non-terminal handle.
func (s *Store) ActiveHandle(ctx context.Context, jobID id.JobID) (*worker.Handle, error) {
	hID, err := s.client.Get(ctx, s.keys.active(jobID.String())).Result()
	if err != nil {
		if isNil(err) {
			return nil, vacalibration.ErrHandleNotFound
		}
		return nil, unavailable("get active handle", err)
	}
	h, err := s.getHandle(ctx, hID)
	if err != nil {
		return nil, err
	}
	if h.State.Terminal() {
		return nil, vacalibration.ErrHandleNotFound
	}
	return h, nil
}

// DequeueHandle claims the best queued handle across queues, or returns
// nil when they are all empty.
func (s *Store) DequeueHandle(ctx context.Context, queues []string, workerID string) (*worker.Handle, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	qkeys := make([]string, len(queues))
	for i, q := range queues {
		qkeys[i] = s.keys.queue(q)
	}

	hID, err := dequeueScript.Run(ctx, s.client, qkeys,
		s.keys.handlePrefix(), workerID, formatTime(time.Now()), s.ttl.Milliseconds(),
	).Text()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, unavailable("dequeue handle", err)
	}
	return s.getHandle(ctx, hID)
}

// RequeueHandle returns a started handle to its queue.
func (s *Store) RequeueHandle(ctx context.Context, handleID id.HandleID) error {
	h, err := s.GetHandle(ctx, handleID)
	if err != nil {
		return err
	}

	hID := handleID.String()
	res, err := requeueScript.Run(ctx, s.client,
		[]string{s.keys.handle(hID), s.keys.queue(h.Queue)},
		hID, queueScore(h.Priority, h.EnqueuedAt),
	).Int()
	if err != nil {
		return unavailable("requeue handle", err)
	}
	switch res {
	case casMissing:
		return vacalibration.ErrHandleNotFound
	case casRefused:
		return vacalibration.ErrInvalidTransition
	}
	return nil
}

// FinishHandle moves a non-terminal handle to a terminal state. A handle
// that is already terminal is returned unchanged with
// vacalibration.ErrInvalidTransition.
func (s *Store) FinishHandle(ctx context.Context, handleID id.HandleID, to worker.HandleState, terminate bool) (*worker.Handle, error) {
	h, err := s.GetHandle(ctx, handleID)
	if err != nil {
		return nil, err
	}

	hID := handleID.String()
	res, err := finishScript.Run(ctx, s.client,
		[]string{s.keys.handle(hID), s.keys.queue(h.Queue), s.keys.active(h.JobID.String())},
		hID, string(to), strconv.FormatBool(terminate), formatTime(time.Now()), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, unavailable("finish handle", err)
	}

	cur, err := s.GetHandle(ctx, handleID)
	if err != nil {
		return nil, err
	}
	switch res {
	case casMissing:
		return nil, vacalibration.ErrHandleNotFound
	case casRefused:
		return cur, vacalibration.ErrInvalidTransition
	}
	return cur, nil
}

// HeartbeatHandle stamps a started handle and returns its current state,
// which tells the pool whether the handle was revoked.
func (s *Store) HeartbeatHandle(ctx context.Context, handleID id.HandleID) (*worker.Handle, error) {
	h, err := s.GetHandle(ctx, handleID)
	if err != nil {
		return nil, err
	}
	if h.State != worker.HandleStarted {
		return h, nil
	}

	now := time.Now().UTC()
	key := s.keys.handle(handleID.String())
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "heartbeat_at", formatTime(now))
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("heartbeat handle", err)
	}
	h.HeartbeatAt = &now
	return h, nil
}

// ── helpers ──

// queueScore orders a queue by priority, then enqueue time. Higher
// priority gets a lower score; milliseconds keep FIFO order within a
// priority and stay exact in a float64.
func queueScore(priority int, enqueuedAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

func handleToMap(h *worker.Handle) map[string]interface{} {
	m := map[string]interface{}{
		"id":          h.ID.String(),
		"job_id":      h.JobID.String(),
		"name":        h.Name,
		"input":       string(h.Input),
		"timeout":     strconv.FormatInt(int64(h.Timeout), 10),
		"queue":       h.Queue,
		"priority":    strconv.Itoa(h.Priority),
		"owner":       h.Owner,
		"group":       h.Group,
		"group_limit": strconv.Itoa(h.GroupLimit),
		"state":       string(h.State),
		"terminate":   strconv.FormatBool(h.Terminate),
		"worker_id":   h.WorkerID,
		"enqueued_at": formatTime(h.EnqueuedAt),
	}
	if h.StartedAt != nil {
		m["started_at"] = formatTime(*h.StartedAt)
	}
	if h.HeartbeatAt != nil {
		m["heartbeat_at"] = formatTime(*h.HeartbeatAt)
	}
	if h.FinishedAt != nil {
		m["finished_at"] = formatTime(*h.FinishedAt)
	}
	return m
}

func mapToHandle(m map[string]string) (*worker.Handle, error) {
	hID, err := id.ParseHandleID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse handle id: %w", err)
	}
	jID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("vacalibration/redis: parse handle job id: %w", err)
	}

	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	groupLimit, _ := strconv.Atoi(m["group_limit"])      //nolint:errcheck // best-effort parse from trusted Redis data
	terminate, _ := strconv.ParseBool(m["terminate"])    //nolint:errcheck // best-effort parse from trusted Redis data

	h := &worker.Handle{
		ID:    hID,
		JobID: jID,
		Spec: worker.Spec{
			Name:       m["name"],
			Timeout:    time.Duration(timeout),
			Queue:      m["queue"],
			Priority:   priority,
			Owner:      m["owner"],
			Group:      m["group"],
			GroupLimit: groupLimit,
		},
		State:       worker.HandleState(m["state"]),
		Terminate:   terminate,
		WorkerID:    m["worker_id"],
		EnqueuedAt:  parseTime(m["enqueued_at"]),
		StartedAt:   parseTimePtr(m["started_at"]),
		HeartbeatAt: parseTimePtr(m["heartbeat_at"]),
		FinishedAt:  parseTimePtr(m["finished_at"]),
	}
	if v := m["input"]; v != "" {
		h.Input = json.RawMessage(v)
	}
	return h, nil
}
